package main

import (
	"errors"
	"log"
	"time"

	"eventcancel-backend/internal/adjudication"
	"eventcancel-backend/internal/cancellation"
	"eventcancel-backend/internal/classifier"
	"eventcancel-backend/internal/config"
	"eventcancel-backend/internal/dispatch"
	"eventcancel-backend/internal/fees"
	"eventcancel-backend/internal/lockout"
	"eventcancel-backend/internal/mq"
	"eventcancel-backend/internal/notify"
	"eventcancel-backend/internal/penalty"
	"eventcancel-backend/internal/processor"
	"eventcancel-backend/internal/store"
	"eventcancel-backend/internal/strikes"
)

type app struct {
	handlers *Handlers
	runner   *dispatch.Runner
	closers  []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("close: %v", err)
		}
	}
}

// paymentProcessor is what the API needs from the processor adapter.
type paymentProcessor interface {
	processor.Processor
	processor.EventVerifier
}

func buildApp(cfg config.App, policy config.Policy) (*app, error) {
	db, err := store.Open(cfg.DBDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(db); err != nil {
		return nil, err
	}
	a := &app{}
	if sqlDB, err := db.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}

	var proc paymentProcessor
	omise, err := processor.NewOmise(processor.OmiseConfig{
		PublicKey: cfg.OmisePublicKey,
		SecretKey: cfg.OmiseSecretKey,
		Currency:  cfg.PaymentCurrency,
		ReturnURI: cfg.PenaltyReturnURI,
	})
	switch {
	case errors.Is(err, processor.ErrNotConfigured):
		log.Println("⚠️ Warning: payment processor keys missing, refunds and penalty charges will fail")
		proc = processor.Disabled{}
	case err != nil:
		return nil, err
	default:
		proc = omise
	}

	var notifier notify.Notifier = notify.NewConsole()
	if cfg.RabbitURL != "" {
		pub, err := mq.NewPublisher(cfg.RabbitURL, cfg.NotifyExchange)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, pub.Close)
		notifier = notify.NewQueue(pub, notify.RKGuestNotice)
	}

	st := store.New(db)
	ledger := strikes.NewLedger(db, strikes.WithWindowDays(policy.WindowDays))
	cls := classifier.New(cfg.ClassifierURL, cfg.ClassifierAPIKey, policy.ClassifierTimeout)
	reviews := adjudication.NewService(st, ledger, cls, policy.ClassifierTimeout)
	a.runner = dispatch.NewRunner(policy.BackgroundTimeout)

	engine := cancellation.New(cancellation.Deps{
		Store:       st,
		Ledger:      ledger,
		Policy:      lockout.NewPolicy(policy.Tiers),
		Calculator:  fees.NewCalculator(policy.Pricing()),
		Refunder:    proc,
		Penalty:     penalty.NewFlow(st, proc),
		Adjudicator: reviews,
		Notifier:    notifier,
		Dispatcher:  a.runner,
	}, cancellation.Config{
		ShortNoticeWindow: policy.ShortNoticeWindow(),
		RefundConcurrency: policy.RefundConcurrency,
	})

	a.handlers = &Handlers{
		store:    st,
		engine:   engine,
		reviews:  reviews,
		verifier: proc,
		now:      time.Now,
	}
	return a, nil
}
