package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"eventcancel-backend/internal/classifier"
	"eventcancel-backend/internal/notify"
	"eventcancel-backend/internal/processor"
)

var (
	ErrMockRefund = errors.New("mock refund error")
	ErrMockNotify = errors.New("mock notify error")
)

// MockProcessor implements processor.Processor. Without overrides, refunds
// succeed and charges succeed immediately.
type MockProcessor struct {
	mu           sync.Mutex
	RefundFunc   func(ctx context.Context, chargeRef string, amountCents int64) (string, error)
	ChargeFunc   func(ctx context.Context, req processor.ChargeRequest) (*processor.ChargeResult, error)
	RetrieveFunc func(ctx context.Context, chargeRef string) (*processor.ChargeResult, error)

	Refunds       []string
	Charges       []processor.ChargeRequest
	RetrieveCalls int
	charges       map[string]*processor.ChargeResult
}

func NewMockProcessor() *MockProcessor {
	return &MockProcessor{charges: make(map[string]*processor.ChargeResult)}
}

func (m *MockProcessor) Refund(ctx context.Context, chargeRef string, amountCents int64) (string, error) {
	m.mu.Lock()
	m.Refunds = append(m.Refunds, chargeRef)
	fn := m.RefundFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, chargeRef, amountCents)
	}
	return "rfnd_" + chargeRef, nil
}

func (m *MockProcessor) Charge(ctx context.Context, req processor.ChargeRequest) (*processor.ChargeResult, error) {
	m.mu.Lock()
	m.Charges = append(m.Charges, req)
	n := len(m.Charges)
	fn := m.ChargeFunc
	m.mu.Unlock()

	var (
		res *processor.ChargeResult
		err error
	)
	if fn != nil {
		res, err = fn(ctx, req)
	} else {
		res = &processor.ChargeResult{Status: processor.StatusSucceeded, AmountCents: req.AmountCents}
	}
	if err != nil {
		return nil, err
	}
	if res.ID == "" {
		res.ID = fmt.Sprintf("chrg_penalty_%d", n)
	}
	m.mu.Lock()
	m.charges[res.ID] = res
	m.mu.Unlock()
	return res, nil
}

func (m *MockProcessor) RetrieveCharge(ctx context.Context, chargeRef string) (*processor.ChargeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RetrieveCalls++
	if m.RetrieveFunc != nil {
		return m.RetrieveFunc(ctx, chargeRef)
	}
	res, ok := m.charges[chargeRef]
	if !ok {
		return nil, fmt.Errorf("charge %s not found", chargeRef)
	}
	cp := *res
	return &cp, nil
}

// SetChargeStatus changes what RetrieveCharge reports for a charge, as if
// the payer finished or failed authentication.
func (m *MockProcessor) SetChargeStatus(chargeRef string, status processor.ChargeStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res, ok := m.charges[chargeRef]; ok {
		res.Status = status
	}
}

func (m *MockProcessor) ChargeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Charges)
}

func (m *MockProcessor) RefundCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Refunds)
}

// MockClassifier implements classifier.Classifier.
type MockClassifier struct {
	mu           sync.Mutex
	ClassifyFunc func(ctx context.Context, in classifier.Input) (classifier.Verdict, error)
	Inputs       []classifier.Input
}

func (m *MockClassifier) Classify(ctx context.Context, in classifier.Input) (classifier.Verdict, error) {
	m.mu.Lock()
	m.Inputs = append(m.Inputs, in)
	fn := m.ClassifyFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, in)
	}
	return classifier.Verdict{
		StrikeRecommendation: "no",
		CancellationType:     classifier.TypeInvoluntary,
		ConfidenceScore:      0.9,
		ModeratorNote:        "reason describes an emergency",
	}, nil
}

func (m *MockClassifier) Calls() []classifier.Input {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]classifier.Input(nil), m.Inputs...)
}

// MockNotifier implements notify.Notifier and remembers what it sent.
type MockNotifier struct {
	mu         sync.Mutex
	FailForIDs map[uint]bool
	Sent       map[uint][]notify.Message
}

func NewMockNotifier() *MockNotifier {
	return &MockNotifier{Sent: make(map[uint][]notify.Message)}
}

func (m *MockNotifier) Notify(_ context.Context, userID uint, msg notify.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailForIDs[userID] {
		return ErrMockNotify
	}
	m.Sent[userID] = append(m.Sent[userID], msg)
	return nil
}

func (m *MockNotifier) Messages(userID uint) []notify.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notify.Message(nil), m.Sent[userID]...)
}
