package main

import "github.com/gin-gonic/gin"

func SetupRoutes(r *gin.Engine, h *Handlers, jwtSecret string) {

	// Processor callbacks
	r.POST("/webhooks/omise", h.ProcessorWebhook)

	// Protected Routes
	authorized := r.Group("/api")
	authorized.Use(AuthMiddleware(jwtSecret))
	{
		// EVENTS
		authorized.POST("/events", h.CreateEvent)
		authorized.GET("/events/organized", h.GetOrganizedEvents)

		// ATTENDANCE
		authorized.POST("/events/:id/respond", h.SetAttendance)
		authorized.GET("/events/:id/attendees", h.GetEventAttendees)

		// CANCELLATION
		authorized.GET("/events/:id/cancellation", h.PreviewCancellation)
		authorized.POST("/events/:id/cancel", h.CancelEvent)
		authorized.POST("/events/:id/refunds/retry", h.RetryRefunds)
		authorized.GET("/hosts/me/strikes", h.GetMyStrikes)

		// REVIEWS
		reviews := authorized.Group("/reviews", RequireRole(RoleReviewer))
		reviews.GET("", h.ListReviews)
		reviews.POST("/:id/decision", h.DecideReview)
	}
}
