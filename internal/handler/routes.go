package handler

import (
	"github.com/labstack/echo/v4"
)

// Handlers groups the API handlers registered by RegisterRoutes
type Handlers struct {
	Loans     *LoanHandler
	Payments  *PaymentHandler
	Receipts  *ReceiptHandler
	WebSocket *WebSocketHandler
}

// RegisterRoutes sets up all API routes. authenticate guards every /api/v1
// route; rateLimit additionally guards ledger writes.
func RegisterRoutes(e *echo.Echo, authenticate, rateLimit echo.MiddlewareFunc, h Handlers) {
	// API version 1
	api := e.Group("/api/v1")
	api.Use(authenticate)

	loans := api.Group("/loans")
	loans.POST("", h.Loans.CreateLoan)
	loans.GET("/:id", h.Loans.GetLoanState)
	loans.GET("/:id/payments", h.Loans.ListPayments)
	loans.POST("/:id/reevaluate", h.Loans.Reevaluate)
	loans.POST("/:id/reclassify", h.Loans.Reclassify)
	loans.GET("/:id/reconciliation", h.Loans.Reconcile)

	// Ledger writes (rate limited per collector)
	loans.POST("/:id/payments", h.Payments.RecordPayment, rateLimit)
	loans.POST("/:id/payments/:paymentId/reversal", h.Payments.ReversePayment, rateLimit)

	// Receipts
	loans.POST("/:id/payments/:paymentId/receipts", h.Receipts.AttachReceipt, rateLimit)
	loans.GET("/:id/payments/:paymentId/receipts", h.Receipts.ListReceipts)

	// WebSocket authenticates with ?token= since browsers cannot set headers
	if h.WebSocket != nil {
		e.GET("/ws", h.WebSocket.HandleWS)
	}
}
