package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/creditline/creditline-backend/internal/service"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// ReceiptHandler handles receipt uploads for payments
type ReceiptHandler struct {
	receiptService *service.ReceiptService
}

// NewReceiptHandler creates a new ReceiptHandler
func NewReceiptHandler(receiptService *service.ReceiptService) *ReceiptHandler {
	return &ReceiptHandler{receiptService: receiptService}
}

// ReceiptResponse represents a stored receipt
type ReceiptResponse struct {
	ID           string `json:"id"`
	PaymentID    string `json:"paymentId"`
	ThumbnailURL string `json:"thumbnailUrl"`
	DisplayURL   string `json:"displayUrl"`
	OriginalURL  string `json:"originalUrl"`
	CreatedAt    string `json:"createdAt"`
}

// AttachReceipt handles POST /api/v1/loans/:id/payments/:paymentId/receipts
// @Summary Attach a receipt photo to a payment
// @Tags receipts
// @Accept multipart/form-data
// @Produce json
// @Param id path string true "Loan ID"
// @Param paymentId path string true "Payment ID"
// @Param file formData file true "JPEG or PNG, at most 5MB"
// @Success 201 {object} ReceiptResponse
// @Failure 400 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Failure 503 {object} ProblemDetails
// @Security BearerAuth
// @Router /loans/{id}/payments/{paymentId}/receipts [post]
func (h *ReceiptHandler) AttachReceipt(c echo.Context) error {
	// Don't read the upload when storage isn't configured
	if !h.receiptService.IsEnabled() {
		return NewServiceUnavailableError(c, "Receipt uploads are disabled (storage not configured)", 0)
	}

	file, err := c.FormFile("file")
	if err != nil {
		return NewValidationError(c, "No file provided", []ValidationError{
			{Field: "file", Message: "File is required"},
		})
	}
	if file.Size > service.MaxReceiptSize {
		return NewValidationError(c, "Validation failed", []ValidationError{
			{Field: "file", Message: "File too large. Maximum size is 5MB"},
		})
	}

	src, err := file.Open()
	if err != nil {
		log.Error().Err(err).Msg("Failed to open uploaded file")
		return NewInternalError(c, "Failed to process file")
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, service.MaxReceiptSize+1))
	if err != nil {
		log.Error().Err(err).Msg("Failed to read uploaded file")
		return NewInternalError(c, "Failed to read file")
	}

	receipt, err := h.receiptService.Attach(c.Request().Context(), c.Param("id"), c.Param("paymentId"), data, file.Filename)
	if err != nil {
		return respondError(c, err, "attach receipt")
	}

	return c.JSON(http.StatusCreated, toReceiptResponse(receipt))
}

// ListReceipts handles GET /api/v1/loans/:id/payments/:paymentId/receipts
// @Summary List receipts of a payment with temporary download URLs
// @Tags receipts
// @Produce json
// @Param id path string true "Loan ID"
// @Param paymentId path string true "Payment ID"
// @Success 200 {array} ReceiptResponse
// @Failure 404 {object} ProblemDetails
// @Failure 503 {object} ProblemDetails
// @Security BearerAuth
// @Router /loans/{id}/payments/{paymentId}/receipts [get]
func (h *ReceiptHandler) ListReceipts(c echo.Context) error {
	receipts, err := h.receiptService.List(c.Request().Context(), c.Param("id"), c.Param("paymentId"))
	if err != nil {
		return respondError(c, err, "list receipts")
	}

	response := make([]ReceiptResponse, len(receipts))
	for i, r := range receipts {
		response[i] = toReceiptResponse(r)
	}
	return c.JSON(http.StatusOK, response)
}

func toReceiptResponse(r *service.ReceiptView) ReceiptResponse {
	return ReceiptResponse{
		ID:           r.ID,
		PaymentID:    r.PaymentID,
		ThumbnailURL: r.ThumbnailURL,
		DisplayURL:   r.DisplayURL,
		OriginalURL:  r.OriginalURL,
		CreatedAt:    r.CreatedAt.Format(time.RFC3339),
	}
}
