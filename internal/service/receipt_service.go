package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"path/filepath"
	"strings"
	"time"

	"github.com/creditline/creditline-backend/internal/domain"
	"github.com/creditline/creditline-backend/internal/repository/storage"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	MaxReceiptSize    = 5 * 1024 * 1024 // 5MB
	MinReceiptWidth   = 50
	MinReceiptHeight  = 50
	ThumbnailWidth    = 200
	DisplayWidth      = 800
	JPEGQuality       = 85
	DefaultPresignTTL = 15 * time.Minute
)

var (
	ErrReceiptTooLarge     = domain.NewValidationError("file", "too large, maximum size is 5MB")
	ErrInvalidFormat       = domain.NewValidationError("file", "invalid format, supported: JPEG, PNG")
	ErrReceiptTooSmall     = domain.NewValidationError("file", "image too small, minimum 50x50 pixels")
	ErrInvalidImageData    = domain.NewValidationError("file", "invalid image data")
	ErrReceiptsUnavailable = errors.New("receipt storage not configured")
)

// allowedFormats are the image.DecodeConfig format names accepted for receipts
var allowedFormats = map[string]bool{"jpeg": true, "png": true}

// AllowedExtensions maps receipt file extensions to content types
var AllowedExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
}

var receiptVariants = []struct {
	name     string
	maxWidth int
}{
	{"thumb", ThumbnailWidth},
	{"display", DisplayWidth},
	{"original", 0}, // 0 keeps the original size
}

// ReceiptView is a stored receipt with temporary download URLs
type ReceiptView struct {
	ID           string    `json:"id"`
	LoanID       string    `json:"loanId"`
	PaymentID    string    `json:"paymentId"`
	ThumbnailURL string    `json:"thumbnailUrl"`
	DisplayURL   string    `json:"displayUrl"`
	OriginalURL  string    `json:"originalUrl"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ReceiptService stores photo evidence for payments
type ReceiptService struct {
	store      storage.ReceiptStore
	receipts   domain.ReceiptRepository
	ledgerRepo domain.LedgerRepository
	clock      domain.Clock
	presignTTL time.Duration
	logger     zerolog.Logger
}

// NewReceiptService creates a new ReceiptService. A nil store disables uploads.
func NewReceiptService(
	store storage.ReceiptStore,
	receipts domain.ReceiptRepository,
	ledgerRepo domain.LedgerRepository,
	clock domain.Clock,
	presignTTL time.Duration,
	logger zerolog.Logger,
) *ReceiptService {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if presignTTL <= 0 {
		presignTTL = DefaultPresignTTL
	}
	return &ReceiptService{
		store:      store,
		receipts:   receipts,
		ledgerRepo: ledgerRepo,
		clock:      clock,
		presignTTL: presignTTL,
		logger:     logger.With().Str("component", "receipt_service").Logger(),
	}
}

// IsEnabled indicates whether object storage is configured
func (s *ReceiptService) IsEnabled() bool {
	return s != nil && s.store != nil
}

// ValidateReceipt checks size, format and dimensions of an upload
func (s *ReceiptService) ValidateReceipt(data []byte, filename string) error {
	_, err := s.validateAndDecode(data, filename)
	return err
}

func (s *ReceiptService) validateAndDecode(data []byte, filename string) (image.Image, error) {
	if len(data) > MaxReceiptSize {
		return nil, ErrReceiptTooLarge
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := AllowedExtensions[ext]; !ok {
		return nil, ErrInvalidFormat
	}

	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, ErrInvalidImageData
	}
	if !allowedFormats[format] {
		return nil, ErrInvalidFormat
	}

	// Phone photos carry EXIF orientation
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, ErrInvalidImageData
	}

	bounds := img.Bounds()
	if bounds.Dx() < MinReceiptWidth || bounds.Dy() < MinReceiptHeight {
		return nil, ErrReceiptTooSmall
	}
	return img, nil
}

// Attach uploads a receipt image for an existing payment
func (s *ReceiptService) Attach(ctx context.Context, loanID, paymentID string, data []byte, filename string) (*ReceiptView, error) {
	if !s.IsEnabled() {
		return nil, ErrReceiptsUnavailable
	}

	img, err := s.validateAndDecode(data, filename)
	if err != nil {
		return nil, err
	}

	if _, err := s.ledgerRepo.GetPayment(ctx, loanID, paymentID); err != nil {
		return nil, err
	}

	receipt := &domain.PaymentReceipt{
		ID:        uuid.New().String(),
		LoanID:    loanID,
		PaymentID: paymentID,
		CreatedAt: s.clock.Now(),
	}
	receipt.ObjectPrefix = fmt.Sprintf("loans/%s/payments/%s/%s", loanID, paymentID, receipt.ID)

	var uploaded []string
	for _, variant := range receiptVariants {
		processed := img
		if variant.maxWidth > 0 && img.Bounds().Dx() > variant.maxWidth {
			processed = imaging.Resize(img, variant.maxWidth, 0, imaging.Lanczos)
		}

		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, processed, &jpeg.Options{Quality: JPEGQuality}); err != nil {
			s.cleanup(ctx, uploaded)
			return nil, fmt.Errorf("failed to encode receipt: %w", err)
		}

		key := variantKey(receipt.ObjectPrefix, variant.name)
		if err := s.store.Put(ctx, key, buf.Bytes(), "image/jpeg"); err != nil {
			s.cleanup(ctx, uploaded)
			return nil, fmt.Errorf("failed to upload %s variant: %w", variant.name, err)
		}
		uploaded = append(uploaded, key)
	}

	if err := s.receipts.CreateReceipt(ctx, receipt); err != nil {
		s.cleanup(ctx, uploaded)
		return nil, err
	}

	s.logger.Info().
		Str("loan_id", loanID).
		Str("payment_id", paymentID).
		Str("receipt_id", receipt.ID).
		Msg("Receipt attached")

	return s.view(ctx, receipt)
}

// List returns the receipts of a payment with presigned URLs
func (s *ReceiptService) List(ctx context.Context, loanID, paymentID string) ([]*ReceiptView, error) {
	if !s.IsEnabled() {
		return nil, ErrReceiptsUnavailable
	}

	if _, err := s.ledgerRepo.GetPayment(ctx, loanID, paymentID); err != nil {
		return nil, err
	}

	receipts, err := s.receipts.ListReceipts(ctx, loanID, paymentID)
	if err != nil {
		return nil, err
	}

	views := make([]*ReceiptView, 0, len(receipts))
	for _, r := range receipts {
		v, err := s.view(ctx, r)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

func (s *ReceiptService) view(ctx context.Context, r *domain.PaymentReceipt) (*ReceiptView, error) {
	urls := make(map[string]string, len(receiptVariants))
	for _, variant := range receiptVariants {
		url, err := s.store.PresignGet(ctx, variantKey(r.ObjectPrefix, variant.name), s.presignTTL)
		if err != nil {
			return nil, err
		}
		urls[variant.name] = url
	}
	return &ReceiptView{
		ID:           r.ID,
		LoanID:       r.LoanID,
		PaymentID:    r.PaymentID,
		ThumbnailURL: urls["thumb"],
		DisplayURL:   urls["display"],
		OriginalURL:  urls["original"],
		CreatedAt:    r.CreatedAt,
	}, nil
}

// cleanup removes variants uploaded during a failed attach. Best effort.
func (s *ReceiptService) cleanup(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := s.store.Delete(ctx, key); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("Failed to remove receipt variant")
		}
	}
}

func variantKey(prefix, variant string) string {
	return prefix + "_" + variant + ".jpg"
}
