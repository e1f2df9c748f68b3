// Package capture turns a student's photo into a one-shot capture id that
// the attendance recorder can consume.
package capture

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"attendcode/internal/apperrors"
	"attendcode/internal/cloudinary"
	"attendcode/internal/faceclient"
	"attendcode/internal/logger"
	"attendcode/internal/metrics"
)

// Uploader stores the image and returns a URL the detector can fetch.
type Uploader interface {
	UploadCapture(ctx context.Context, data, publicID string) (*cloudinary.UploadResult, error)
}

// Detector checks an image for a face.
type Detector interface {
	Detect(ctx context.Context, imageURL string) (*faceclient.Detection, error)
}

// Store remembers which student a capture belongs to.
type Store interface {
	SaveCapture(ctx context.Context, captureID, studentID string, ttl time.Duration) error
}

// Service runs upload, detection and registration for one capture.
type Service struct {
	uploader     Uploader
	detector     Detector
	store        Store
	ttl          time.Duration
	storeTimeout time.Duration
}

// NewService wires a capture service. uploader may be nil, in which case
// the data URL is handed to the detector as is.
func NewService(uploader Uploader, detector Detector, store Store, ttl, storeTimeout time.Duration) *Service {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if storeTimeout <= 0 {
		storeTimeout = 3 * time.Second
	}
	return &Service{uploader: uploader, detector: detector, store: store, ttl: ttl, storeTimeout: storeTimeout}
}

// Capture registers imageData for studentID and returns the capture id.
func (s *Service) Capture(ctx context.Context, studentID, imageData string) (string, error) {
	id, err := s.capture(ctx, studentID, imageData)
	result := "ok"
	if err != nil {
		result = apperrors.Code(err)
	}
	metrics.Captures.WithLabelValues(result).Inc()
	return id, err
}

func (s *Service) capture(ctx context.Context, studentID, imageData string) (string, error) {
	studentID = strings.ToLower(strings.TrimSpace(studentID))
	if studentID == "" || strings.TrimSpace(imageData) == "" {
		return "", apperrors.ErrMissingField
	}
	captureID := uuid.NewString()

	imageURL := imageData
	if s.uploader != nil {
		res, err := s.uploader.UploadCapture(ctx, imageData, captureID)
		if err != nil {
			logger.Warn().Err(err).Str("student_id", studentID).Msg("capture upload failed")
			return "", apperrors.Store(err, apperrors.ErrCaptureFailed)
		}
		imageURL = res.SecureURL
	}

	det, err := s.detector.Detect(ctx, imageURL)
	if errors.Is(err, faceclient.ErrNoFace) {
		return "", apperrors.ErrNoFace
	}
	if err != nil {
		logger.Warn().Err(err).Str("student_id", studentID).Msg("face detection failed")
		return "", apperrors.Store(err, apperrors.ErrCaptureFailed)
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := s.store.SaveCapture(storeCtx, captureID, studentID, s.ttl); err != nil {
		return "", apperrors.Store(err, apperrors.ErrStoreFailure)
	}
	logger.Info().
		Str("student_id", studentID).
		Str("capture_id", captureID).
		Int("faces", det.FacesDetected).
		Float64("score", det.Score).
		Msg("face captured")
	return captureID, nil
}
