package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-nlq/pkg/audit"
	"github.com/ekaya-inc/ekaya-nlq/pkg/logging"
	"github.com/ekaya-inc/ekaya-nlq/pkg/metrics"
	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
	"github.com/ekaya-inc/ekaya-nlq/pkg/repositories"
	"github.com/ekaya-inc/ekaya-nlq/pkg/retrieval"
)

// FeedbackRequest is a user's rating and optional correction.
type FeedbackRequest struct {
	UserID       string  `json:"user_id"`
	Rating       int     `json:"rating"`
	CorrectedSQL *string `json:"corrected_sql,omitempty"`
	Comment      *string `json:"comment,omitempty"`
}

// CatalogReader loads the catalog corrections are validated against.
type CatalogReader interface {
	GetCatalog(ctx context.Context, dataSourceID uuid.UUID) (*models.Catalog, error)
}

// DocumentIndexer schedules indexing of one retrieval document.
type DocumentIndexer interface {
	TriggerDocument(doc *models.RagDocument, reason string) bool
}

// FeedbackRecorder stores feedback on finished sessions and turns valid
// corrections into retrieval examples.
type FeedbackRecorder struct {
	sessions  repositories.SessionRepository
	feedback  repositories.FeedbackRepository
	catalogs  CatalogReader
	validator StatementValidator
	indexer   DocumentIndexer
	metrics   *metrics.Metrics
	security  *audit.SecurityAuditor
	logger    *zap.Logger
}

// NewFeedbackRecorder creates a recorder. m may be nil.
func NewFeedbackRecorder(
	sessions repositories.SessionRepository,
	feedback repositories.FeedbackRepository,
	catalogs CatalogReader,
	validator StatementValidator,
	indexer DocumentIndexer,
	m *metrics.Metrics,
	logger *zap.Logger,
) *FeedbackRecorder {
	return &FeedbackRecorder{
		sessions:  sessions,
		feedback:  feedback,
		catalogs:  catalogs,
		validator: validator,
		indexer:   indexer,
		metrics:   m,
		logger:    logger.Named("feedback"),
	}
}

// SetSecurityAuditor reports corrections rejected for security rules.
func (r *FeedbackRecorder) SetSecurityAuditor(a *audit.SecurityAuditor) {
	r.security = a
}

// feedbackQuality maps a 1..5 rating onto the 0.9..1.0 quality band of
// user-corrected examples.
func feedbackQuality(rating int) float64 {
	return 0.9 + 0.1*float64(rating-1)/4
}

// Submit records feedback for a terminal session. Ratings outside 1..5
// return apperrors.ErrInvalidRating and sessions that are still running
// return apperrors.ErrSessionNotTerminal. A correction that passes
// validation becomes an example, written together with the feedback, and is
// indexed in the background; a rejected correction is stored with its
// violations.
func (r *FeedbackRecorder) Submit(ctx context.Context, sessionID uuid.UUID, req FeedbackRequest) (*models.Feedback, error) {
	if req.Rating < 1 || req.Rating > 5 {
		return nil, fmt.Errorf("%w: got %d", apperrors.ErrInvalidRating, req.Rating)
	}

	session, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", apperrors.ErrSessionNotTerminal, sessionID, session.Status)
	}

	fb := &models.Feedback{
		ID:               uuid.New(),
		SessionID:        sessionID,
		UserID:           req.UserID,
		Rating:           req.Rating,
		Comment:          req.Comment,
		CorrectionStatus: models.CorrectionNone,
		CreatedAt:        time.Now().UTC(),
	}

	var example *models.Example
	if req.CorrectedSQL != nil && strings.TrimSpace(*req.CorrectedSQL) != "" {
		fb.CorrectedSQL = req.CorrectedSQL

		catalog, err := r.catalogs.GetCatalog(ctx, session.DataSourceID)
		if err != nil {
			return nil, fmt.Errorf("load catalog: %w", err)
		}

		v := r.validator.Validate(*req.CorrectedSQL, catalog)
		if v.IsValid() {
			example = &models.Example{
				ID:              uuid.New(),
				DataSourceID:    session.DataSourceID,
				Question:        session.Question,
				SQL:             v.NormalizedSQL,
				QualityScore:    feedbackQuality(req.Rating),
				Provenance:      models.ProvenanceFeedback,
				SourceSessionID: &session.ID,
				CreatedAt:       fb.CreatedAt,
			}
			fb.CorrectionStatus = models.CorrectionAccepted
		} else {
			fb.CorrectionStatus = models.CorrectionRejected
			fb.CorrectionViolations = v.Violations
			r.logger.Info("Correction rejected",
				zap.String("session_id", sessionID.String()),
				zap.String("sql", logging.SanitizeQuery(*req.CorrectedSQL)),
				zap.Int("violations", len(v.Violations)))
			r.security.ObserveCorrection(session, req.UserID, v.Violations)
		}
	}

	if example != nil {
		if err := r.feedback.CreateWithExample(ctx, fb, example); err != nil {
			return nil, fmt.Errorf("create feedback with example: %w", err)
		}
	} else if err := r.feedback.Create(ctx, fb); err != nil {
		return nil, fmt.Errorf("create feedback: %w", err)
	}
	r.metrics.RecordFeedback(fb.CorrectionStatus)

	if example != nil {
		r.indexer.TriggerDocument(retrieval.ExampleDocument(example), "feedback")
	}

	r.logger.Info("Feedback recorded",
		zap.String("session_id", sessionID.String()),
		zap.Int("rating", fb.Rating),
		zap.String("correction", string(fb.CorrectionStatus)))
	return fb, nil
}

// List returns the feedback recorded for a session.
func (r *FeedbackRecorder) List(ctx context.Context, sessionID uuid.UUID) ([]*models.Feedback, error) {
	if _, err := r.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return r.feedback.ListBySession(ctx, sessionID)
}
