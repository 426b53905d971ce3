package rating

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/care-matching/internal/geo"
	"github.com/example/care-matching/internal/models"
	"github.com/example/care-matching/internal/observability"
	"github.com/example/care-matching/internal/storage"
)

// ErrNotCompleted rejects a review for a request that has not finished.
var ErrNotCompleted = errors.New("request not completed")

// ErrNotOwner rejects a review from anyone but the request's patient, and a
// response from anyone but the reviewed nurse.
var ErrNotOwner = errors.New("actor does not own this request")

// Aggregator folds completed-request reviews into nurse ratings. Folding is
// idempotent per request identity: the store keeps the set of request ids
// already applied, so duplicate delivery cannot double-count.
type Aggregator struct {
	Store  storage.Store
	Geo    geo.Geo // optional: refresh the index's rating metadata
	Logger *slog.Logger

	now func() time.Time
}

func NewAggregator(st storage.Store, g geo.Geo, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{Store: st, Geo: g, Logger: logger, now: time.Now}
}

// SubmitReview records a patient's one review of a completed request and
// updates the nurse's rolling average. Repeat submissions fail with
// storage.ErrAlreadyRated.
func (a *Aggregator) SubmitReview(ctx context.Context, requestID, patientID string, ratingValue int, comment string, allowPublicUse bool) (*models.Review, error) {
	if ratingValue < 1 || ratingValue > 5 {
		return nil, models.Invalid("rating", "must be between 1 and 5")
	}
	req, err := a.Store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.PatientID != patientID {
		return nil, ErrNotOwner
	}
	if req.Status != models.StatusCompleted {
		return nil, ErrNotCompleted
	}

	if err := a.Store.SetRequestRating(ctx, requestID, ratingValue, comment); err != nil {
		if errors.Is(err, storage.ErrAlreadyRated) {
			// a prior attempt may have recorded the rating and died before
			// the fold; FoldReview dedupes by request id, so finishing it
			// here is safe and keeps the average exactly-once under retry
			_ = a.fold(ctx, &models.Review{
				RequestID: requestID,
				NurseID:   req.NurseID,
				Rating:    req.Rating,
			})
		}
		return nil, err
	}

	rv := &models.Review{
		ID:             uuid.NewString(),
		RequestID:      requestID,
		PatientID:      patientID,
		NurseID:        req.NurseID,
		Rating:         ratingValue,
		Comment:        comment,
		AllowPublicUse: allowPublicUse,
		CreatedAt:      a.now(),
	}
	if err := a.Store.CreateReview(ctx, rv); err != nil {
		return nil, err
	}

	if err := a.fold(ctx, rv); err != nil {
		return nil, err
	}
	return rv, nil
}

func (a *Aggregator) fold(ctx context.Context, rv *models.Review) error {
	nurse, folded, err := a.Store.FoldReview(ctx, rv)
	if err != nil {
		a.Logger.Error("review fold failed", "request_id", rv.RequestID, "error", err)
		return err
	}
	if !folded {
		return nil
	}
	observability.ReviewsTotal.Inc()
	a.Logger.Info("review folded",
		"request_id", rv.RequestID, "nurse_id", rv.NurseID,
		"rating", rv.Rating, "average", nurse.AverageRating, "total", nurse.TotalReviews)
	if a.Geo != nil {
		if err := a.Geo.Upsert(ctx, *nurse); err != nil {
			a.Logger.Warn("geo rating refresh failed", "nurse_id", nurse.ID, "error", err)
		}
	}
	return nil
}

// RespondToReview attaches the nurse's single response to a review. The
// response never touches the rating math.
func (a *Aggregator) RespondToReview(ctx context.Context, reviewID, nurseID, content string) (*models.Review, error) {
	if content == "" {
		return nil, models.Invalid("content", "required")
	}
	rv, err := a.Store.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	if rv.NurseID != nurseID {
		return nil, ErrNotOwner
	}
	return a.Store.AttachReviewResponse(ctx, reviewID, content, a.now())
}

// ListForNurse returns a nurse's reviews, newest first in the Postgres
// implementation.
func (a *Aggregator) ListForNurse(ctx context.Context, nurseID string) ([]*models.Review, error) {
	return a.Store.ListReviewsForNurse(ctx, nurseID)
}
