package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/care-matching/internal/models"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrAlreadyRated = errors.New("request already rated")
)

// Store is the persistence contract for the engine. Implementations must
// provide atomic conditional writes: every compare-and-swap style operation
// below either applies completely or fails with ErrConflict and no side
// effects.
type Store interface {
	CreateRequest(ctx context.Context, req *models.ServiceRequest) error
	GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error)

	// CompareAndSwapStatus moves a request from -> to and appends the
	// history entry as one atomic unit. ErrConflict if the current status
	// is not from.
	CompareAndSwapStatus(ctx context.Context, id string, from, to models.Status, entry models.Transition) (*models.ServiceRequest, error)

	// RequeuePending records a declined offer on a still-pending request:
	// the status guard (must be pending), the history entry and clearing
	// any targeted-nurse binding apply as one atomic unit, so the next
	// candidate is free to accept.
	RequeuePending(ctx context.Context, id string, entry models.Transition) (*models.ServiceRequest, error)

	// AssignNurse atomically sets request.status pending -> accepted,
	// request.nurse_id, and nurse.active_request_id (which must be empty),
	// appending the history entry. Either side failing its precondition
	// yields ErrConflict with nothing written.
	AssignNurse(ctx context.Context, requestID, nurseID string, entry models.Transition) (*models.ServiceRequest, error)

	// ReleaseNurse clears the nurse's active request. Idempotent.
	ReleaseNurse(ctx context.Context, nurseID string) error

	// ListPendingOlderThan returns pending requests created at or before
	// the cutoff, for the re-matching deadline sweep.
	ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]*models.ServiceRequest, error)

	GetNurse(ctx context.Context, id string) (*models.Nurse, error)
	PutNurse(ctx context.Context, n *models.Nurse) error

	// SetRequestRating records the patient's rating exactly once.
	// ErrAlreadyRated on any repeat.
	SetRequestRating(ctx context.Context, requestID string, rating int, review string) error

	CreateReview(ctx context.Context, rv *models.Review) error
	GetReview(ctx context.Context, id string) (*models.Review, error)

	// FoldReview applies the review to the nurse's rolling average exactly
	// once per request identity. A duplicate delivery returns the nurse
	// unchanged with folded=false and no error.
	FoldReview(ctx context.Context, rv *models.Review) (nurse *models.Nurse, folded bool, err error)

	// AttachReviewResponse sets the nurse's one response to a review.
	// ErrConflict if a response already exists.
	AttachReviewResponse(ctx context.Context, reviewID, content string, at time.Time) (*models.Review, error)

	ListReviewsForNurse(ctx context.Context, nurseID string) ([]*models.Review, error)
}
