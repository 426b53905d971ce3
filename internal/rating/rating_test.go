package rating

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/example/care-matching/internal/models"
	"github.com/example/care-matching/internal/storage"
)

func setup(t *testing.T) (*Aggregator, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	ctx := context.Background()
	if err := store.PutNurse(ctx, &models.Nurse{
		ID:            "n1",
		Services:      map[string]float64{"injection": 60},
		AverageRating: 4.0,
		TotalReviews:  3,
	}); err != nil {
		t.Fatalf("put nurse: %v", err)
	}
	if err := store.CreateRequest(ctx, &models.ServiceRequest{
		ID:        "r1",
		PatientID: "p1",
		NurseID:   "n1",
		Service:   "injection",
		Status:    models.StatusCompleted,
	}); err != nil {
		t.Fatalf("create request: %v", err)
	}
	return NewAggregator(store, nil, slog.Default()), store
}

func TestSubmitReviewUpdatesRollingAverage(t *testing.T) {
	a, store := setup(t)
	ctx := context.Background()

	rv, err := a.SubmitReview(ctx, "r1", "p1", 5, "excellent care", true)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rv.NurseID != "n1" || rv.Rating != 5 {
		t.Fatalf("unexpected review: %+v", rv)
	}

	n, _ := store.GetNurse(ctx, "n1")
	if n.AverageRating != 4.25 || n.TotalReviews != 4 {
		t.Fatalf("expected 4.25/4, got %f/%d", n.AverageRating, n.TotalReviews)
	}
}

func TestSubmitReviewValidatesRating(t *testing.T) {
	a, _ := setup(t)
	ctx := context.Background()
	var ve *models.ValidationError
	for _, r := range []int{0, -1, 6} {
		if _, err := a.SubmitReview(ctx, "r1", "p1", r, "", false); !errors.As(err, &ve) {
			t.Fatalf("rating %d: expected validation error, got %v", r, err)
		}
	}
}

func TestSubmitReviewOnlyByOwningPatient(t *testing.T) {
	a, _ := setup(t)
	if _, err := a.SubmitReview(context.Background(), "r1", "someone-else", 5, "", false); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestSubmitReviewOnlyWhenCompleted(t *testing.T) {
	a, store := setup(t)
	ctx := context.Background()
	if err := store.CreateRequest(ctx, &models.ServiceRequest{
		ID:        "r2",
		PatientID: "p1",
		NurseID:   "n1",
		Status:    models.StatusInProgress,
	}); err != nil {
		t.Fatalf("create request: %v", err)
	}
	if _, err := a.SubmitReview(ctx, "r2", "p1", 4, "", false); !errors.Is(err, ErrNotCompleted) {
		t.Fatalf("expected ErrNotCompleted, got %v", err)
	}
}

func TestSubmitReviewOncePerRequest(t *testing.T) {
	a, store := setup(t)
	ctx := context.Background()

	if _, err := a.SubmitReview(ctx, "r1", "p1", 5, "", false); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := a.SubmitReview(ctx, "r1", "p1", 1, "trying again", false); !errors.Is(err, storage.ErrAlreadyRated) {
		t.Fatalf("expected ErrAlreadyRated, got %v", err)
	}

	// the failed repeat must not have moved the average
	n, _ := store.GetNurse(ctx, "n1")
	if n.AverageRating != 4.25 || n.TotalReviews != 4 {
		t.Fatalf("duplicate submit changed the rating: %f/%d", n.AverageRating, n.TotalReviews)
	}
}

func TestSubmitReviewRetryRecoversInterruptedFold(t *testing.T) {
	a, store := setup(t)
	ctx := context.Background()

	// a prior attempt recorded the rating and died before the fold
	if err := store.SetRequestRating(ctx, "r1", 5, "excellent"); err != nil {
		t.Fatalf("simulate partial submit: %v", err)
	}
	n, _ := store.GetNurse(ctx, "n1")
	if n.AverageRating != 4.0 || n.TotalReviews != 3 {
		t.Fatalf("precondition: fold must not have run yet, got %f/%d", n.AverageRating, n.TotalReviews)
	}

	if _, err := a.SubmitReview(ctx, "r1", "p1", 5, "excellent", false); !errors.Is(err, storage.ErrAlreadyRated) {
		t.Fatalf("expected ErrAlreadyRated, got %v", err)
	}

	// the retry must still land the rating in the rolling average, once
	n, _ = store.GetNurse(ctx, "n1")
	if n.AverageRating != 4.25 || n.TotalReviews != 4 {
		t.Fatalf("interrupted fold never recovered: %f/%d", n.AverageRating, n.TotalReviews)
	}

	if _, err := a.SubmitReview(ctx, "r1", "p1", 5, "excellent", false); !errors.Is(err, storage.ErrAlreadyRated) {
		t.Fatalf("expected ErrAlreadyRated on further retries, got %v", err)
	}
	n, _ = store.GetNurse(ctx, "n1")
	if n.AverageRating != 4.25 || n.TotalReviews != 4 {
		t.Fatalf("recovered fold applied more than once: %f/%d", n.AverageRating, n.TotalReviews)
	}
}

func TestRespondToReview(t *testing.T) {
	a, _ := setup(t)
	ctx := context.Background()

	rv, err := a.SubmitReview(ctx, "r1", "p1", 5, "excellent", false)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := a.RespondToReview(ctx, rv.ID, "other-nurse", "thanks"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for wrong nurse, got %v", err)
	}

	got, err := a.RespondToReview(ctx, rv.ID, "n1", "thank you!")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if got.Response != "thank you!" || got.RespondedAt == nil {
		t.Fatalf("response not recorded: %+v", got)
	}

	// the response never touches rating math, and only one is allowed
	if _, err := a.RespondToReview(ctx, rv.ID, "n1", "one more thing"); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected conflict on second response, got %v", err)
	}
}
