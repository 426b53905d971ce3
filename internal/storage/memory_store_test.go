package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/care-matching/internal/models"
)

func seedRequest(t *testing.T, m *MemoryStore, id string) {
	t.Helper()
	err := m.CreateRequest(context.Background(), &models.ServiceRequest{
		ID:        id,
		PatientID: "p1",
		Service:   "injection",
		Status:    models.StatusPending,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
}

func seedNurse(t *testing.T, m *MemoryStore, id string) {
	t.Helper()
	err := m.PutNurse(context.Background(), &models.Nurse{
		ID:            id,
		Services:      map[string]float64{"injection": 50},
		Available:     true,
		AverageRating: 4.0,
		TotalReviews:  3,
	})
	if err != nil {
		t.Fatalf("put nurse: %v", err)
	}
}

func entry(from, to models.Status) models.Transition {
	return models.Transition{From: from, To: to, At: time.Now(), Role: models.RoleNurse, ActorID: "n1"}
}

func TestCompareAndSwapStatusConflict(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seedRequest(t, m, "r1")

	if _, err := m.CompareAndSwapStatus(ctx, "r1", models.StatusAccepted, models.StatusOnTheWay, entry(models.StatusAccepted, models.StatusOnTheWay)); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	r, err := m.GetRequest(ctx, "r1")
	if err != nil || r.Status != models.StatusPending || len(r.History) != 0 {
		t.Fatalf("losing CAS must leave the request untouched: %+v err=%v", r, err)
	}
}

func TestAssignNurseExactlyOnceUnderRace(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seedRequest(t, m, "r1")

	const n = 16
	for i := 0; i < n; i++ {
		seedNurse(t, m, nurseID(i))
	}

	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = m.AssignNurse(ctx, "r1", nurseID(i), entry(models.StatusPending, models.StatusAccepted))
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != n-1 {
		t.Fatalf("expected exactly one winner, got wins=%d conflicts=%d", wins, conflicts)
	}
}

func TestOneNurseTwoRequestsRace(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seedRequest(t, m, "r1")
	seedRequest(t, m, "r2")
	seedNurse(t, m, "n1")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, req := range []string{"r1", "r2"} {
		wg.Add(1)
		go func(i int, req string) {
			defer wg.Done()
			_, errs[i] = m.AssignNurse(ctx, req, "n1", entry(models.StatusPending, models.StatusAccepted))
		}(i, req)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("a nurse may win at most one request, got %d wins", wins)
	}
	n, err := m.GetNurse(ctx, "n1")
	if err != nil {
		t.Fatalf("get nurse: %v", err)
	}
	if n.ActiveRequestID == "" {
		t.Fatal("winner should hold the lock")
	}
}

func TestReleaseNurseIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seedNurse(t, m, "n1")
	for i := 0; i < 3; i++ {
		if err := m.ReleaseNurse(ctx, "n1"); err != nil {
			t.Fatalf("release #%d: %v", i, err)
		}
	}
	// releasing an unknown nurse is also a no-op
	if err := m.ReleaseNurse(ctx, "ghost"); err != nil {
		t.Fatalf("release unknown: %v", err)
	}
}

func TestFoldReviewIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seedNurse(t, m, "n1")

	rv := &models.Review{ID: "v1", RequestID: "r1", NurseID: "n1", Rating: 5}
	n, folded, err := m.FoldReview(ctx, rv)
	if err != nil || !folded {
		t.Fatalf("first fold: folded=%v err=%v", folded, err)
	}
	if n.AverageRating != 4.25 || n.TotalReviews != 4 {
		t.Fatalf("expected 4.25/4 after folding 5 into 4.0/3, got %f/%d", n.AverageRating, n.TotalReviews)
	}

	n2, folded, err := m.FoldReview(ctx, rv)
	if err != nil || folded {
		t.Fatalf("duplicate fold must be a no-op: folded=%v err=%v", folded, err)
	}
	if n2.AverageRating != 4.25 || n2.TotalReviews != 4 {
		t.Fatalf("duplicate fold changed the rating: %f/%d", n2.AverageRating, n2.TotalReviews)
	}
}

func TestSetRequestRatingOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seedRequest(t, m, "r1")

	if err := m.SetRequestRating(ctx, "r1", 5, "great"); err != nil {
		t.Fatalf("first rating: %v", err)
	}
	if err := m.SetRequestRating(ctx, "r1", 3, "changed my mind"); !errors.Is(err, ErrAlreadyRated) {
		t.Fatalf("expected ErrAlreadyRated, got %v", err)
	}
}

func TestAttachReviewResponseOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	if err := m.CreateReview(ctx, &models.Review{ID: "v1", NurseID: "n1", Rating: 4}); err != nil {
		t.Fatalf("create review: %v", err)
	}
	if _, err := m.AttachReviewResponse(ctx, "v1", "thank you", time.Now()); err != nil {
		t.Fatalf("first response: %v", err)
	}
	if _, err := m.AttachReviewResponse(ctx, "v1", "again", time.Now()); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on second response, got %v", err)
	}
}

func nurseID(i int) string {
	return string(rune('a'+i)) + "-nurse"
}
