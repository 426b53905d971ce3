package assign

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/care-matching/internal/geo"
	"github.com/example/care-matching/internal/models"
	"github.com/example/care-matching/internal/ranker"
	"github.com/example/care-matching/internal/storage"
)

type capturingDispatch struct {
	mu      sync.Mutex
	offers  []models.Offer
	targets []string
	updates []models.Status
}

func (c *capturingDispatch) Offer(nurseID string, offer models.Offer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers = append(c.offers, offer)
	c.targets = append(c.targets, nurseID)
	return nil
}

func (c *capturingDispatch) RequestUpdated(req *models.ServiceRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, req.Status)
	return nil
}

func (c *capturingDispatch) lastTarget() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.targets) == 0 {
		return ""
	}
	return c.targets[len(c.targets)-1]
}

func testNurse(id string, lat, lon float64, rating float64, reviews int) models.Nurse {
	return models.Nurse{
		ID:            id,
		Loc:           models.Coord{Lat: lat, Lon: lon},
		Services:      map[string]float64{"injection": 60},
		Available:     true,
		AverageRating: rating,
		TotalReviews:  reviews,
	}
}

func testSetup(t *testing.T, nurses ...models.Nurse) (*Coordinator, *storage.MemoryStore, *capturingDispatch) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	gidx := geo.NewIndex()
	for _, n := range nurses {
		if err := gidx.Upsert(ctx, n); err != nil {
			t.Fatalf("geo upsert: %v", err)
		}
		if err := store.PutNurse(ctx, &n); err != nil {
			t.Fatalf("store put nurse: %v", err)
		}
	}
	disp := &capturingDispatch{}
	c := New(gidx, ranker.New(ranker.DefaultWeights()), store, disp, slog.Default())
	return c, store, disp
}

func pendingRequest(t *testing.T, store *storage.MemoryStore, id string, at time.Time) *models.ServiceRequest {
	t.Helper()
	req := &models.ServiceRequest{
		ID:        id,
		PatientID: "p1",
		Service:   "injection",
		Loc:       models.Coord{Lat: -12.0464, Lon: -77.0428},
		Status:    models.StatusPending,
		CreatedAt: at,
		UpdatedAt: at,
	}
	if err := store.CreateRequest(context.Background(), req); err != nil {
		t.Fatalf("create request: %v", err)
	}
	return req
}

func TestBeginOffersBestCandidate(t *testing.T) {
	// both within 5 km of the patient; the closer, better rated one wins
	near := testNurse("n-near", -12.0464+0.01, -77.0428, 4.8, 20)
	far := testNurse("n-far", -12.0464+0.04, -77.0428, 4.0, 10)
	c, store, disp := testSetup(t, near, far)
	req := pendingRequest(t, store, "r1", time.Now())

	if err := c.Begin(context.Background(), req); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if got := disp.lastTarget(); got != "n-near" {
		t.Fatalf("expected offer to n-near, got %q", got)
	}
	disp.mu.Lock()
	defer disp.mu.Unlock()
	if len(disp.offers) != 1 || disp.offers[0].RequestID != "r1" || disp.offers[0].TravelSecs <= 0 {
		t.Fatalf("unexpected offer payload: %+v", disp.offers)
	}
}

func TestTryAssignExactlyOnceUnderConcurrentAccepts(t *testing.T) {
	a := testNurse("nurse-a", -12.04, -77.04, 4.5, 8)
	b := testNurse("nurse-b", -12.05, -77.05, 4.5, 8)
	c, store, _ := testSetup(t, a, b)
	req := pendingRequest(t, store, "r1", time.Now())

	entry := func(nurse string) models.Transition {
		return models.Transition{From: models.StatusPending, To: models.StatusAccepted, At: time.Now(), Role: models.RoleNurse, ActorID: nurse}
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, nurse := range []string{"nurse-a", "nurse-b"} {
		wg.Add(1)
		go func(i int, nurse string) {
			defer wg.Done()
			_, errs[i] = c.TryAssign(context.Background(), req.ID, nurse, entry(nurse))
		}(i, nurse)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if err != storage.ErrConflict {
			t.Fatalf("loser must see ErrConflict, got %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}

	got, err := store.GetRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != models.StatusAccepted || got.NurseID == "" {
		t.Fatalf("request not locked to a nurse: %+v", got)
	}
	winner, err := store.GetNurse(context.Background(), got.NurseID)
	if err != nil {
		t.Fatalf("get nurse: %v", err)
	}
	if winner.ActiveRequestID != req.ID {
		t.Fatalf("winner does not hold the lock: %+v", winner)
	}
}

func TestHandleRejectionAdvancesThenExhausts(t *testing.T) {
	first := testNurse("n1", -12.0464+0.005, -77.0428, 4.9, 30)
	second := testNurse("n2", -12.0464+0.02, -77.0428, 4.1, 5)
	c, store, disp := testSetup(t, first, second)
	req := pendingRequest(t, store, "r1", time.Now())

	if err := c.Begin(context.Background(), req); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if disp.lastTarget() != "n1" {
		t.Fatalf("expected n1 offered first, got %s", disp.lastTarget())
	}

	requeued, err := c.HandleRejection(context.Background(), req, "n1")
	if err != nil || !requeued {
		t.Fatalf("expected advancement to n2: requeued=%v err=%v", requeued, err)
	}
	if disp.lastTarget() != "n2" {
		t.Fatalf("expected offer to n2, got %s", disp.lastTarget())
	}

	// n2 also declines; the re-query finds nobody new, so the pool is done
	requeued, err = c.HandleRejection(context.Background(), req, "n2")
	if err != nil {
		t.Fatalf("rejection: %v", err)
	}
	if requeued {
		t.Fatal("expected exhausted candidate pool")
	}
}

func TestRejectedNurseNeverReofferedAfterRequery(t *testing.T) {
	only := testNurse("n1", -12.0464+0.005, -77.0428, 4.9, 30)
	c, store, disp := testSetup(t, only)
	req := pendingRequest(t, store, "r1", time.Now())

	if err := c.Begin(context.Background(), req); err != nil {
		t.Fatalf("begin: %v", err)
	}
	requeued, err := c.HandleRejection(context.Background(), req, "n1")
	if err != nil {
		t.Fatalf("rejection: %v", err)
	}
	if requeued {
		t.Fatal("rejection is permanent; the re-query must not resurface n1")
	}
	disp.mu.Lock()
	defer disp.mu.Unlock()
	if len(disp.offers) != 1 {
		t.Fatalf("expected a single offer ever, got %d", len(disp.offers))
	}
}

func TestSweepAutoCancelsAfterDeadline(t *testing.T) {
	c, store, disp := testSetup(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	req := pendingRequest(t, store, "r1", base)

	now := base
	c.SetClock(func() time.Time { return now })

	// inside the deadline nothing happens
	now = base.Add(9 * time.Minute)
	if err := c.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, _ := store.GetRequest(context.Background(), req.ID)
	if got.Status != models.StatusPending {
		t.Fatalf("request cancelled too early: %s", got.Status)
	}

	now = base.Add(10 * time.Minute)
	if err := c.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, _ = store.GetRequest(context.Background(), req.ID)
	if got.Status != models.StatusCancelled {
		t.Fatalf("expected auto-cancel at the deadline, got %s", got.Status)
	}
	last := got.History[len(got.History)-1]
	if last.Note != "no nurse available" || last.Role != models.RoleSystem {
		t.Fatalf("unexpected cancel entry: %+v", last)
	}
	disp.mu.Lock()
	defer disp.mu.Unlock()
	if len(disp.updates) != 1 || disp.updates[0] != models.StatusCancelled {
		t.Fatalf("expected cancellation event, got %v", disp.updates)
	}
}

func TestSweepRematchesUntrackedPending(t *testing.T) {
	n := testNurse("n1", -12.0464+0.005, -77.0428, 4.7, 12)
	c, store, disp := testSetup(t, n)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	pendingRequest(t, store, "r1", base)

	now := base.Add(time.Minute)
	c.SetClock(func() time.Time { return now })

	// no Begin ran (e.g. process restart); the sweep picks the request up
	if err := c.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if disp.lastTarget() != "n1" {
		t.Fatalf("expected sweep to re-offer, got %q", disp.lastTarget())
	}
}

func TestTargetedRequestOffersChosenNurseFirst(t *testing.T) {
	chosen := testNurse("chosen", -12.0464+0.03, -77.0428, 3.5, 2)
	better := testNurse("better", -12.0464+0.005, -77.0428, 5.0, 40)
	c, store, disp := testSetup(t, chosen, better)
	req := pendingRequest(t, store, "r1", time.Now())
	req.NurseID = "chosen"
	if err := store.CreateRequest(context.Background(), req); err != nil {
		t.Fatalf("update request: %v", err)
	}

	if err := c.Begin(context.Background(), req); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if disp.lastTarget() != "chosen" {
		t.Fatalf("targeted nurse must be offered first, got %s", disp.lastTarget())
	}
}
