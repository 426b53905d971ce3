package assign

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/care-matching/internal/dispatch"
	"github.com/example/care-matching/internal/eta"
	"github.com/example/care-matching/internal/geo"
	"github.com/example/care-matching/internal/models"
	"github.com/example/care-matching/internal/observability"
	"github.com/example/care-matching/internal/ranker"
	"github.com/example/care-matching/internal/storage"
)

const (
	DefaultRematchDeadline = 10 * time.Minute
	DefaultSweepInterval   = 30 * time.Second

	cancelReasonNoNurse = "no nurse available"
)

// Coordinator owns the nurse lock: it is the only component that sets a
// nurse's active request, and the only one that walks a request's ranked
// candidate sequence. All mutual exclusion is delegated to the store's
// conditional writes; the coordinator itself never does read-then-write on
// the lock.
type Coordinator struct {
	Geo             geo.Geo
	Ranker          *ranker.Ranker
	Store           storage.Store
	Dispatch        dispatch.Dispatcher
	ETAClient       eta.Client // optional routing client
	ETACache        *eta.Cache // optional travel-time cache
	DefaultSpeedMps float64
	RematchDeadline time.Duration
	Logger          *slog.Logger

	mu        sync.Mutex
	sequences map[string]*ranker.Sequence

	now func() time.Time
}

func New(g geo.Geo, rk *ranker.Ranker, st storage.Store, d dispatch.Dispatcher, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		Geo:             g,
		Ranker:          rk,
		Store:           st,
		Dispatch:        d,
		DefaultSpeedMps: 10,
		RematchDeadline: DefaultRematchDeadline,
		Logger:          logger,
		sequences:       make(map[string]*ranker.Sequence),
		now:             time.Now,
	}
}

// SetClock injects a clock for deadline tests.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

func (c *Coordinator) Now() time.Time { return c.now() }

// Begin runs the candidate search for a freshly created request and offers
// the top candidate. A request targeted at a specific nurse puts that nurse
// first; the ranked order remains behind them for re-matching.
func (c *Coordinator) Begin(ctx context.Context, req *models.ServiceRequest) error {
	seq, err := c.buildSequence(ctx, req)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sequences[req.ID] = seq
	c.mu.Unlock()

	c.offerNext(ctx, req, seq)
	return nil
}

func (c *Coordinator) buildSequence(ctx context.Context, req *models.ServiceRequest) (*ranker.Sequence, error) {
	start := c.now()
	nurses, err := c.Geo.Search(ctx, geo.Query{
		Center:        req.Loc,
		Service:       req.Service,
		AvailableOnly: true,
	})
	if err != nil {
		return nil, err
	}
	seq := c.Ranker.Rank(req.Loc, geo.DefaultRadiusKm, nurses, req.Service)
	observability.MatchLatency.Observe(time.Since(start).Seconds())

	if req.NurseID != "" && !seq.Promote(req.NurseID) {
		// targeted nurse outside the search radius or filters; still offer
		// them first, they were chosen by the patient
		if n, err := c.Store.GetNurse(ctx, req.NurseID); err == nil {
			price, _ := n.Offers(req.Service)
			seq.Prepend(models.Candidate{
				Nurse:      *n,
				DistanceKm: geo.HaversineKm(req.Loc.Lat, req.Loc.Lon, n.Loc.Lat, n.Loc.Lon),
				Price:      price,
			})
		}
	}
	return seq, nil
}

// offerNext dispatches an offer to the next candidate. Returns false when
// the sequence is exhausted.
func (c *Coordinator) offerNext(ctx context.Context, req *models.ServiceRequest, seq *ranker.Sequence) bool {
	cand, ok := seq.Next()
	if !ok {
		return false
	}
	offer := models.Offer{
		RequestID:  req.ID,
		Service:    req.Service,
		DistanceKm: cand.DistanceKm,
		TravelSecs: c.travelSeconds(cand.Nurse.Loc, req.Loc),
		Loc:        req.Loc,
		Address:    req.Address,
	}
	observability.OffersTotal.Inc()
	if err := c.Dispatch.Offer(cand.Nurse.ID, offer); err != nil {
		c.Logger.Warn("offer dispatch failed", "request_id", req.ID, "nurse_id", cand.Nurse.ID, "error", err)
	} else {
		c.Logger.Info("offer dispatched", "request_id", req.ID, "nurse_id", cand.Nurse.ID, "distance_km", cand.DistanceKm)
	}
	return true
}

func (c *Coordinator) travelSeconds(from, to models.Coord) float64 {
	if c.ETACache != nil {
		if v, ok := c.ETACache.Get(from, to); ok {
			return v
		}
	}
	if c.ETAClient != nil {
		if v, err := c.ETAClient.EstimateSeconds(from, to); err == nil {
			if c.ETACache != nil {
				c.ETACache.Set(from, to, v)
			}
			return v
		}
	}
	return eta.EstimateSeconds(from, to, c.DefaultSpeedMps)
}

// TryAssign is the acceptance race. It succeeds only if the request is
// still pending and the nurse holds no active request; both sides flip in
// one conditional write. The loser of any race gets storage.ErrConflict
// and no side effects.
func (c *Coordinator) TryAssign(ctx context.Context, requestID, nurseID string, entry models.Transition) (*models.ServiceRequest, error) {
	req, err := c.Store.AssignNurse(ctx, requestID, nurseID, entry)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			observability.AssignConflictsTotal.Inc()
		}
		return nil, err
	}
	observability.AssignmentsTotal.Inc()
	c.mu.Lock()
	delete(c.sequences, requestID)
	c.mu.Unlock()
	c.Logger.Info("nurse assigned", "request_id", requestID, "nurse_id", nurseID)
	return req, nil
}

// Release clears the nurse lock. Idempotent.
func (c *Coordinator) Release(ctx context.Context, nurseID string) error {
	return c.Store.ReleaseNurse(ctx, nurseID)
}

// HandleRejection removes the nurse from the request's candidate pool
// permanently and offers the next candidate, falling back to a fresh
// GeoIndex query when the cached sequence is exhausted. Returns false when
// nobody is left to offer to.
func (c *Coordinator) HandleRejection(ctx context.Context, req *models.ServiceRequest, nurseID string) (bool, error) {
	observability.RejectionsTotal.Inc()

	c.mu.Lock()
	seq := c.sequences[req.ID]
	c.mu.Unlock()

	if seq == nil {
		fresh, err := c.buildSequence(ctx, req)
		if err != nil {
			return false, err
		}
		seq = fresh
		c.mu.Lock()
		c.sequences[req.ID] = seq
		c.mu.Unlock()
	}
	seq.Exclude(nurseID)

	if c.offerNext(ctx, req, seq) {
		return true, nil
	}

	// sequence drained: one re-query to pick up nurses who came online
	// since the original search; rejections carry over
	fresh, err := c.buildSequence(ctx, req)
	if err != nil {
		return false, err
	}
	for _, tainted := range seq.Excluded() {
		fresh.Exclude(tainted)
	}
	c.mu.Lock()
	c.sequences[req.ID] = fresh
	c.mu.Unlock()
	return c.offerNext(ctx, req, fresh), nil
}

// Drop forgets a request's cached sequence, for terminal transitions.
func (c *Coordinator) Drop(requestID string) {
	c.mu.Lock()
	delete(c.sequences, requestID)
	c.mu.Unlock()
}

// Sweep auto-cancels pending requests older than the re-matching deadline
// and re-offers pending requests whose candidate sequence went stale. It is
// driven by a ticker, never by a blocking wait.
func (c *Coordinator) Sweep(ctx context.Context) error {
	now := c.now()
	pending, err := c.Store.ListPendingOlderThan(ctx, now)
	if err != nil {
		return err
	}
	for _, req := range pending {
		if now.Sub(req.CreatedAt) >= c.RematchDeadline {
			c.cancelExpired(ctx, req, now)
			continue
		}
		c.mu.Lock()
		_, tracked := c.sequences[req.ID]
		c.mu.Unlock()
		if !tracked {
			// server restarted or sequence drained without resolution
			if err := c.Begin(ctx, req); err != nil {
				c.Logger.Warn("re-match failed", "request_id", req.ID, "error", err)
			}
		}
	}
	return nil
}

func (c *Coordinator) cancelExpired(ctx context.Context, req *models.ServiceRequest, now time.Time) {
	entry := models.Transition{
		From:    models.StatusPending,
		To:      models.StatusCancelled,
		At:      now,
		Role:    models.RoleSystem,
		ActorID: "sweeper",
		Note:    cancelReasonNoNurse,
	}
	updated, err := c.Store.CompareAndSwapStatus(ctx, req.ID, models.StatusPending, models.StatusCancelled, entry)
	if err != nil {
		// a concurrent acceptance beat the sweep; that is the acceptance's win
		if !errors.Is(err, storage.ErrConflict) {
			c.Logger.Error("sweep cancel failed", "request_id", req.ID, "error", err)
		}
		return
	}
	observability.SweepCancelsTotal.Inc()
	c.Drop(req.ID)
	c.Logger.Info("request auto-cancelled", "request_id", req.ID, "reason", cancelReasonNoNurse)
	_ = c.Dispatch.RequestUpdated(updated)
}

// RunSweeper drives Sweep on the given interval until the context ends.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil {
				c.Logger.Error("sweep failed", "error", err)
			}
		}
	}
}
