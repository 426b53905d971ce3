package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/care-matching/internal/models"
)

// MemoryStore keeps everything behind one mutex so the nurse-lock /
// request-status pair can be swapped as a single atomic unit, mirroring
// what the Postgres implementation does in a transaction.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]*models.ServiceRequest
	nurses   map[string]*models.Nurse
	reviews  map[string]*models.Review
	folded   map[string]bool // request ids already folded into a rating
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*models.ServiceRequest),
		nurses:   make(map[string]*models.Nurse),
		reviews:  make(map[string]*models.Review),
		folded:   make(map[string]bool),
	}
}

func (m *MemoryStore) CreateRequest(_ context.Context, req *models.ServiceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *req
	m.requests[req.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := cloneRequest(r)
	return &cp, nil
}

func (m *MemoryStore) CompareAndSwapStatus(_ context.Context, id string, from, to models.Status, entry models.Transition) (*models.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != from {
		return nil, ErrConflict
	}
	r.Status = to
	r.History = append(r.History, entry)
	r.UpdatedAt = entry.At
	cp := cloneRequest(r)
	return &cp, nil
}

func (m *MemoryStore) RequeuePending(_ context.Context, id string, entry models.Transition) (*models.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.StatusPending {
		return nil, ErrConflict
	}
	r.NurseID = ""
	r.History = append(r.History, entry)
	r.UpdatedAt = entry.At
	cp := cloneRequest(r)
	return &cp, nil
}

func (m *MemoryStore) AssignNurse(_ context.Context, requestID, nurseID string, entry models.Transition) (*models.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	n, ok := m.nurses[nurseID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.StatusPending {
		return nil, ErrConflict
	}
	if n.ActiveRequestID != "" {
		return nil, ErrConflict
	}
	r.Status = models.StatusAccepted
	r.NurseID = nurseID
	r.History = append(r.History, entry)
	r.UpdatedAt = entry.At
	n.ActiveRequestID = requestID
	cp := cloneRequest(r)
	return &cp, nil
}

func (m *MemoryStore) ReleaseNurse(_ context.Context, nurseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nurses[nurseID]; ok {
		n.ActiveRequestID = ""
	}
	return nil
}

func (m *MemoryStore) ListPendingOlderThan(_ context.Context, cutoff time.Time) ([]*models.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ServiceRequest
	for _, r := range m.requests {
		if r.Status == models.StatusPending && !r.CreatedAt.After(cutoff) {
			cp := cloneRequest(r)
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetNurse(_ context.Context, id string) (*models.Nurse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nurses[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := cloneNurse(n)
	return &cp, nil
}

func (m *MemoryStore) PutNurse(_ context.Context, n *models.Nurse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneNurse(n)
	m.nurses[n.ID] = &cp
	return nil
}

func (m *MemoryStore) SetRequestRating(_ context.Context, requestID string, rating int, review string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	if r.Rating != 0 {
		return ErrAlreadyRated
	}
	r.Rating = rating
	r.Review = review
	return nil
}

func (m *MemoryStore) CreateReview(_ context.Context, rv *models.Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rv
	m.reviews[rv.ID] = &cp
	return nil
}

func (m *MemoryStore) GetReview(_ context.Context, id string) (*models.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rv, ok := m.reviews[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rv
	return &cp, nil
}

func (m *MemoryStore) FoldReview(_ context.Context, rv *models.Review) (*models.Nurse, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nurses[rv.NurseID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if m.folded[rv.RequestID] {
		cp := cloneNurse(n)
		return &cp, false, nil
	}
	total := float64(n.TotalReviews)
	n.AverageRating = (n.AverageRating*total + float64(rv.Rating)) / (total + 1)
	n.TotalReviews++
	m.folded[rv.RequestID] = true
	cp := cloneNurse(n)
	return &cp, true, nil
}

func (m *MemoryStore) AttachReviewResponse(_ context.Context, reviewID, content string, at time.Time) (*models.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rv, ok := m.reviews[reviewID]
	if !ok {
		return nil, ErrNotFound
	}
	if rv.Response != "" {
		return nil, ErrConflict
	}
	rv.Response = content
	rv.RespondedAt = &at
	cp := *rv
	return &cp, nil
}

func (m *MemoryStore) ListReviewsForNurse(_ context.Context, nurseID string) ([]*models.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Review
	for _, rv := range m.reviews {
		if rv.NurseID == nurseID {
			cp := *rv
			out = append(out, &cp)
		}
	}
	return out, nil
}

func cloneRequest(r *models.ServiceRequest) models.ServiceRequest {
	cp := *r
	cp.History = append([]models.Transition(nil), r.History...)
	return cp
}

func cloneNurse(n *models.Nurse) models.Nurse {
	cp := *n
	if n.Services != nil {
		cp.Services = make(map[string]float64, len(n.Services))
		for k, v := range n.Services {
			cp.Services[k] = v
		}
	}
	return cp
}
