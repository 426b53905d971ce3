package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/care-matching/internal/assign"
	"github.com/example/care-matching/internal/dispatch"
	"github.com/example/care-matching/internal/models"
	"github.com/example/care-matching/internal/observability"
	"github.com/example/care-matching/internal/storage"
)

// ErrForbidden rejects an actor the transition table does not authorize.
var ErrForbidden = errors.New("actor not permitted for this transition")

// InvalidTransitionError names the current and requested states so the
// caller can see exactly what was refused. The request is left unchanged.
type InvalidTransitionError struct {
	From models.Status
	To   models.Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// table is the single source of truth for which role may move a request
// from one status to another. Everything not listed fails with
// InvalidTransitionError.
var table = map[models.Status]map[models.Status][]models.Role{
	models.StatusPending: {
		models.StatusAccepted:  {models.RoleNurse},
		models.StatusRejected:  {models.RoleNurse},
		models.StatusCancelled: {models.RolePatient, models.RoleSystem},
	},
	models.StatusAccepted: {
		models.StatusOnTheWay:  {models.RoleNurse},
		models.StatusCancelled: {models.RolePatient, models.RoleNurse},
	},
	models.StatusOnTheWay: {
		models.StatusArrived:   {models.RoleNurse},
		models.StatusCancelled: {models.RolePatient, models.RoleNurse},
	},
	models.StatusArrived: {
		models.StatusInProgress: {models.RoleNurse},
	},
	models.StatusInProgress: {
		models.StatusCompleted: {models.RoleNurse},
	},
}

func allowed(from, to models.Status) ([]models.Role, bool) {
	m, ok := table[from]
	if !ok {
		return nil, false
	}
	roles, ok := m[to]
	return roles, ok
}

// Machine drives a service request through its status state machine. Every
// successful transition appends exactly one immutable history entry; the
// acceptance path delegates its atomicity to the assignment coordinator.
type Machine struct {
	Store    storage.Store
	Coord    *assign.Coordinator
	Dispatch dispatch.Dispatcher
	Logger   *slog.Logger

	now func() time.Time
}

func NewMachine(st storage.Store, coord *assign.Coordinator, d dispatch.Dispatcher, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{Store: st, Coord: coord, Dispatch: d, Logger: logger, now: time.Now}
}

// SetClock injects a clock for tests.
func (m *Machine) SetClock(now func() time.Time) { m.now = now }

// CreateInput is everything the patient boundary supplies for a new request.
type CreateInput struct {
	PatientID string       `json:"patient_id"`
	NurseID   string       `json:"nurse_id"` // optional: request targeted at a chosen nurse
	ServiceID string       `json:"service_id"`
	Service   string       `json:"service"`
	Date      string       `json:"date"`
	TimeSlot  string       `json:"time_slot"`
	Loc       models.Coord `json:"loc"`
	Address   string       `json:"address"`
	District  string       `json:"district"`
	City      string       `json:"city"`
	Notes     string       `json:"notes"`
}

// Create validates the input, persists the request in pending and kicks off
// candidate matching.
func (m *Machine) Create(ctx context.Context, in CreateInput) (*models.ServiceRequest, error) {
	if in.PatientID == "" {
		return nil, models.Invalid("patient_id", "required")
	}
	if in.Service == "" {
		return nil, models.Invalid("service", "required")
	}
	if err := models.ValidateCoord(in.Loc); err != nil {
		return nil, err
	}
	slot, ok := models.ParseTimeSlot(in.TimeSlot)
	if !ok {
		return nil, models.Invalid("time_slot", "must be morning, afternoon, evening or asap")
	}

	now := m.now()
	req := &models.ServiceRequest{
		ID:        uuid.NewString(),
		PatientID: in.PatientID,
		NurseID:   in.NurseID,
		ServiceID: in.ServiceID,
		Service:   in.Service,
		Date:      in.Date,
		TimeSlot:  slot,
		Loc:       in.Loc,
		Address:   in.Address,
		District:  in.District,
		City:      in.City,
		Notes:     in.Notes,
		Status:    models.StatusPending,
		History: []models.Transition{{
			To:      models.StatusPending,
			At:      now,
			Role:    models.RolePatient,
			ActorID: in.PatientID,
			Note:    "created",
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.Store.CreateRequest(ctx, req); err != nil {
		return nil, err
	}
	observability.RequestsCreatedTotal.Inc()
	m.Logger.Info("request created", "request_id", req.ID, "patient_id", req.PatientID, "service", req.Service)

	if err := m.Coord.Begin(ctx, req); err != nil {
		m.Logger.Warn("matching start failed", "request_id", req.ID, "error", err)
	}
	return req, nil
}

// Transition moves a request to the target status on behalf of the actor.
// Returns the updated request, or InvalidTransitionError, ErrForbidden,
// storage.ErrConflict or storage.ErrNotFound.
func (m *Machine) Transition(ctx context.Context, requestID string, target models.Status, actor models.Actor, note string) (*models.ServiceRequest, error) {
	req, err := m.Store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	roles, ok := allowed(req.Status, target)
	if !ok {
		return nil, &InvalidTransitionError{From: req.Status, To: target}
	}
	if !roleAllowed(roles, actor.Role) {
		return nil, ErrForbidden
	}
	if err := m.authorizeActor(req, target, actor); err != nil {
		return nil, err
	}

	entry := models.Transition{
		From:    req.Status,
		To:      target,
		At:      m.now(),
		Role:    actor.Role,
		ActorID: actor.ID,
		Note:    note,
	}

	var updated *models.ServiceRequest
	switch target {
	case models.StatusAccepted:
		updated, err = m.Coord.TryAssign(ctx, requestID, actor.ID, entry)
	case models.StatusRejected:
		updated, err = m.reject(ctx, req, actor, entry)
	case models.StatusCompleted:
		updated, err = m.Store.CompareAndSwapStatus(ctx, requestID, req.Status, target, entry)
		if err == nil {
			if relErr := m.Coord.Release(ctx, req.NurseID); relErr != nil {
				return nil, fmt.Errorf("release nurse lock: %w", relErr)
			}
		}
	case models.StatusCancelled:
		updated, err = m.Store.CompareAndSwapStatus(ctx, requestID, req.Status, target, entry)
		if err == nil {
			m.Coord.Drop(requestID)
			if req.Status.InFlight() && req.NurseID != "" {
				if relErr := m.Coord.Release(ctx, req.NurseID); relErr != nil {
					return nil, fmt.Errorf("release nurse lock: %w", relErr)
				}
			}
		}
	default:
		updated, err = m.Store.CompareAndSwapStatus(ctx, requestID, req.Status, target, entry)
	}
	if err != nil {
		return nil, err
	}

	m.Logger.Info("request transitioned",
		"request_id", requestID, "from", entry.From, "to", updated.Status,
		"actor_role", actor.Role, "actor_id", actor.ID)
	_ = m.Dispatch.RequestUpdated(updated)
	return updated, nil
}

// reject handles a nurse declining a pending request. The decline is
// permanent for that nurse; while other candidates remain the request stays
// pending and the next one is offered. Only when nobody is left does the
// request settle in the terminal rejected state.
func (m *Machine) reject(ctx context.Context, req *models.ServiceRequest, actor models.Actor, entry models.Transition) (*models.ServiceRequest, error) {
	requeued, err := m.Coord.HandleRejection(ctx, req, actor.ID)
	if err != nil {
		return nil, err
	}
	if requeued {
		entry.To = models.StatusPending
		if entry.Note == "" {
			entry.Note = "offer declined, re-matching"
		}
		// clears a targeted-nurse binding so the next candidate can accept
		return m.Store.RequeuePending(ctx, req.ID, entry)
	}
	updated, err := m.Store.CompareAndSwapStatus(ctx, req.ID, models.StatusPending, models.StatusRejected, entry)
	if err != nil {
		return nil, err
	}
	m.Coord.Drop(req.ID)
	return updated, nil
}

func (m *Machine) authorizeActor(req *models.ServiceRequest, target models.Status, actor models.Actor) error {
	switch actor.Role {
	case models.RoleNurse:
		switch target {
		case models.StatusAccepted, models.StatusRejected:
			// a targeted request binds its chosen nurse; open requests take
			// any candidate, the assignment CAS settles races
			if req.NurseID != "" && req.NurseID != actor.ID {
				return ErrForbidden
			}
		default:
			if req.NurseID != actor.ID {
				return ErrForbidden
			}
		}
	case models.RolePatient:
		if req.PatientID != actor.ID {
			return ErrForbidden
		}
	case models.RoleSystem:
		// trusted internal actor
	default:
		return ErrForbidden
	}
	return nil
}

func roleAllowed(roles []models.Role, r models.Role) bool {
	for _, allowed := range roles {
		if allowed == r {
			return true
		}
	}
	return false
}
