package dispatch

import "github.com/example/care-matching/internal/models"

// Dispatcher delivers engine events to nurse and patient apps. Delivery is
// fire-and-forget: a failed send never blocks or fails a transition.
type Dispatcher interface {
	// Offer notifies a nurse that they are the current candidate.
	Offer(nurseID string, offer models.Offer) error
	// RequestUpdated announces a status transition to the parties involved.
	RequestUpdated(req *models.ServiceRequest) error
}

// Nop discards all events. Used where notification delivery is not wired.
type Nop struct{}

func (Nop) Offer(string, models.Offer) error            { return nil }
func (Nop) RequestUpdated(*models.ServiceRequest) error { return nil }
