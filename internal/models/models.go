package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// TimeSlot is the requested visit window.
type TimeSlot string

const (
	SlotMorning   TimeSlot = "morning"
	SlotAfternoon TimeSlot = "afternoon"
	SlotEvening   TimeSlot = "evening"
	SlotASAP      TimeSlot = "asap"
)

func ParseTimeSlot(s string) (TimeSlot, bool) {
	switch TimeSlot(s) {
	case SlotMorning, SlotAfternoon, SlotEvening, SlotASAP:
		return TimeSlot(s), true
	}
	return "", false
}

// Role identifies who is acting on a request.
type Role string

const (
	RolePatient Role = "patient"
	RoleNurse   Role = "nurse"
	RoleSystem  Role = "system"
)

// Actor is an authenticated principal acting on a request. Identity claims
// come from the surrounding application layer; the engine only checks them
// against the transition table.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Nurse carries everything the matcher needs: position, offered services
// with prices, availability and the rolling rating. ActiveRequestID is
// owned by the assignment coordinator while non-empty.
type Nurse struct {
	ID              string             `json:"id"`
	Loc             Coord              `json:"loc"`
	Services        map[string]float64 `json:"services"` // category -> price
	Available       bool               `json:"available"`
	AverageRating   float64            `json:"average_rating"` // 0..5
	TotalReviews    int                `json:"total_reviews"`
	ActiveRequestID string             `json:"active_request_id,omitempty"`
	Updated         time.Time          `json:"updated"`
}

// Offers reports whether the nurse serves the category, and at what price.
// An empty category matches every nurse.
func (n Nurse) Offers(service string) (float64, bool) {
	if service == "" {
		return 0, true
	}
	p, ok := n.Services[service]
	return p, ok
}

type Patient struct {
	ID  string `json:"id"`
	Loc Coord  `json:"loc"`
}

// Transition is one immutable entry in a request's status history.
type Transition struct {
	From    Status    `json:"from"`
	To      Status    `json:"to"`
	At      time.Time `json:"at"`
	Role    Role      `json:"role"`
	ActorID string    `json:"actor_id"`
	Note    string    `json:"note,omitempty"`
}

// ServiceRequest is a patient's ask for an in-home visit. History is
// append-only; Rating/Review are set once, after completion.
type ServiceRequest struct {
	ID        string       `json:"id"`
	PatientID string       `json:"patient_id"`
	NurseID   string       `json:"nurse_id,omitempty"`
	ServiceID string       `json:"service_id"`
	Service   string       `json:"service"` // requested category
	Date      string       `json:"date"`    // YYYY-MM-DD
	TimeSlot  TimeSlot     `json:"time_slot"`
	Loc       Coord        `json:"loc"`
	Address   string       `json:"address"`
	District  string       `json:"district"`
	City      string       `json:"city"`
	Notes     string       `json:"notes,omitempty"`
	Status    Status       `json:"status"`
	History   []Transition `json:"history"`
	Rating    int          `json:"rating,omitempty"`
	Review    string       `json:"review,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Review is immutable once created; the nurse may attach one response.
type Review struct {
	ID             string     `json:"id"`
	RequestID      string     `json:"request_id"`
	PatientID      string     `json:"patient_id"`
	NurseID        string     `json:"nurse_id"`
	Rating         int        `json:"rating"` // 1..5
	Comment        string     `json:"comment,omitempty"`
	AllowPublicUse bool       `json:"allow_public_use"`
	Response       string     `json:"response,omitempty"`
	RespondedAt    *time.Time `json:"responded_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Candidate is a ranked nurse considered for a request.
type Candidate struct {
	Nurse      Nurse   `json:"nurse"`
	DistanceKm float64 `json:"distance_km"`
	Price      float64 `json:"price"`
	Score      float64 `json:"score"`
}

// Offer is the payload pushed to a nurse when they become the current
// candidate for a request.
type Offer struct {
	RequestID  string  `json:"request_id"`
	Service    string  `json:"service"`
	DistanceKm float64 `json:"distance_km"`
	TravelSecs float64 `json:"travel_seconds,omitempty"`
	Loc        Coord   `json:"loc"`
	Address    string  `json:"address"`
}
