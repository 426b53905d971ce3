package models

// Status is the closed set of service request states. Anything outside this
// set is rejected at the boundary.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusOnTheWay   Status = "on_the_way"
	StatusArrived    Status = "arrived"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusRejected   Status = "rejected"
)

func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusPending, StatusAccepted, StatusOnTheWay, StatusArrived,
		StatusInProgress, StatusCompleted, StatusCancelled, StatusRejected:
		return Status(s), true
	}
	return "", false
}

// InFlight reports whether the request holds a nurse lock in this state.
func (s Status) InFlight() bool {
	switch s {
	case StatusAccepted, StatusOnTheWay, StatusArrived, StatusInProgress:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRejected:
		return true
	}
	return false
}
