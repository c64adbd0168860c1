package escrow

import "time"

// Status represents the lifecycle of an escrow record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
)

// ReleaseWindow is how long buyer funds stay in custody before an
// undisputed escrow becomes eligible for automatic release.
const ReleaseWindow = 14 * 24 * time.Hour

// Terminal reports whether no further transition is permitted out of s.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// CanTransition encodes the legal transition table: pending may move to
// released or refunded exactly once; terminal states never move.
func CanTransition(from, to Status) bool {
	if from != StatusPending {
		return false
	}
	return to == StatusReleased || to == StatusRefunded
}

// Record mirrors the escrows table.
type Record struct {
	ID          string
	BuyerID     string
	SellerID    string
	ProductID   string
	Amount      float64
	Status      Status
	ReleaseTime time.Time
	CreatedAt   time.Time
	UpdatedAt   *time.Time
}

// CreateParams carries the caller-supplied fields for a new escrow.
type CreateParams struct {
	BuyerID   string
	SellerID  string
	ProductID string
	Amount    float64
}

// Event types appended to escrow_events alongside each state change.
const (
	EventCreated      = "ESCROW_CREATED"
	EventReleased     = "ESCROW_RELEASED"
	EventRefunded     = "ESCROW_REFUNDED"
	EventAutoReleased = "ESCROW_AUTO_RELEASED"
)

// Outbox topics published on escrow state changes.
const (
	TopicCreated  = "escrow.created"
	TopicReleased = "escrow.released"
	TopicRefunded = "escrow.refunded"
)
