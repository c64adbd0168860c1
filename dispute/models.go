package dispute

import "time"

// Status represents the lifecycle of a dispute record. StatusPending exists
// in the domain vocabulary but no operation currently produces it; disputes
// move straight from open to resolved.
type Status string

const (
	StatusOpen     Status = "open"
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
)

// Record mirrors the disputes table.
type Record struct {
	ID            string
	EscrowID      string
	ComplainantID string
	Description   string
	Status        Status
	Resolution    *string
	CreatedAt     time.Time
	UpdatedAt     *time.Time
}

// OpenParams carries the caller-supplied fields for a new dispute.
type OpenParams struct {
	EscrowID      string
	ComplainantID string
	Description   string
}

// ResolveParams carries an admin's adjudication of a dispute.
type ResolveParams struct {
	DisputeID    string
	AdminID      string
	Resolution   string
	EscrowStatus string
}

// Escrow timeline event types appended by dispute operations.
const (
	EventOpened   = "DISPUTE_OPENED"
	EventResolved = "DISPUTE_RESOLVED"
)

// Outbox topics published on dispute state changes.
const (
	TopicOpened   = "dispute.opened"
	TopicResolved = "dispute.resolved"
)
