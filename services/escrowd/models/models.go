package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BidStatus is the closed set of business states a bid moves through. String
// values are stable; they appear in the API and the database.
type BidStatus string

const (
	BidPending          BidStatus = "Pending"
	BidContractSent     BidStatus = "ContractSent"
	BidAccepted         BidStatus = "Accepted"
	BidManuallyAccepted BidStatus = "ManuallyAccepted"
	BidWorkSubmitted    BidStatus = "WorkSubmitted"
	BidCompleted        BidStatus = "Completed"
	BidRejected         BidStatus = "Rejected"
)

// bidTransitions is the full transition graph. Status never regresses; the
// only edge out of Pending that skips escrow is Rejected, and the
// ManuallyAccepted branch bypasses contract deployment entirely.
var bidTransitions = map[BidStatus][]BidStatus{
	BidPending:          {BidContractSent, BidManuallyAccepted, BidRejected},
	BidContractSent:     {BidAccepted},
	BidAccepted:         {BidWorkSubmitted},
	BidManuallyAccepted: {BidWorkSubmitted},
	BidWorkSubmitted:    {BidCompleted},
	BidCompleted:        {},
	BidRejected:         {},
}

// Valid reports whether the status is a member of the closed set.
func (s BidStatus) Valid() bool {
	_, ok := bidTransitions[s]
	return ok
}

// Terminal reports whether the bid admits no further transitions.
func (s BidStatus) Terminal() bool {
	return s == BidCompleted || s == BidRejected
}

// CanTransition reports whether the edge from -> to exists in the graph.
func CanTransition(from, to BidStatus) bool {
	for _, next := range bidTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RequiresContract reports whether the status implies a deployed escrow
// instance. ContractAddress is non-null exactly on these states, except the
// manual-accept branch where WorkSubmitted/Completed may carry no address.
func (s BidStatus) RequiresContract() bool {
	return s == BidContractSent || s == BidAccepted
}

// TaskStatus mirrors the task collaborator's coarse lifecycle.
type TaskStatus string

const (
	TaskOpen       TaskStatus = "Open"
	TaskInProgress TaskStatus = "InProgress"
	TaskCompleted  TaskStatus = "Completed"
)

// Task is the narrow task-store collaborator record. The orchestrator reads
// the deadline from here and never trusts caller-supplied due dates.
type Task struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ClientID  uuid.UUID  `gorm:"type:uuid;index" json:"clientId"`
	Title     string     `gorm:"size:256" json:"title"`
	Budget    string     `gorm:"size:64" json:"budget"`
	Deadline  time.Time  `gorm:"not null" json:"deadline"`
	Status    TaskStatus `gorm:"size:32;index" json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Bid is the off-chain ledger entry for a freelancer's bid. AmountFiat is an
// immutable positive decimal captured at placement; ContractAddress is set
// exactly once when deployment succeeds and never changes afterwards. Rows
// are never deleted, only moved to a terminal status.
type Bid struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TaskID            uuid.UUID `gorm:"type:uuid;index" json:"taskId"`
	ClientID          uuid.UUID `gorm:"type:uuid;index" json:"clientId"`
	FreelancerID      uuid.UUID `gorm:"type:uuid;index" json:"freelancerId"`
	FreelancerAddress string    `gorm:"size:64" json:"freelancerAddress"`
	AmountFiat        string    `gorm:"size:64;not null" json:"amountFiat"`
	Message           string    `gorm:"size:1024" json:"message"`
	Status            BidStatus `gorm:"size:32;index" json:"status"`
	ContractAddress   *string   `gorm:"size:64" json:"contractAddress,omitempty"`
	Proof             *string   `gorm:"size:1024" json:"proof,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Task{},
		&Bid{},
	)
}
