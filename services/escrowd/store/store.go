// Package store persists bids and tasks and implements the optimistic
// pre-state writes the orchestrator's reconciliation guard relies on. Every
// status mutation is a single conditional UPDATE: if the row is no longer in
// the expected pre-state the write is not applied and the caller decides how
// to reconcile.
package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"freework/services/escrowd/models"
)

var (
	// ErrNotFound is returned when a bid or task does not exist.
	ErrNotFound = errors.New("store: record not found")
	// ErrInvalidAmount is returned for a non-positive or malformed fiat amount.
	ErrInvalidAmount = errors.New("store: amount must be a positive decimal")
)

// Store wraps the gorm handle. Works against postgres in production and
// sqlite in tests.
type Store struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// New constructs a store over an opened gorm database.
func New(db *gorm.DB) *Store {
	return &Store{db: db, nowFn: func() time.Time { return time.Now().UTC() }}
}

// SetNowFunc overrides the clock used for updated-at stamps in tests.
func (s *Store) SetNowFunc(now func() time.Time) {
	if now == nil {
		s.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	s.nowFn = now
}

// BidPatch describes the fields a guarded transition may change. Status is
// required; ContractAddress and Proof are applied only when non-nil and are
// write-once at the schema level via the conditional update.
type BidPatch struct {
	Status          models.BidStatus
	ContractAddress *string
	Proof           *string
}

// CreateBid validates and inserts a new pending bid.
func (s *Store) CreateBid(ctx context.Context, bid *models.Bid) (*models.Bid, error) {
	if bid == nil {
		return nil, fmt.Errorf("store: nil bid")
	}
	if err := validateFiatAmount(bid.AmountFiat); err != nil {
		return nil, err
	}
	record := *bid
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	record.Status = models.BidPending
	record.ContractAddress = nil
	record.Proof = nil
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("store: create bid: %w", err)
	}
	return &record, nil
}

// GetBid fetches a bid by identifier.
func (s *Store) GetBid(ctx context.Context, id uuid.UUID) (*models.Bid, error) {
	var bid models.Bid
	if err := s.db.WithContext(ctx).First(&bid, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: bid %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &bid, nil
}

// ListBidsByTask returns bids for a task ordered by creation time.
func (s *Store) ListBidsByTask(ctx context.Context, taskID uuid.UUID) ([]models.Bid, error) {
	var bids []models.Bid
	err := s.db.WithContext(ctx).Where("task_id = ?", taskID).Order("created_at").Find(&bids).Error
	return bids, err
}

// ListBidsByClient returns bids on the client's tasks.
func (s *Store) ListBidsByClient(ctx context.Context, clientID uuid.UUID) ([]models.Bid, error) {
	var bids []models.Bid
	err := s.db.WithContext(ctx).Where("client_id = ?", clientID).Order("created_at").Find(&bids).Error
	return bids, err
}

// ListBidsByFreelancer returns the freelancer's bids, optionally filtered by
// status.
func (s *Store) ListBidsByFreelancer(ctx context.Context, freelancerID uuid.UUID, status models.BidStatus) ([]models.Bid, error) {
	query := s.db.WithContext(ctx).Where("freelancer_id = ?", freelancerID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var bids []models.Bid
	err := query.Order("created_at").Find(&bids).Error
	return bids, err
}

// TransitionBid applies the patch only if the bid is still in the expected
// pre-state. The returned bool reports whether the write was applied; on a
// stale pre-state the current record is returned unchanged so callers can
// treat duplicates as already-applied. When the patch sets a contract
// address the update additionally requires the stored address to be null, so
// an address can never be written twice even under concurrent duplicates.
func (s *Store) TransitionBid(ctx context.Context, id uuid.UUID, from models.BidStatus, patch BidPatch) (*models.Bid, bool, error) {
	if !patch.Status.Valid() {
		return nil, false, fmt.Errorf("store: invalid target status %q", patch.Status)
	}
	if !models.CanTransition(from, patch.Status) {
		return nil, false, fmt.Errorf("store: illegal transition %s -> %s", from, patch.Status)
	}
	updates := map[string]interface{}{
		"status":     patch.Status,
		"updated_at": s.nowFn(),
	}
	query := s.db.WithContext(ctx).Model(&models.Bid{}).Where("id = ? AND status = ?", id, from)
	if patch.ContractAddress != nil {
		updates["contract_address"] = strings.TrimSpace(*patch.ContractAddress)
		query = query.Where("contract_address IS NULL")
	}
	if patch.Proof != nil {
		updates["proof"] = *patch.Proof
	}
	result := query.Updates(updates)
	if result.Error != nil {
		return nil, false, fmt.Errorf("store: transition bid %s: %w", id, result.Error)
	}
	bid, err := s.GetBid(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return bid, result.RowsAffected == 1, nil
}

// CreateTask inserts a task record.
func (s *Store) CreateTask(ctx context.Context, task *models.Task) (*models.Task, error) {
	if task == nil {
		return nil, fmt.Errorf("store: nil task")
	}
	record := *task
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.Status == "" {
		record.Status = models.TaskOpen
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("store: create task: %w", err)
	}
	return &record, nil
}

// GetTask fetches a task by identifier.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	var task models.Task
	if err := s.db.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &task, nil
}

// UpdateTaskStatusIf mirrors a bid transition onto the task record with the
// same optimistic pre-state check. A stale pre-state is not an error: the
// task already advanced.
func (s *Store) UpdateTaskStatusIf(ctx context.Context, id uuid.UUID, from, to models.TaskStatus) error {
	result := s.db.WithContext(ctx).Model(&models.Task{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{"status": to, "updated_at": s.nowFn()})
	if result.Error != nil {
		return fmt.Errorf("store: update task %s: %w", id, result.Error)
	}
	return nil
}

func validateFiatAmount(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ErrInvalidAmount
	}
	amount, ok := new(big.Rat).SetString(trimmed)
	if !ok || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
