package store

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"freework/services/escrowd/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return New(db)
}

func seedBid(t *testing.T, s *Store) *models.Bid {
	t.Helper()
	bid, err := s.CreateBid(context.Background(), &models.Bid{
		TaskID:            uuid.New(),
		ClientID:          uuid.New(),
		FreelancerID:      uuid.New(),
		FreelancerAddress: "0x2222222222222222222222222222222222222222",
		AmountFiat:        "10000",
		Message:           "I can do this",
	})
	require.NoError(t, err)
	return bid
}

func TestCreateBidValidatesAmount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, amount := range []string{"", "0", "-5", "abc"} {
		_, err := s.CreateBid(ctx, &models.Bid{AmountFiat: amount})
		require.ErrorIs(t, err, ErrInvalidAmount, amount)
	}

	bid := seedBid(t, s)
	require.Equal(t, models.BidPending, bid.Status)
	require.Nil(t, bid.ContractAddress)
	require.Nil(t, bid.Proof)
}

func TestTransitionBidAppliesOnlyFromPreState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	bid := seedBid(t, s)

	addr := "0xabcabcabcabcabcabcabcabcabcabcabcabcabca"
	updated, applied, err := s.TransitionBid(ctx, bid.ID, models.BidPending, BidPatch{
		Status:          models.BidContractSent,
		ContractAddress: &addr,
	})
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, models.BidContractSent, updated.Status)
	require.NotNil(t, updated.ContractAddress)
	require.Equal(t, addr, *updated.ContractAddress)

	// Same transition again: pre-state no longer matches, write not applied,
	// current record returned.
	again, applied, err := s.TransitionBid(ctx, bid.ID, models.BidPending, BidPatch{
		Status:          models.BidContractSent,
		ContractAddress: &addr,
	})
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, models.BidContractSent, again.Status)
	require.Equal(t, addr, *again.ContractAddress)
}

func TestTransitionBidRejectsIllegalEdges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	bid := seedBid(t, s)

	_, _, err := s.TransitionBid(ctx, bid.ID, models.BidPending, BidPatch{Status: models.BidCompleted})
	require.Error(t, err)

	_, _, err = s.TransitionBid(ctx, bid.ID, models.BidPending, BidPatch{Status: models.BidStatus("Paid")})
	require.Error(t, err)
}

func TestContractAddressIsWriteOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	bid := seedBid(t, s)

	first := "0x1111111111111111111111111111111111111111"
	_, applied, err := s.TransitionBid(ctx, bid.ID, models.BidPending, BidPatch{
		Status:          models.BidContractSent,
		ContractAddress: &first,
	})
	require.NoError(t, err)
	require.True(t, applied)

	// A later transition that carries an address must not overwrite the
	// stored one: the IS NULL guard refuses the write.
	second := "0x9999999999999999999999999999999999999999"
	current, applied, err := s.TransitionBid(ctx, bid.ID, models.BidContractSent, BidPatch{
		Status:          models.BidAccepted,
		ContractAddress: &second,
	})
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, first, *current.ContractAddress)

	// Without an address in the patch the transition proceeds normally.
	current, applied, err = s.TransitionBid(ctx, bid.ID, models.BidContractSent, BidPatch{Status: models.BidAccepted})
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, models.BidAccepted, current.Status)
	require.Equal(t, first, *current.ContractAddress)
}

func TestTaskStatusMirroring(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task, err := s.CreateTask(ctx, &models.Task{
		ClientID: uuid.New(),
		Title:    "Landing page",
		Budget:   "10000",
		Deadline: time.Now().Add(72 * time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, models.TaskOpen, task.Status)

	require.NoError(t, s.UpdateTaskStatusIf(ctx, task.ID, models.TaskOpen, models.TaskInProgress))
	// Stale pre-state is silently skipped.
	require.NoError(t, s.UpdateTaskStatusIf(ctx, task.ID, models.TaskOpen, models.TaskInProgress))

	loaded, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskInProgress, loaded.Status)
}

func TestListBids(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	bid := seedBid(t, s)

	byTask, err := s.ListBidsByTask(ctx, bid.TaskID)
	require.NoError(t, err)
	require.Len(t, byTask, 1)

	byClient, err := s.ListBidsByClient(ctx, bid.ClientID)
	require.NoError(t, err)
	require.Len(t, byClient, 1)

	byFreelancer, err := s.ListBidsByFreelancer(ctx, bid.FreelancerID, models.BidPending)
	require.NoError(t, err)
	require.Len(t, byFreelancer, 1)

	none, err := s.ListBidsByFreelancer(ctx, bid.FreelancerID, models.BidCompleted)
	require.NoError(t, err)
	require.Empty(t, none)
}
