// Package orchestrator drives the escrow lifecycle for accepted bids. It is
// the only writer that bridges chain calls to bid record updates: every
// operation performs the chain interaction first, then mirrors the result
// into the bid store through an optimistic pre-state write. Chain
// confirmation always happens-before the record write; the reverse order is
// never attempted.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"freework/services/escrowd/chainrpc"
	"freework/services/escrowd/models"
	"freework/services/escrowd/oracle"
	"freework/services/escrowd/store"
)

// DefaultGasEstimateWei covers contract deployment on the target network.
// The live wallet balance is re-checked against payment+gas immediately
// before every deploy; the estimate itself is configuration, not measurement.
var DefaultGasEstimateWei = new(big.Int).Mul(big.NewInt(3_000_000), big.NewInt(30_000_000_000))

// Store is the bid/task persistence the orchestrator mutates. TransitionBid
// must apply the patch only when the record still matches the expected
// pre-state and report whether it did.
type Store interface {
	GetBid(ctx context.Context, id uuid.UUID) (*models.Bid, error)
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error)
	TransitionBid(ctx context.Context, id uuid.UUID, from models.BidStatus, patch store.BidPatch) (*models.Bid, bool, error)
	UpdateTaskStatusIf(ctx context.Context, id uuid.UUID, from, to models.TaskStatus) error
}

// Config carries the injected collaborators.
type Config struct {
	Store          Store
	Node           chainrpc.NodeClient
	Oracle         *oracle.Quoter
	WalletAddress  string
	GasEstimateWei *big.Int
	Logger         *slog.Logger
	Now            func() time.Time
}

// Orchestrator coordinates the on-chain escrow instance and the off-chain
// bid record for every business transition.
type Orchestrator struct {
	store  Store
	node   chainrpc.NodeClient
	quoter *oracle.Quoter
	wallet string
	gas    *big.Int
	log    *slog.Logger
	nowFn  func() time.Time

	locks sync.Map
}

// New validates the configuration and constructs an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("orchestrator: store is required")
	}
	if cfg.Node == nil {
		return nil, fmt.Errorf("orchestrator: node client is required")
	}
	if cfg.Oracle == nil {
		return nil, fmt.Errorf("orchestrator: price oracle is required")
	}
	if !common.IsHexAddress(cfg.WalletAddress) {
		return nil, fmt.Errorf("orchestrator: invalid funding wallet address %q", cfg.WalletAddress)
	}
	gas := cfg.GasEstimateWei
	if gas == nil || gas.Sign() < 0 {
		gas = DefaultGasEstimateWei
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{
		store:  cfg.Store,
		node:   cfg.Node,
		quoter: cfg.Oracle,
		wallet: common.HexToAddress(cfg.WalletAddress).Hex(),
		gas:    new(big.Int).Set(gas),
		log:    logger,
		nowFn:  nowFn,
	}, nil
}

// lockBid serialises operations per bid so at most one chain transaction per
// bid is in flight at a time.
func (o *Orchestrator) lockBid(id uuid.UUID) func() {
	entry, _ := o.locks.LoadOrStore(id, &sync.Mutex{})
	mu := entry.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// statusRank orders statuses along the forward path; equal ranks denote the
// fork between on-chain and manual acceptance.
var statusRank = map[models.BidStatus]int{
	models.BidPending:          0,
	models.BidContractSent:     1,
	models.BidAccepted:         2,
	models.BidManuallyAccepted: 2,
	models.BidWorkSubmitted:    3,
	models.BidCompleted:        4,
}

// alreadyPast reports whether the record has advanced to or beyond the
// transition's target, in which case a duplicate request is a no-op.
func alreadyPast(current, target models.BidStatus) bool {
	if current == models.BidRejected {
		return false
	}
	return statusRank[current] >= statusRank[target]
}

// SendContract deploys an escrow instance for a pending bid and records the
// contract address. The due date is recomputed from the task record and the
// amount taken from the bid record; caller-supplied values are never
// trusted. On chain failure the bid stays Pending with no partial write.
func (o *Orchestrator) SendContract(ctx context.Context, bidID uuid.UUID) (*models.Bid, error) {
	unlock := o.lockBid(bidID)
	defer unlock()

	bid, err := o.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if bid.Status != models.BidPending {
		if alreadyPast(bid.Status, models.BidContractSent) {
			return o.staleNoop(bid, TransitionSendContract)
		}
		return nil, o.validationErr(bidID, TransitionSendContract,
			fmt.Sprintf("cannot send contract in status %s", bid.Status))
	}

	task, err := o.store.GetTask(ctx, bid.TaskID)
	if err != nil {
		observeTransition(TransitionSendContract, outcomeError)
		return nil, fmt.Errorf("resolve task for bid %s: %w", bidID, err)
	}
	dueDate := task.Deadline.UTC()
	if !dueDate.After(o.nowFn()) {
		return nil, o.validationErr(bidID, TransitionSendContract,
			fmt.Sprintf("task deadline %s is not strictly in the future", dueDate.Format(time.RFC3339)))
	}
	if !common.IsHexAddress(bid.FreelancerAddress) {
		return nil, o.validationErr(bidID, TransitionSendContract,
			fmt.Sprintf("invalid freelancer address %q", bid.FreelancerAddress))
	}

	quote, err := o.quoter.QuoteFiat(ctx, bid.AmountFiat)
	if err != nil {
		return nil, o.validationErr(bidID, TransitionSendContract, err.Error())
	}

	// The funding wallet is shared and externally mutated: re-check the live
	// balance immediately before spending, never a cached value.
	balance, err := o.node.WalletBalance(ctx, o.wallet)
	if err != nil {
		observeTransition(TransitionSendContract, outcomeChainRejected)
		return nil, &ChainRejectionError{BidID: bidID, Transition: TransitionSendContract, Err: err}
	}
	need := new(big.Int).Add(quote.Wei, o.gas)
	if balance.Cmp(need) < 0 {
		observeTransition(TransitionSendContract, outcomeInsufficientFunds)
		return nil, &InsufficientFundsError{BidID: bidID, Transition: TransitionSendContract, Need: need, Have: balance}
	}

	// The bid identifier is the deployment nonce: retries for this bid
	// converge on one instance, and no other bid can ever share it.
	resp, err := o.node.JobDeploy(ctx, chainrpc.DeployRequest{
		Client:     o.wallet,
		Freelancer: bid.FreelancerAddress,
		DueDate:    dueDate.Unix(),
		ValueWei:   quote.Wei.String(),
		Nonce:      bidID.String(),
	})
	if err != nil {
		observeTransition(TransitionSendContract, outcomeChainRejected)
		return nil, &ChainRejectionError{BidID: bidID, Transition: TransitionSendContract, Err: err}
	}

	updated, applied, err := o.store.TransitionBid(ctx, bidID, models.BidPending, store.BidPatch{
		Status:          models.BidContractSent,
		ContractAddress: &resp.Address,
	})
	if err != nil {
		gap := &ReconciliationGapError{BidID: bidID, Transition: TransitionSendContract, ContractAddress: resp.Address, Err: err}
		o.log.Error("reconciliation gap: contract deployed but bid record write failed",
			"bid", bidID, "contract", resp.Address, "error", err)
		observeTransition(TransitionSendContract, outcomeReconciliationGap)
		return nil, gap
	}
	if !applied {
		// A concurrent duplicate won the record write. Deployment is keyed
		// on the bid identifier, so both requests observed the same
		// instance; nothing was locked twice.
		return o.staleNoop(updated, TransitionSendContract)
	}
	o.log.Info("escrow contract deployed",
		"bid", bidID, "contract", resp.Address, "paymentWei", quote.Wei.String(),
		"rateSource", quote.Source, "fallbackRate", quote.Fallback)
	observeTransition(TransitionSendContract, outcomeApplied)
	return updated, nil
}

// AcceptJob mirrors the freelancer's on-chain acceptance into the bid record
// and moves the task in progress.
func (o *Orchestrator) AcceptJob(ctx context.Context, bidID uuid.UUID) (*models.Bid, error) {
	unlock := o.lockBid(bidID)
	defer unlock()

	bid, err := o.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if bid.Status != models.BidContractSent {
		if alreadyPast(bid.Status, models.BidAccepted) {
			return o.staleNoop(bid, TransitionAcceptJob)
		}
		return nil, o.validationErr(bidID, TransitionAcceptJob,
			fmt.Sprintf("cannot accept job in status %s", bid.Status))
	}
	if bid.Status.RequiresContract() && bid.ContractAddress == nil {
		return nil, o.validationErr(bidID, TransitionAcceptJob,
			fmt.Sprintf("contract address missing on %s bid", bid.Status))
	}

	if err := o.node.JobAccept(ctx, *bid.ContractAddress, bid.FreelancerAddress); err != nil {
		observeTransition(TransitionAcceptJob, outcomeChainRejected)
		return nil, &ChainRejectionError{BidID: bidID, Transition: TransitionAcceptJob, Err: err}
	}

	updated, applied, err := o.store.TransitionBid(ctx, bidID, models.BidContractSent, store.BidPatch{Status: models.BidAccepted})
	if err != nil {
		gap := &ReconciliationGapError{BidID: bidID, Transition: TransitionAcceptJob, ContractAddress: *bid.ContractAddress, Err: err}
		o.log.Error("reconciliation gap: job accepted on chain but bid record write failed",
			"bid", bidID, "contract", *bid.ContractAddress, "error", err)
		observeTransition(TransitionAcceptJob, outcomeReconciliationGap)
		return nil, gap
	}
	if !applied {
		return o.staleNoop(updated, TransitionAcceptJob)
	}
	o.mirrorTask(ctx, bid.TaskID, models.TaskOpen, models.TaskInProgress)
	observeTransition(TransitionAcceptJob, outcomeApplied)
	return updated, nil
}

// SkipToManualAccept moves a pending bid directly to ManuallyAccepted with
// no chain interaction. This is the explicit escape hatch for parties who
// opt out of on-chain escrow.
func (o *Orchestrator) SkipToManualAccept(ctx context.Context, bidID uuid.UUID) (*models.Bid, error) {
	unlock := o.lockBid(bidID)
	defer unlock()

	bid, err := o.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if bid.Status != models.BidPending {
		if alreadyPast(bid.Status, models.BidManuallyAccepted) {
			return o.staleNoop(bid, TransitionManualAccept)
		}
		return nil, o.validationErr(bidID, TransitionManualAccept,
			fmt.Sprintf("cannot manually accept in status %s", bid.Status))
	}

	updated, applied, err := o.store.TransitionBid(ctx, bidID, models.BidPending, store.BidPatch{Status: models.BidManuallyAccepted})
	if err != nil {
		observeTransition(TransitionManualAccept, outcomeError)
		return nil, fmt.Errorf("manual accept bid %s: %w", bidID, err)
	}
	if !applied {
		if alreadyPast(updated.Status, models.BidManuallyAccepted) {
			return o.staleNoop(updated, TransitionManualAccept)
		}
		return nil, o.validationErr(bidID, TransitionManualAccept,
			fmt.Sprintf("record advanced to %s", updated.Status))
	}
	o.mirrorTask(ctx, bid.TaskID, models.TaskOpen, models.TaskInProgress)
	o.log.Info("bid manually accepted, escrow skipped", "bid", bidID)
	observeTransition(TransitionManualAccept, outcomeApplied)
	return updated, nil
}

// SubmitWork records the proof of work. When the bid carries a contract
// address the proof is submitted on chain first; on the manual-accept path
// no chain call is made.
func (o *Orchestrator) SubmitWork(ctx context.Context, bidID uuid.UUID, proof string) (*models.Bid, error) {
	unlock := o.lockBid(bidID)
	defer unlock()

	if proof == "" {
		return nil, o.validationErr(bidID, TransitionSubmitWork, "proof must be non-empty")
	}
	bid, err := o.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if bid.Status != models.BidAccepted && bid.Status != models.BidManuallyAccepted {
		if alreadyPast(bid.Status, models.BidWorkSubmitted) {
			return o.staleNoop(bid, TransitionSubmitWork)
		}
		return nil, o.validationErr(bidID, TransitionSubmitWork,
			fmt.Sprintf("cannot submit work in status %s", bid.Status))
	}

	chainCalled := false
	if bid.ContractAddress != nil {
		if err := o.node.JobSubmit(ctx, *bid.ContractAddress, bid.FreelancerAddress, proof); err != nil {
			observeTransition(TransitionSubmitWork, outcomeChainRejected)
			return nil, &ChainRejectionError{BidID: bidID, Transition: TransitionSubmitWork, Err: err}
		}
		chainCalled = true
	}

	updated, applied, err := o.store.TransitionBid(ctx, bidID, bid.Status, store.BidPatch{
		Status: models.BidWorkSubmitted,
		Proof:  &proof,
	})
	if err != nil {
		if chainCalled {
			gap := &ReconciliationGapError{BidID: bidID, Transition: TransitionSubmitWork, ContractAddress: *bid.ContractAddress, Err: err}
			o.log.Error("reconciliation gap: work submitted on chain but bid record write failed",
				"bid", bidID, "contract", *bid.ContractAddress, "error", err)
			observeTransition(TransitionSubmitWork, outcomeReconciliationGap)
			return nil, gap
		}
		observeTransition(TransitionSubmitWork, outcomeError)
		return nil, fmt.Errorf("submit work for bid %s: %w", bidID, err)
	}
	if !applied {
		return o.staleNoop(updated, TransitionSubmitWork)
	}
	observeTransition(TransitionSubmitWork, outcomeApplied)
	return updated, nil
}

// ApproveWork releases the escrowed payment (when a contract exists) and
// marks the bid completed. The chain approval moves the funds; the record
// write only mirrors it, so a duplicate approval can never pay twice.
func (o *Orchestrator) ApproveWork(ctx context.Context, bidID uuid.UUID) (*models.Bid, error) {
	unlock := o.lockBid(bidID)
	defer unlock()

	bid, err := o.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if bid.Status != models.BidWorkSubmitted {
		if alreadyPast(bid.Status, models.BidCompleted) {
			return o.staleNoop(bid, TransitionApproveWork)
		}
		return nil, o.validationErr(bidID, TransitionApproveWork,
			fmt.Sprintf("cannot approve work in status %s", bid.Status))
	}

	chainCalled := false
	if bid.ContractAddress != nil {
		if err := o.node.JobApprove(ctx, *bid.ContractAddress, o.wallet); err != nil {
			observeTransition(TransitionApproveWork, outcomeChainRejected)
			return nil, &ChainRejectionError{BidID: bidID, Transition: TransitionApproveWork, Err: err}
		}
		chainCalled = true
	}

	updated, applied, err := o.store.TransitionBid(ctx, bidID, models.BidWorkSubmitted, store.BidPatch{Status: models.BidCompleted})
	if err != nil {
		if chainCalled {
			gap := &ReconciliationGapError{BidID: bidID, Transition: TransitionApproveWork, ContractAddress: *bid.ContractAddress, Err: err}
			o.log.Error("reconciliation gap: payment released on chain but bid record write failed",
				"bid", bidID, "contract", *bid.ContractAddress, "error", err)
			observeTransition(TransitionApproveWork, outcomeReconciliationGap)
			return nil, gap
		}
		observeTransition(TransitionApproveWork, outcomeError)
		return nil, fmt.Errorf("approve work for bid %s: %w", bidID, err)
	}
	if !applied {
		return o.staleNoop(updated, TransitionApproveWork)
	}
	o.mirrorTask(ctx, bid.TaskID, models.TaskInProgress, models.TaskCompleted)
	o.log.Info("work approved, bid completed", "bid", bidID)
	observeTransition(TransitionApproveWork, outcomeApplied)
	return updated, nil
}

// RejectBid moves a pending bid to Rejected. No chain interaction: nothing
// has been deployed for a pending bid.
func (o *Orchestrator) RejectBid(ctx context.Context, bidID uuid.UUID) (*models.Bid, error) {
	unlock := o.lockBid(bidID)
	defer unlock()

	bid, err := o.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if bid.Status == models.BidRejected {
		return o.staleNoop(bid, TransitionRejectBid)
	}
	if bid.Status != models.BidPending {
		return nil, o.validationErr(bidID, TransitionRejectBid,
			fmt.Sprintf("cannot reject bid in status %s", bid.Status))
	}

	updated, applied, err := o.store.TransitionBid(ctx, bidID, models.BidPending, store.BidPatch{Status: models.BidRejected})
	if err != nil {
		observeTransition(TransitionRejectBid, outcomeError)
		return nil, fmt.Errorf("reject bid %s: %w", bidID, err)
	}
	if !applied {
		if updated.Status == models.BidRejected {
			return o.staleNoop(updated, TransitionRejectBid)
		}
		return nil, o.validationErr(bidID, TransitionRejectBid,
			fmt.Sprintf("record advanced to %s", updated.Status))
	}
	observeTransition(TransitionRejectBid, outcomeApplied)
	return updated, nil
}

// staleNoop resolves a transition whose record already advanced past the
// expected pre-state: per the guard's contract the stale case is a success
// no-op, so the error is accounted and logged but never propagated.
func (o *Orchestrator) staleNoop(bid *models.Bid, transition Transition) (*models.Bid, error) {
	stale := &StaleStateError{BidID: bid.ID, Transition: transition}
	o.log.Debug("transition resolved as no-op", "bid", bid.ID, "status", bid.Status, "reason", stale.Error())
	observeTransition(transition, outcomeNoop)
	return bid, nil
}

func (o *Orchestrator) validationErr(bidID uuid.UUID, transition Transition, reason string) error {
	observeTransition(transition, outcomeValidation)
	return &ValidationError{BidID: bidID, Transition: transition, Reason: reason}
}

// mirrorTask applies the coarse task-status mirror. The bid record is the
// source of truth; a failed mirror is logged, not surfaced.
func (o *Orchestrator) mirrorTask(ctx context.Context, taskID uuid.UUID, from, to models.TaskStatus) {
	if err := o.store.UpdateTaskStatusIf(ctx, taskID, from, to); err != nil {
		o.log.Warn("task status mirror failed", "task", taskID, "from", from, "to", to, "error", err)
	}
}
