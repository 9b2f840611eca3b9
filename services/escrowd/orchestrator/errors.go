package orchestrator

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// Transition names the business operation being attempted; it is carried on
// every typed error so operators can reconcile manually.
type Transition string

const (
	TransitionSendContract Transition = "send_contract"
	TransitionAcceptJob    Transition = "accept_job"
	TransitionManualAccept Transition = "manual_accept"
	TransitionSubmitWork   Transition = "submit_work"
	TransitionApproveWork  Transition = "approve_work"
	TransitionRejectBid    Transition = "reject_bid"
)

// ValidationError reports a request rejected before any side effect: bad
// deadline, bad amount, bad address, or a precondition the record can never
// satisfy.
type ValidationError struct {
	BidID      uuid.UUID
	Transition Transition
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("bid %s: %s: %s", e.BidID, e.Transition, e.Reason)
}

// InsufficientFundsError reports that the funding wallet cannot cover the
// payment plus the gas estimate. Surfaced before any chain call is attempted.
type InsufficientFundsError struct {
	BidID      uuid.UUID
	Transition Transition
	Need       *big.Int
	Have       *big.Int
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("bid %s: %s: funding wallet holds %s wei, needs %s wei", e.BidID, e.Transition, e.Have, e.Need)
}

// ChainRejectionError reports a contract call that reverted or a transaction
// that failed to confirm. The bid record is left unchanged; the caller may
// retry after inspecting current on-chain state.
type ChainRejectionError struct {
	BidID      uuid.UUID
	Transition Transition
	Err        error
}

func (e *ChainRejectionError) Error() string {
	return fmt.Sprintf("bid %s: %s: chain call rejected: %v", e.BidID, e.Transition, e.Err)
}

func (e *ChainRejectionError) Unwrap() error { return e.Err }

// StaleStateError reports that the record already advanced past the expected
// pre-state. It never escapes the orchestrator: operations resolve it to a
// success no-op so retries stay idempotent. It exists as a type so the guard
// can account for the case distinctly.
type StaleStateError struct {
	BidID      uuid.UUID
	Transition Transition
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("bid %s: %s: record already advanced past expected pre-state", e.BidID, e.Transition)
}

// ReconciliationGapError reports the dangerous half-success: the chain call
// confirmed but the bid record write failed. It must never be retried
// blindly — the contract address is carried here so an operator can
// reconcile the stores manually.
type ReconciliationGapError struct {
	BidID           uuid.UUID
	Transition      Transition
	ContractAddress string
	Err             error
}

func (e *ReconciliationGapError) Error() string {
	return fmt.Sprintf("bid %s: %s: chain confirmed (contract %s) but record write failed: %v",
		e.BidID, e.Transition, e.ContractAddress, e.Err)
}

func (e *ReconciliationGapError) Unwrap() error { return e.Err }
