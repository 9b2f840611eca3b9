package escrowjob

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	errNilState     = errors.New("escrowjob engine: state not configured")
	ErrJobNotFound  = errors.New("escrowjob engine: job not found")
	ErrUnauthorized = errors.New("escrowjob: unauthorized caller")
	ErrInvalidState = errors.New("escrowjob: invalid state for transition")
	ErrNotExpired   = errors.New("escrowjob: due date not reached")
	ErrInsufficient = errors.New("escrowjob: insufficient balance")
)

// ledgerState is the narrow view of account and escrow balances the engine
// requires. Balances are denominated in wei.
type ledgerState interface {
	JobPut(*Job) error
	JobGet(addr [20]byte) (*Job, bool)
	GetBalance(addr [20]byte) (*big.Int, error)
	SetBalance(addr [20]byte, amount *big.Int) error
	JobCredit(addr [20]byte, amount *big.Int) error
	JobDebit(addr [20]byte, amount *big.Int) error
	JobBalance(addr [20]byte) (*big.Int, error)
}

// Engine drives the freelance job escrow state machine. Each transition
// either applies fully or reverts; the funds transfer and the status flag are
// updated within the same operation so a paid-but-not-approved (or the
// reverse) state is unreachable.
type Engine struct {
	state   ledgerState
	emitter Emitter
	nowFn   func() int64
}

// NewEngine creates an engine with a no-op emitter and wall-clock time.
func NewEngine() *Engine {
	return &Engine{
		emitter: NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the ledger backend used by the engine.
func (e *Engine) SetState(state ledgerState) { e.state = state }

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter Emitter) {
	if emitter == nil {
		e.emitter = NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(event Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(event)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// JobAddress derives the deterministic instance address from the deployer and
// the caller-supplied nonce. Parameters like due date or payment deliberately
// do not feed the derivation: two unrelated jobs may share all of them, and
// only the nonce distinguishes one instance from another.
func JobAddress(client [20]byte, nonce string) [20]byte {
	digest := ethcrypto.Keccak256(client[:], []byte(nonce))
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr
}

func (e *Engine) loadJob(addr [20]byte) (*Job, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	job, ok := e.state.JobGet(addr)
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (e *Engine) storeJob(job *Job) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.JobPut(job)
}

// Deploy constructs a new escrow instance, moving value from the client's
// account into the instance. The due date must be strictly in the future and
// the value strictly positive. The nonce identifies the deployment: repeating
// a deploy with the same nonce and definition returns the existing instance
// without locking funds again, while reusing a nonce with a different
// definition is rejected.
func (e *Engine) Deploy(client, freelancer [20]byte, dueDate int64, value *big.Int, nonce string) (*Job, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	amount := cloneBigInt(value)
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("escrowjob: payment must be positive")
	}
	if nonce == "" {
		return nil, fmt.Errorf("escrowjob: deploy nonce required")
	}
	now := e.now()
	if dueDate <= now {
		return nil, fmt.Errorf("escrowjob: due date must be in the future")
	}
	addr := JobAddress(client, nonce)
	if existing, ok := e.state.JobGet(addr); ok {
		if existing.Client != client || existing.Freelancer != freelancer || existing.DueDate != dueDate || existing.Payment.Cmp(amount) != 0 || existing.Nonce != nonce {
			return nil, fmt.Errorf("escrowjob: nonce reuse with different definition")
		}
		return existing, nil
	}
	balance, err := e.state.GetBalance(client)
	if err != nil {
		return nil, err
	}
	if cloneBigInt(balance).Cmp(amount) < 0 {
		return nil, ErrInsufficient
	}
	job := &Job{
		Address:    addr,
		Client:     client,
		Freelancer: freelancer,
		Nonce:      nonce,
		Payment:    amount,
		DueDate:    dueDate,
		CreatedAt:  now,
		Status:     JobFunded,
	}
	sanitized, err := SanitizeJob(job)
	if err != nil {
		return nil, err
	}
	if err := e.state.SetBalance(client, new(big.Int).Sub(balance, amount)); err != nil {
		return nil, err
	}
	if err := e.state.JobCredit(addr, amount); err != nil {
		return nil, err
	}
	if err := e.storeJob(sanitized); err != nil {
		return nil, err
	}
	return sanitized.Clone(), nil
}

// AcceptJob transitions the instance from funded to accepted. Only the
// freelancer may call it. Repeating a completed acceptance is a no-op.
func (e *Engine) AcceptJob(addr, caller [20]byte) error {
	job, err := e.loadJob(addr)
	if err != nil {
		return err
	}
	if caller != job.Freelancer {
		return ErrUnauthorized
	}
	if job.Status == JobAccepted {
		return nil
	}
	if job.Status != JobFunded {
		return fmt.Errorf("%w: acceptJob in status %s", ErrInvalidState, job.Status)
	}
	job.Status = JobAccepted
	if err := e.storeJob(job); err != nil {
		return err
	}
	e.emit(NewJobAcceptedEvent(job))
	return nil
}

// SubmitWork records the proof of work and marks the instance submitted. The
// proof is settable exactly once; repeating an identical submission is a
// no-op.
func (e *Engine) SubmitWork(addr, caller [20]byte, proof string) error {
	job, err := e.loadJob(addr)
	if err != nil {
		return err
	}
	if caller != job.Freelancer {
		return ErrUnauthorized
	}
	if proof == "" {
		return fmt.Errorf("escrowjob: proof must be non-empty")
	}
	if job.WorkSubmitted {
		if job.Status == JobWorkSubmitted && job.ProofOfWork == proof {
			return nil
		}
		return fmt.Errorf("%w: submitWork after submission", ErrInvalidState)
	}
	if job.Status != JobAccepted {
		return fmt.Errorf("%w: submitWork in status %s", ErrInvalidState, job.Status)
	}
	job.ProofOfWork = proof
	job.WorkSubmitted = true
	job.Status = JobWorkSubmitted
	if err := e.storeJob(job); err != nil {
		return err
	}
	e.emit(NewWorkSubmittedEvent(job))
	return nil
}

// ApproveWork releases the full payment to the freelancer and marks the work
// approved. Only the client may call it. Repeating a completed approval is a
// no-op; approval after a refund reverts.
func (e *Engine) ApproveWork(addr, caller [20]byte) error {
	job, err := e.loadJob(addr)
	if err != nil {
		return err
	}
	if caller != job.Client {
		return ErrUnauthorized
	}
	if job.Status == JobWorkApproved {
		return nil
	}
	if job.Status != JobWorkSubmitted {
		return fmt.Errorf("%w: approveWork in status %s", ErrInvalidState, job.Status)
	}
	if err := e.payout(job, job.Freelancer); err != nil {
		return err
	}
	job.WorkApproved = true
	job.Status = JobWorkApproved
	if err := e.storeJob(job); err != nil {
		return err
	}
	e.emit(NewWorkApprovedEvent(job))
	return nil
}

// RefundIfExpired returns the full payment to the client once the due date
// has passed without approval. Callable by anyone so an unresponsive client
// cannot strand the freelancer's counterparty funds. Repeats are no-ops.
func (e *Engine) RefundIfExpired(addr [20]byte) error {
	job, err := e.loadJob(addr)
	if err != nil {
		return err
	}
	if job.Status == JobRefunded {
		return nil
	}
	if job.WorkApproved || job.Status == JobWorkApproved {
		return fmt.Errorf("%w: refund after approval", ErrInvalidState)
	}
	if e.now() <= job.DueDate {
		return ErrNotExpired
	}
	if err := e.payout(job, job.Client); err != nil {
		return err
	}
	job.Status = JobRefunded
	if err := e.storeJob(job); err != nil {
		return err
	}
	e.emit(NewFundsRefundedEvent(job))
	return nil
}

// JobGet returns a copy of the stored instance.
func (e *Engine) JobGet(addr [20]byte) (*Job, error) {
	job, err := e.loadJob(addr)
	if err != nil {
		return nil, err
	}
	return job.Clone(), nil
}

// ContractBalance reports the wei held by the instance.
func (e *Engine) ContractBalance(addr [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if _, err := e.loadJob(addr); err != nil {
		return nil, err
	}
	balance, err := e.state.JobBalance(addr)
	if err != nil {
		return nil, err
	}
	return cloneBigInt(balance), nil
}

func (e *Engine) payout(job *Job, recipient [20]byte) error {
	amount := cloneBigInt(job.Payment)
	if amount.Sign() <= 0 {
		return fmt.Errorf("escrowjob: payment must be positive")
	}
	held, err := e.state.JobBalance(job.Address)
	if err != nil {
		return err
	}
	if cloneBigInt(held).Cmp(amount) < 0 {
		return ErrInsufficient
	}
	if err := e.state.JobDebit(job.Address, amount); err != nil {
		return err
	}
	balance, err := e.state.GetBalance(recipient)
	if err != nil {
		return err
	}
	return e.state.SetBalance(recipient, new(big.Int).Add(cloneBigInt(balance), amount))
}
