package escrowjob

import (
	"bytes"
	"errors"
	"math/big"
	"testing"
)

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func newTestEngine(t *testing.T, now int64) (*Engine, *MemoryLedger) {
	t.Helper()
	ledger := NewMemoryLedger()
	engine := NewEngine()
	engine.SetState(ledger)
	engine.SetNowFunc(func() int64 { return now })
	return engine, ledger
}

type captureEmitter struct {
	events []Event
}

func (c *captureEmitter) Emit(evt Event) { c.events = append(c.events, evt) }

func fundedJob(t *testing.T, engine *Engine, ledger *MemoryLedger) (*Job, [20]byte, [20]byte) {
	t.Helper()
	client := newTestAddress(0x01)
	freelancer := newTestAddress(0x02)
	if err := ledger.SetBalance(client, big.NewInt(1_000)); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	job, err := engine.Deploy(client, freelancer, 500, big.NewInt(400), "bid-1")
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	return job, client, freelancer
}

func TestDeployLocksPayment(t *testing.T) {
	engine, ledger := newTestEngine(t, 100)
	job, client, _ := fundedJob(t, engine, ledger)

	if job.Status != JobFunded {
		t.Fatalf("expected funded status, got %s", job.Status)
	}
	balance, _ := ledger.GetBalance(client)
	if balance.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("client balance = %s, want 600", balance)
	}
	held, err := engine.ContractBalance(job.Address)
	if err != nil {
		t.Fatalf("contract balance: %v", err)
	}
	if held.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("held = %s, want 400", held)
	}
}

func TestDeployValidation(t *testing.T) {
	engine, ledger := newTestEngine(t, 100)
	client := newTestAddress(0x01)
	freelancer := newTestAddress(0x02)
	if err := ledger.SetBalance(client, big.NewInt(1_000)); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	if _, err := engine.Deploy(client, freelancer, 100, big.NewInt(10), "bid-1"); err == nil {
		t.Fatal("expected error for due date not strictly in the future")
	}
	if _, err := engine.Deploy(client, freelancer, 500, big.NewInt(0), "bid-1"); err == nil {
		t.Fatal("expected error for zero payment")
	}
	if _, err := engine.Deploy(client, freelancer, 500, big.NewInt(-5), "bid-1"); err == nil {
		t.Fatal("expected error for negative payment")
	}
	if _, err := engine.Deploy(client, freelancer, 500, big.NewInt(400), ""); err == nil {
		t.Fatal("expected error for missing nonce")
	}
	if _, err := engine.Deploy(client, freelancer, 500, big.NewInt(2_000), "bid-1"); !errors.Is(err, ErrInsufficient) {
		t.Fatalf("expected ErrInsufficient, got %v", err)
	}
}

func TestDeployIdempotentPerNonce(t *testing.T) {
	engine, ledger := newTestEngine(t, 100)
	job, client, freelancer := fundedJob(t, engine, ledger)

	again, err := engine.Deploy(client, freelancer, 500, big.NewInt(400), "bid-1")
	if err != nil {
		t.Fatalf("duplicate deploy: %v", err)
	}
	if again.Address != job.Address {
		t.Fatalf("duplicate deploy returned different address")
	}
	balance, _ := ledger.GetBalance(client)
	if balance.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("duplicate deploy debited again: balance %s", balance)
	}

	// Reusing a nonce with a different definition must be rejected.
	if _, err := engine.Deploy(client, freelancer, 900, big.NewInt(400), "bid-1"); err == nil {
		t.Fatal("expected error for nonce reuse with different definition")
	}
}

func TestDeployDistinctNoncesGetDistinctInstances(t *testing.T) {
	engine, ledger := newTestEngine(t, 100)
	job, client, freelancer := fundedJob(t, engine, ledger)

	// Same freelancer, payment and due date: only the nonce differs. Each
	// deployment must fund its own instance.
	other, err := engine.Deploy(client, freelancer, 500, big.NewInt(400), "bid-2")
	if err != nil {
		t.Fatalf("second deploy: %v", err)
	}
	if other.Address == job.Address {
		t.Fatalf("distinct nonces converged on one instance %x", job.Address)
	}
	balance, _ := ledger.GetBalance(client)
	if balance.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("client balance = %s, want 200 after two 400 deposits", balance)
	}
	for _, addr := range [][20]byte{job.Address, other.Address} {
		held, err := engine.ContractBalance(addr)
		if err != nil {
			t.Fatalf("contract balance: %v", err)
		}
		if held.Cmp(big.NewInt(400)) != 0 {
			t.Fatalf("held = %s, want 400 in each instance", held)
		}
	}
}

func TestAcceptJobGuards(t *testing.T) {
	engine, ledger := newTestEngine(t, 100)
	job, client, freelancer := fundedJob(t, engine, ledger)

	if err := engine.AcceptJob(job.Address, client); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("client accept: expected ErrUnauthorized, got %v", err)
	}
	if err := engine.AcceptJob(job.Address, freelancer); err != nil {
		t.Fatalf("accept: %v", err)
	}
	// Repeat is a no-op.
	if err := engine.AcceptJob(job.Address, freelancer); err != nil {
		t.Fatalf("repeat accept: %v", err)
	}
	stored, _ := engine.JobGet(job.Address)
	if stored.Status != JobAccepted {
		t.Fatalf("status = %s, want accepted", stored.Status)
	}
}

func TestSubmitWorkStoresProofOnce(t *testing.T) {
	engine, ledger := newTestEngine(t, 100)
	job, _, freelancer := fundedJob(t, engine, ledger)

	if err := engine.SubmitWork(job.Address, freelancer, "ipfs://proof"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("submit before accept: expected ErrInvalidState, got %v", err)
	}
	if err := engine.AcceptJob(job.Address, freelancer); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := engine.SubmitWork(job.Address, freelancer, ""); err == nil {
		t.Fatal("expected error for empty proof")
	}
	if err := engine.SubmitWork(job.Address, freelancer, "ipfs://proof"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := engine.SubmitWork(job.Address, freelancer, "ipfs://proof"); err != nil {
		t.Fatalf("identical resubmit should be a no-op: %v", err)
	}
	if err := engine.SubmitWork(job.Address, freelancer, "ipfs://other"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("conflicting resubmit: expected ErrInvalidState, got %v", err)
	}
	stored, _ := engine.JobGet(job.Address)
	if !stored.WorkSubmitted || stored.ProofOfWork != "ipfs://proof" {
		t.Fatalf("proof not stored: %+v", stored)
	}
}

func TestApproveWorkTransfersPaymentAtomically(t *testing.T) {
	engine, ledger := newTestEngine(t, 100)
	emitter := &captureEmitter{}
	engine.SetEmitter(emitter)
	job, client, freelancer := fundedJob(t, engine, ledger)

	if err := engine.AcceptJob(job.Address, freelancer); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := engine.SubmitWork(job.Address, freelancer, "proof"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := engine.ApproveWork(job.Address, freelancer); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("freelancer approve: expected ErrUnauthorized, got %v", err)
	}
	if err := engine.ApproveWork(job.Address, client); err != nil {
		t.Fatalf("approve: %v", err)
	}
	// Repeat approval is a no-op and must not transfer again.
	if err := engine.ApproveWork(job.Address, client); err != nil {
		t.Fatalf("repeat approve: %v", err)
	}

	balance, _ := ledger.GetBalance(freelancer)
	if balance.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("freelancer balance = %s, want 400", balance)
	}
	held, _ := engine.ContractBalance(job.Address)
	if held.Sign() != 0 {
		t.Fatalf("held after approval = %s, want 0", held)
	}
	stored, _ := engine.JobGet(job.Address)
	if !stored.WorkApproved || stored.Status != JobWorkApproved {
		t.Fatalf("approval flag not set: %+v", stored)
	}
	var approvals int
	for _, evt := range emitter.events {
		if evt.Type == EventTypeWorkApproved {
			approvals++
		}
	}
	if approvals != 1 {
		t.Fatalf("approval events = %d, want 1", approvals)
	}
}

func TestRefundIfExpired(t *testing.T) {
	now := int64(100)
	engine, ledger := newTestEngine(t, now)
	engine.SetNowFunc(func() int64 { return now })
	job, client, freelancer := fundedJob(t, engine, ledger)

	if err := engine.RefundIfExpired(job.Address); !errors.Is(err, ErrNotExpired) {
		t.Fatalf("early refund: expected ErrNotExpired, got %v", err)
	}

	now = 501
	// Anyone may trigger the expiry refund.
	if err := engine.RefundIfExpired(job.Address); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if err := engine.RefundIfExpired(job.Address); err != nil {
		t.Fatalf("repeat refund should be a no-op: %v", err)
	}

	balance, _ := ledger.GetBalance(client)
	if balance.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("client balance = %s, want full 1000 back", balance)
	}
	if err := engine.ApproveWork(job.Address, client); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("approve after refund: expected ErrInvalidState, got %v", err)
	}
	_ = freelancer
}

func TestApproveAndRefundMutuallyExclusive(t *testing.T) {
	now := int64(100)
	engine, ledger := newTestEngine(t, now)
	engine.SetNowFunc(func() int64 { return now })
	job, client, freelancer := fundedJob(t, engine, ledger)

	if err := engine.AcceptJob(job.Address, freelancer); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := engine.SubmitWork(job.Address, freelancer, "proof"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := engine.ApproveWork(job.Address, client); err != nil {
		t.Fatalf("approve: %v", err)
	}

	now = 10_000
	if err := engine.RefundIfExpired(job.Address); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("refund after approval: expected ErrInvalidState, got %v", err)
	}
	balance, _ := ledger.GetBalance(freelancer)
	if balance.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("freelancer balance changed by refund attempt: %s", balance)
	}
}

func TestJobGetUnknownAddress(t *testing.T) {
	engine, _ := newTestEngine(t, 100)
	if _, err := engine.JobGet(newTestAddress(0xEE)); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}
