package chainrpc

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"freework/native/escrowjob"
)

// LocalNode implements NodeClient against an in-process escrow engine with an
// in-memory ledger. It backs the local/dev mode and is the test double for
// the orchestrator; confirmation is immediate because there is no network.
type LocalNode struct {
	engine *escrowjob.Engine
	ledger *escrowjob.MemoryLedger
}

// NewLocalNode constructs a node with an empty ledger.
func NewLocalNode() *LocalNode {
	ledger := escrowjob.NewMemoryLedger()
	engine := escrowjob.NewEngine()
	engine.SetState(ledger)
	return &LocalNode{engine: engine, ledger: ledger}
}

// Engine exposes the underlying engine so callers can pin the clock.
func (n *LocalNode) Engine() *escrowjob.Engine { return n.engine }

// FundAccount seeds an account balance, in wei.
func (n *LocalNode) FundAccount(address string, balance *big.Int) error {
	addr, err := parseAddress(address)
	if err != nil {
		return err
	}
	return n.ledger.SetBalance(addr, balance)
}

// AccountBalance reads an account balance, in wei.
func (n *LocalNode) AccountBalance(address string) (*big.Int, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	return n.ledger.GetBalance(addr)
}

func (n *LocalNode) JobDeploy(ctx context.Context, req DeployRequest) (*DeployResponse, error) {
	client, err := parseAddress(req.Client)
	if err != nil {
		return nil, err
	}
	freelancer, err := parseAddress(req.Freelancer)
	if err != nil {
		return nil, err
	}
	value, ok := new(big.Int).SetString(strings.TrimSpace(req.ValueWei), 10)
	if !ok {
		return nil, fmt.Errorf("chainrpc: invalid deploy value %q", req.ValueWei)
	}
	job, err := n.engine.Deploy(client, freelancer, req.DueDate, value, req.Nonce)
	if err != nil {
		return nil, err
	}
	return &DeployResponse{Address: formatAddress(job.Address)}, nil
}

func (n *LocalNode) JobAccept(ctx context.Context, address, caller string) error {
	addr, callerAddr, err := parsePair(address, caller)
	if err != nil {
		return err
	}
	return n.engine.AcceptJob(addr, callerAddr)
}

func (n *LocalNode) JobSubmit(ctx context.Context, address, caller, proof string) error {
	addr, callerAddr, err := parsePair(address, caller)
	if err != nil {
		return err
	}
	return n.engine.SubmitWork(addr, callerAddr, proof)
}

func (n *LocalNode) JobApprove(ctx context.Context, address, caller string) error {
	addr, callerAddr, err := parsePair(address, caller)
	if err != nil {
		return err
	}
	return n.engine.ApproveWork(addr, callerAddr)
}

func (n *LocalNode) JobRefund(ctx context.Context, address string) error {
	addr, err := parseAddress(address)
	if err != nil {
		return err
	}
	return n.engine.RefundIfExpired(addr)
}

func (n *LocalNode) JobGet(ctx context.Context, address string) (*JobState, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	job, err := n.engine.JobGet(addr)
	if err != nil {
		return nil, err
	}
	held, err := n.engine.ContractBalance(addr)
	if err != nil {
		return nil, err
	}
	return &JobState{
		Address:       formatAddress(job.Address),
		Client:        formatAddress(job.Client),
		Freelancer:    formatAddress(job.Freelancer),
		PaymentWei:    job.Payment.String(),
		DueDate:       job.DueDate,
		ProofOfWork:   job.ProofOfWork,
		WorkSubmitted: job.WorkSubmitted,
		WorkApproved:  job.WorkApproved,
		Status:        job.Status.String(),
		BalanceWei:    held.String(),
	}, nil
}

func (n *LocalNode) WalletBalance(ctx context.Context, address string) (*big.Int, error) {
	return n.AccountBalance(address)
}

func parsePair(address, caller string) ([20]byte, [20]byte, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return [20]byte{}, [20]byte{}, err
	}
	callerAddr, err := parseAddress(caller)
	if err != nil {
		return [20]byte{}, [20]byte{}, err
	}
	return addr, callerAddr, nil
}

func parseAddress(raw string) ([20]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return [20]byte{}, fmt.Errorf("chainrpc: invalid address %q", raw)
	}
	return [20]byte(common.HexToAddress(trimmed)), nil
}

func formatAddress(addr [20]byte) string {
	return common.Address(addr).Hex()
}
