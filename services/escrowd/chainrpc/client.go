// Package chainrpc talks to the chain node that hosts the freelance job
// escrow instances. The orchestrator depends only on the NodeClient
// interface; production uses the JSON-RPC implementation, tests and local
// mode use the in-process node.
package chainrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// DeployRequest carries the escrow construction parameters. The value is the
// exact wei amount locked at construction; the nonce identifies the
// deployment so retries converge on one instance while distinct jobs never
// share one.
type DeployRequest struct {
	Client     string `json:"client"`
	Freelancer string `json:"freelancer"`
	DueDate    int64  `json:"dueDate"`
	ValueWei   string `json:"valueWei"`
	Nonce      string `json:"nonce"`
}

// DeployResponse reports the address of the deployed instance.
type DeployResponse struct {
	Address string `json:"address"`
}

// JobState mirrors the node's view of a deployed instance.
type JobState struct {
	Address       string `json:"address"`
	Client        string `json:"client"`
	Freelancer    string `json:"freelancer"`
	PaymentWei    string `json:"paymentWei"`
	DueDate       int64  `json:"dueDate"`
	ProofOfWork   string `json:"proofOfWork"`
	WorkSubmitted bool   `json:"workSubmitted"`
	WorkApproved  bool   `json:"workApproved"`
	Status        string `json:"status"`
	BalanceWei    string `json:"balanceWei"`
}

// NodeClient is the wallet/provider capability injected into the
// orchestrator. Every call awaits on-chain confirmation (or reports failure)
// before returning; there is no mid-flight abort.
type NodeClient interface {
	JobDeploy(ctx context.Context, req DeployRequest) (*DeployResponse, error)
	JobAccept(ctx context.Context, address, caller string) error
	JobSubmit(ctx context.Context, address, caller, proof string) error
	JobApprove(ctx context.Context, address, caller string) error
	JobRefund(ctx context.Context, address string) error
	JobGet(ctx context.Context, address string) (*JobState, error)
	WalletBalance(ctx context.Context, address string) (*big.Int, error)
}

// RPCNodeClient implements NodeClient against the node's JSON-RPC server.
type RPCNodeClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// NewRPCNodeClient constructs a client with a bounded submission timeout.
func NewRPCNodeClient(baseURL, authToken string) *RPCNodeClient {
	return &RPCNodeClient{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *RPCNodeClient) JobDeploy(ctx context.Context, req DeployRequest) (*DeployResponse, error) {
	var result DeployResponse
	if err := c.call(ctx, "escrowjob_deploy", []interface{}{req}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) JobAccept(ctx context.Context, address, caller string) error {
	params := map[string]string{"address": address, "caller": caller}
	return c.call(ctx, "escrowjob_accept", []interface{}{params}, nil)
}

func (c *RPCNodeClient) JobSubmit(ctx context.Context, address, caller, proof string) error {
	params := map[string]string{"address": address, "caller": caller, "proof": proof}
	return c.call(ctx, "escrowjob_submit", []interface{}{params}, nil)
}

func (c *RPCNodeClient) JobApprove(ctx context.Context, address, caller string) error {
	params := map[string]string{"address": address, "caller": caller}
	return c.call(ctx, "escrowjob_approve", []interface{}{params}, nil)
}

func (c *RPCNodeClient) JobRefund(ctx context.Context, address string) error {
	params := map[string]string{"address": address}
	return c.call(ctx, "escrowjob_refund", []interface{}{params}, nil)
}

func (c *RPCNodeClient) JobGet(ctx context.Context, address string) (*JobState, error) {
	var result JobState
	if err := c.call(ctx, "escrowjob_get", []interface{}{map[string]string{"address": address}}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) WalletBalance(ctx context.Context, address string) (*big.Int, error) {
	var result struct {
		BalanceWei string `json:"balanceWei"`
	}
	if err := c.call(ctx, "wallet_balance", []interface{}{map[string]string{"address": address}}, &result); err != nil {
		return nil, err
	}
	balance, ok := new(big.Int).SetString(strings.TrimSpace(result.BalanceWei), 10)
	if !ok {
		return nil, fmt.Errorf("chainrpc: invalid balance %q", result.BalanceWei)
	}
	return balance, nil
}

func (c *RPCNodeClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("node rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("node rpc error: %s", rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("node rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
