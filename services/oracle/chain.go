package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"questledger/pkg/config"

	"github.com/go-resty/resty/v2"
)

//go:generate mockgen -source=chain.go -destination=mock_chain.go -package=oracle

var (
	ErrNotRegistered = errors.New("address is not registered on chain")
	ErrReverted      = errors.New("transaction reverted")
)

// Chain is the reward contract as seen through the oracle's RPC peer.
// memo is the dedupe key of the mirrored event.
type Chain interface {
	IsRegistered(ctx context.Context, address string) (bool, error)
	Mint(ctx context.Context, address string, amount int64, memo string) (string, error)
	RecordRedemption(ctx context.Context, address string, amount int64, shopRef, memo string) (string, error)
	RecordRefund(ctx context.Context, address string, amount int64, reason, memo string) (string, error)
	WaitForConfirmation(ctx context.Context, txHash string) error
}

// HTTPChain speaks JSON-RPC 2.0 to the oracle node.
type HTTPChain struct {
	rest     *resty.Client
	url      string
	contract string
	ids      atomic.Int64

	// PollInterval is the receipt polling period used while waiting for confirmation.
	PollInterval time.Duration
}

func NewHTTPChain(url, apiKey, contract string) *HTTPChain {
	rest := resty.New().
		SetTimeout(30*time.Second).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		rest.SetAuthToken(apiKey)
	}
	return &HTTPChain{
		rest:         rest,
		url:          url,
		contract:     contract,
		PollInterval: time.Second,
	}
}

func ProvideChain(cfg *config.Config) (Chain, error) {
	if cfg.Oracle.RPCURL == "" {
		return nil, errors.New("ORACLE.RPC_URL is required by the mirror worker")
	}
	return NewHTTPChain(cfg.Oracle.RPCURL, cfg.Oracle.APIKey, cfg.Oracle.Contract), nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *HTTPChain) call(ctx context.Context, method string, out any, params ...any) error {
	if params == nil {
		params = []any{}
	}

	var body rpcResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(rpcRequest{JSONRPC: "2.0", ID: c.ids.Add(1), Method: method, Params: params}).
		SetResult(&body).
		Post(c.url)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%s: unexpected status %d", method, resp.StatusCode())
	}
	if body.Error != nil {
		return fmt.Errorf("%s: %w", method, body.Error)
	}
	if out == nil || len(body.Result) == 0 {
		return nil
	}
	return json.Unmarshal(body.Result, out)
}

type transfer struct {
	Contract string `json:"contract,omitempty"`
	Account  string `json:"account"`
	Amount   int64  `json:"amount"`
	Ref      string `json:"ref,omitempty"`
	Memo     string `json:"memo"`
}

func (c *HTTPChain) IsRegistered(ctx context.Context, address string) (bool, error) {
	var ok bool
	err := c.call(ctx, "reward_isRegistered", &ok, address)
	return ok, err
}

func (c *HTTPChain) Mint(ctx context.Context, address string, amount int64, memo string) (string, error) {
	var hash string
	err := c.call(ctx, "reward_mint", &hash, transfer{Contract: c.contract, Account: address, Amount: amount, Memo: memo})
	return hash, err
}

func (c *HTTPChain) RecordRedemption(ctx context.Context, address string, amount int64, shopRef, memo string) (string, error) {
	var hash string
	err := c.call(ctx, "reward_recordRedemption", &hash, transfer{Contract: c.contract, Account: address, Amount: amount, Ref: shopRef, Memo: memo})
	return hash, err
}

func (c *HTTPChain) RecordRefund(ctx context.Context, address string, amount int64, reason, memo string) (string, error) {
	var hash string
	err := c.call(ctx, "reward_recordRefund", &hash, transfer{Contract: c.contract, Account: address, Amount: amount, Ref: reason, Memo: memo})
	return hash, err
}

type receipt struct {
	Status string `json:"status"`
}

// WaitForConfirmation polls for the receipt until it is mined or ctx ends.
func (c *HTTPChain) WaitForConfirmation(ctx context.Context, txHash string) error {
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	for {
		var r *receipt
		if err := c.call(ctx, "eth_getTransactionReceipt", &r, txHash); err != nil {
			return err
		}
		if r != nil {
			if r.Status == "0x1" {
				return nil
			}
			return fmt.Errorf("%w: %s", ErrReverted, txHash)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
