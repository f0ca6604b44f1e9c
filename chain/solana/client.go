// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package solana implements the chain client for the Solana function
// program over JSON-RPC and websocket log subscriptions.
package solana

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/mr-tron/base58"
	"golang.org/x/time/rate"

	"github.com/switchboard-xyz/function-manager/chain"
	"github.com/switchboard-xyz/function-manager/workload"
)

const (
	defaultRequestsPerSecond = 20
	defaultConfirmTimeout    = 60 * time.Second
	confirmPollInterval      = 500 * time.Millisecond
	// -32005 node behind, -32004 block not available, -32007 slot skipped
	rpcCodeNodeBehind       = -32005
	rpcCodeBlockUnavailable = -32004
	rpcCodeSlotSkipped      = -32007
)

type Config struct {
	RPCURL            string
	WSURL             string
	ProgramID         workload.Address
	RequestsPerSecond float64
	ConfirmTimeout    time.Duration
	Logger            *slog.Logger
	// HTTPClient overrides the retrying HTTP client
	HTTPClient *http.Client
}

// Client is a chain.Client for Solana.
type Client struct {
	config    Config
	logger    *slog.Logger
	rpc       *rpc.Client
	limiter   *rate.Limiter
	programID [32]byte
}

var _ chain.Client = (*Client)(nil)

func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("solana: rpc url is required")
	}
	programID, err := pubkeyFromAddress(cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("solana: program id: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSecond
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	if cfg.WSURL == "" {
		cfg.WSURL = websocketURL(cfg.RPCURL)
	}
	logger := cfg.Logger.With("component", "chain", "chain", string(chain.ChainSolana))
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		retryClient := retryablehttp.NewClient()
		retryClient.RetryMax = 3
		retryClient.RetryWaitMin = 200 * time.Millisecond
		retryClient.RetryWaitMax = 2 * time.Second
		retryClient.Logger = logger
		httpClient = retryClient.StandardClient()
		httpClient.Timeout = 30 * time.Second
	}
	rpcClient, err := rpc.DialOptions(ctx, cfg.RPCURL, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("solana: dial %s: %w", cfg.RPCURL, err)
	}
	return &Client{
		config:    cfg,
		logger:    logger,
		rpc:       rpcClient,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)),
		programID: programID,
	}, nil
}

func websocketURL(rpcURL string) string {
	switch {
	case strings.HasPrefix(rpcURL, "https://"):
		return "wss://" + strings.TrimPrefix(rpcURL, "https://")
	case strings.HasPrefix(rpcURL, "http://"):
		return "ws://" + strings.TrimPrefix(rpcURL, "http://")
	default:
		return rpcURL
	}
}

func (c *Client) Close() {
	c.rpc.Close()
}

func (c *Client) Chain() chain.Chain {
	return chain.ChainSolana
}

// call performs a rate limited JSON-RPC call and classifies failures.
func (c *Client) call(ctx context.Context, out any, method string, args ...any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	err := c.rpc.CallContext(ctx, out, method, args...)
	if err == nil {
		return nil
	}
	return classify(method, err)
}

func classify(method string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500 {
			return chain.Transient(fmt.Errorf("%s: %w", method, err))
		}
		return fmt.Errorf("%w: %s: %w", chain.ErrPermanent, method, err)
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case rpcCodeNodeBehind, rpcCodeBlockUnavailable, rpcCodeSlotSkipped:
			return chain.Transient(fmt.Errorf("%s: %w", method, err))
		}
		msg := strings.ToLower(rpcErr.Error())
		if strings.Contains(msg, "insufficient funds") ||
			strings.Contains(msg, "insufficient lamports") {
			return fmt.Errorf("%w: %s: %w", chain.ErrInsufficientFunds, method, err)
		}
		return fmt.Errorf("%w: %s: %w", chain.ErrPermanent, method, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return chain.Transient(fmt.Errorf("%s: %w", method, err))
	}
	return fmt.Errorf("%w: %s: %w", chain.ErrPermanent, method, err)
}

type commitmentConfig struct {
	Commitment string `json:"commitment,omitempty"`
}

type accountInfo struct {
	Data     []string `json:"data"`
	Lamports uint64   `json:"lamports"`
	Owner    string   `json:"owner"`
}

func (a *accountInfo) decodeData() ([]byte, error) {
	if len(a.Data) == 0 {
		return nil, fmt.Errorf("%w: empty account data", chain.ErrDecoding)
	}
	raw, err := base64.StdEncoding.DecodeString(a.Data[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", chain.ErrDecoding, err)
	}
	return raw, nil
}

type memcmp struct {
	Offset int    `json:"offset"`
	Bytes  string `json:"bytes"`
}

type programAccountsFilter struct {
	Memcmp *memcmp `json:"memcmp,omitempty"`
}

func memcmpFilter(offset int, data []byte) programAccountsFilter {
	return programAccountsFilter{Memcmp: &memcmp{Offset: offset, Bytes: base58.Encode(data)}}
}

// filtersFor builds the server-side filters for a query.
func filtersFor(filter chain.Filter) ([]programAccountsFilter, error) {
	disc, err := discriminatorForKind(filter.Kind)
	if err != nil {
		return nil, err
	}
	ret := []programAccountsFilter{memcmpFilter(0, disc[:])}
	var queue *[32]byte
	if filter.Queue != "" {
		pk, err := pubkeyFromAddress(filter.Queue)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", chain.ErrPermanent, err)
		}
		queue = &pk
	}
	var queueIdx []byte
	if filter.QueueIdx != nil {
		queueIdx = binary.LittleEndian.AppendUint32(nil, *filter.QueueIdx)
	}
	switch filter.Kind {
	case workload.KindFunction:
		if queue != nil {
			ret = append(ret, memcmpFilter(functionQueueOffset, queue[:]))
		}
		if queueIdx != nil {
			ret = append(ret, memcmpFilter(functionQueueIdxOffset, queueIdx))
		}
		if filter.TriggeredOnly {
			ret = append(ret, memcmpFilter(functionIsTriggeredOffset, []byte{1}))
		}
	case workload.KindRoutine, workload.KindRequest:
		if queue != nil {
			ret = append(ret, memcmpFilter(childQueueOffset, queue[:]))
		}
		if queueIdx != nil {
			ret = append(ret, memcmpFilter(childQueueIdxOffset, queueIdx))
		}
		if filter.TriggeredOnly && filter.Kind == workload.KindRequest {
			ret = append(ret, memcmpFilter(requestIsTriggeredOffset, []byte{1}))
		}
	case workload.KindVerifier:
		if queue != nil {
			ret = append(ret, memcmpFilter(verifierQueueOffset, queue[:]))
		}
	}
	return ret, nil
}

func (c *Client) FetchProgramAccounts(ctx context.Context, filter chain.Filter) ([]chain.KeyedAccount, error) {
	filters, err := filtersFor(filter)
	if err != nil {
		return nil, err
	}
	var resp []struct {
		Pubkey  string      `json:"pubkey"`
		Account accountInfo `json:"account"`
	}
	err = c.call(ctx, &resp, "getProgramAccounts",
		base58.Encode(c.programID[:]),
		map[string]any{
			"encoding":   "base64",
			"commitment": string(chain.CommitmentConfirmed),
			"filters":    filters,
		},
	)
	if err != nil {
		return nil, err
	}
	ret := make([]chain.KeyedAccount, 0, len(resp))
	for _, item := range resp {
		key := workload.Address(item.Pubkey)
		data, err := item.Account.decodeData()
		if err != nil {
			c.logger.Debug("skipping undecodable account", "key", key, "error", err)
			continue
		}
		acct, err := decodeAccount(key, data)
		if err != nil {
			c.logger.Debug("skipping undecodable account", "key", key, "error", err)
			continue
		}
		ret = append(ret, chain.KeyedAccount{Key: key, Account: acct})
	}
	return ret, nil
}

func (c *Client) FetchAccount(ctx context.Context, key workload.Address) (workload.Account, error) {
	var resp struct {
		Value *accountInfo `json:"value"`
	}
	err := c.call(ctx, &resp, "getAccountInfo",
		string(key),
		map[string]any{
			"encoding":   "base64",
			"commitment": string(chain.CommitmentConfirmed),
		},
	)
	if err != nil {
		return nil, err
	}
	if resp.Value == nil {
		return nil, fmt.Errorf("%w: %s", chain.ErrNotFound, key)
	}
	data, err := resp.Value.decodeData()
	if err != nil {
		return nil, err
	}
	return decodeAccount(key, data)
}

func (c *Client) CurrentSlot(ctx context.Context, commitment chain.Commitment) (uint64, error) {
	var slot uint64
	if err := c.call(ctx, &slot, "getSlot", commitmentConfig{Commitment: string(commitment)}); err != nil {
		return 0, err
	}
	return slot, nil
}

func (c *Client) RecentBlockhash(ctx context.Context, commitment chain.Commitment) (string, error) {
	var resp struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := c.call(ctx, &resp, "getLatestBlockhash", commitmentConfig{Commitment: string(commitment)}); err != nil {
		return "", err
	}
	return resp.Value.Blockhash, nil
}

// Balance returns the balance in lamports.
func (c *Client) Balance(ctx context.Context, key workload.Address) (uint64, error) {
	var resp struct {
		Value uint64 `json:"value"`
	}
	err := c.call(ctx, &resp, "getBalance",
		string(key),
		commitmentConfig{Commitment: string(chain.CommitmentProcessed)},
	)
	if err != nil {
		return 0, err
	}
	return resp.Value, nil
}

func (c *Client) compile(ctx context.Context, tx *chain.Transaction) (*message, error) {
	if tx.Payer == nil {
		return nil, fmt.Errorf("%w: transaction has no payer", chain.ErrPermanent)
	}
	var payer [32]byte
	copy(payer[:], tx.Payer.PublicKey())
	builder := &instructionBuilder{programID: c.programID, payer: payer}
	ixs := make([]instruction, 0, len(tx.Instructions))
	for _, ix := range tx.Instructions {
		built, err := builder.build(ix)
		if err != nil {
			return nil, err
		}
		ixs = append(ixs, built)
	}
	blockhash := tx.Blockhash
	if blockhash == "" {
		var err error
		blockhash, err = c.RecentBlockhash(ctx, chain.CommitmentConfirmed)
		if err != nil {
			return nil, err
		}
	}
	return compileMessage(payer, blockhash, ixs)
}

func (c *Client) SubmitTransaction(ctx context.Context, tx *chain.Transaction, commitment chain.Commitment) (chain.Signature, error) {
	msg, err := c.compile(ctx, tx)
	if err != nil {
		return "", err
	}
	signers := append([]chain.Signer{tx.Payer}, tx.Signers...)
	raw, _, err := signTransaction(msg, signers, true)
	if err != nil {
		return "", err
	}
	var sig string
	err = c.call(ctx, &sig, "sendTransaction",
		base64.StdEncoding.EncodeToString(raw),
		map[string]any{
			"encoding":            "base64",
			"preflightCommitment": string(commitment),
		},
	)
	if err != nil {
		return "", err
	}
	return chain.Signature(sig), nil
}

type signatureStatus struct {
	ConfirmationStatus string `json:"confirmationStatus"`
	Err                any    `json:"err"`
}

func (c *Client) Confirm(ctx context.Context, sig chain.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.ConfirmTimeout)
	defer cancel()
	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()
	for {
		var resp struct {
			Value []*signatureStatus `json:"value"`
		}
		err := c.call(ctx, &resp, "getSignatureStatuses",
			[]string{string(sig)},
			map[string]any{"searchTransactionHistory": true},
		)
		if err != nil && !chain.IsTransient(err) {
			return err
		}
		if err == nil && len(resp.Value) > 0 && resp.Value[0] != nil {
			status := resp.Value[0]
			if status.Err != nil {
				return fmt.Errorf("%w: transaction %s failed: %v", chain.ErrPermanent, sig, status.Err)
			}
			switch chain.Commitment(status.ConfirmationStatus) {
			case chain.CommitmentConfirmed, chain.CommitmentFinalized:
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return chain.Transient(fmt.Errorf("confirm %s: %w", sig, ctx.Err()))
		case <-ticker.C:
		}
	}
}

func (c *Client) EstimateCost(ctx context.Context, tx *chain.Transaction) (uint64, error) {
	msg, err := c.compile(ctx, tx)
	if err != nil {
		return 0, err
	}
	raw, _, err := signTransaction(msg, nil, false)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Value struct {
			Err           any      `json:"err"`
			Logs          []string `json:"logs"`
			UnitsConsumed uint64   `json:"unitsConsumed"`
		} `json:"value"`
	}
	err = c.call(ctx, &resp, "simulateTransaction",
		base64.StdEncoding.EncodeToString(raw),
		map[string]any{
			"encoding":               "base64",
			"sigVerify":              false,
			"replaceRecentBlockhash": true,
			"commitment":             string(chain.CommitmentProcessed),
		},
	)
	if err != nil {
		return 0, err
	}
	if resp.Value.Err != nil {
		detail := fmt.Sprintf("%v", resp.Value.Err)
		for _, line := range resp.Value.Logs {
			if strings.Contains(strings.ToLower(line), "insufficient") {
				return 0, fmt.Errorf("%w: %s", chain.ErrInsufficientFunds, line)
			}
		}
		if strings.Contains(detail, "InsufficientFunds") {
			return 0, fmt.Errorf("%w: %s", chain.ErrInsufficientFunds, detail)
		}
		return 0, fmt.Errorf("%w: %s", chain.ErrSimulationRevert, detail)
	}
	return resp.Value.UnitsConsumed, nil
}
