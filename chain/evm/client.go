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

// Package evm implements the chain client for the function contract on
// EVM-compatible chains.
package evm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/switchboard-xyz/function-manager/chain"
	"github.com/switchboard-xyz/function-manager/workload"
)

const (
	DefaultGasCap            = chain.EVMGasCap
	defaultRequestsPerSecond = 20
	defaultConfirmTimeout    = 90 * time.Second
	confirmPollInterval      = time.Second
	fetchConcurrency         = 8
)

type Config struct {
	RPCURL            string
	WSURL             string
	ChainID           uint64
	ContractAddress   workload.Address
	RequestsPerSecond float64
	GasCap            uint64
	ConfirmTimeout    time.Duration
	Logger            *slog.Logger
	HTTPClient        *http.Client
}

// Client is a chain.Client for the function contract on an EVM chain.
// Slots are block numbers and balances are in gwei.
type Client struct {
	config   Config
	logger   *slog.Logger
	eth      *ethclient.Client
	limiter  *rate.Limiter
	contract common.Address
	signer   types.Signer
	nonceMu  sync.Mutex
	nonces   map[common.Address]uint64
}

var _ chain.Client = (*Client)(nil)

func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("evm: rpc url is required")
	}
	if cfg.ChainID == 0 {
		return nil, errors.New("evm: chain id is required")
	}
	contract, err := toCommon(cfg.ContractAddress)
	if err != nil {
		return nil, fmt.Errorf("evm: contract address: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSecond
	}
	if cfg.GasCap == 0 {
		cfg.GasCap = DefaultGasCap
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	logger := cfg.Logger.With("component", "chain", "chain", string(chain.ChainEVM))
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
		return nil, fmt.Errorf("evm: dial %s: %w", cfg.RPCURL, err)
	}
	chainID := new(big.Int).SetUint64(cfg.ChainID)
	return &Client{
		config:   cfg,
		logger:   logger,
		eth:      ethclient.NewClient(rpcClient),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)),
		contract: contract,
		signer:   types.LatestSignerForChainID(chainID),
		nonces:   make(map[common.Address]uint64),
	}, nil
}

func (c *Client) Close() {
	c.eth.Close()
}

func (c *Client) Chain() chain.Chain {
	return chain.ChainEVM
}

func (c *Client) wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// classify maps go-ethereum errors onto the chain error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, ethereum.NotFound) {
		return fmt.Errorf("%w: %s", chain.ErrNotFound, op)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %s: %w", chain.ErrInsufficientFunds, op, err)
	case strings.Contains(msg, "execution reverted"), strings.Contains(msg, "revert"):
		return fmt.Errorf("%w: %s: %w", chain.ErrSimulationRevert, op, err)
	case strings.Contains(msg, "nonce too low"), strings.Contains(msg, "replacement transaction underpriced"):
		return chain.Transient(fmt.Errorf("%s: %w", op, err))
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500 {
			return chain.Transient(fmt.Errorf("%s: %w", op, err))
		}
		return fmt.Errorf("%w: %s: %w", chain.ErrPermanent, op, err)
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("%w: %s: %w", chain.ErrPermanent, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return chain.Transient(fmt.Errorf("%s: %w", op, err))
	}
	return fmt.Errorf("%w: %s: %w", chain.ErrPermanent, op, err)
}

// view calls a read-only contract method.
func (c *Client) view(ctx context.Context, method string, args ...any) ([]byte, error) {
	input, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: pack %s: %w", chain.ErrPermanent, method, err)
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: input}, nil)
	if err != nil {
		return nil, classify(method, err)
	}
	return out, nil
}

func (c *Client) ids(ctx context.Context, method string, queue common.Address) ([]common.Address, error) {
	out, err := c.view(ctx, method, queue)
	if err != nil {
		return nil, err
	}
	values, err := contractABI.Unpack(method, out)
	if err != nil || len(values) != 1 {
		return nil, fmt.Errorf("%w: %s: %v", chain.ErrDecoding, method, err)
	}
	ids, ok := values[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("%w: %s returned %T", chain.ErrDecoding, method, values[0])
	}
	return ids, nil
}

func (c *Client) fetchKind(ctx context.Context, key workload.Address, kind uint8) (workload.Account, error) {
	id, err := toCommon(key)
	if err != nil {
		return nil, err
	}
	switch kind {
	case accountKindFunction:
		out, err := c.view(ctx, "getFunction", id)
		if err != nil {
			return nil, err
		}
		return decodeFunction(key, out)
	case accountKindRoutine:
		out, err := c.view(ctx, "getRoutine", id)
		if err != nil {
			return nil, err
		}
		return decodeRoutine(key, out)
	case accountKindRequest:
		out, err := c.view(ctx, "getRequest", id)
		if err != nil {
			return nil, err
		}
		return decodeRequest(key, out)
	case accountKindQueue:
		out, err := c.view(ctx, "getAttestationQueue", id)
		if err != nil {
			return nil, err
		}
		return decodeQueue(key, out)
	case accountKindVerifier:
		out, err := c.view(ctx, "getVerifier", id)
		if err != nil {
			return nil, err
		}
		return decodeVerifier(key, out)
	default:
		return nil, fmt.Errorf("%w: %s", chain.ErrNotFound, key)
	}
}

func (c *Client) FetchAccount(ctx context.Context, key workload.Address) (workload.Account, error) {
	id, err := toCommon(key)
	if err != nil {
		return nil, err
	}
	out, err := c.view(ctx, "accountKind", id)
	if err != nil {
		return nil, err
	}
	values, err := contractABI.Unpack("accountKind", out)
	if err != nil || len(values) != 1 {
		return nil, fmt.Errorf("%w: accountKind: %v", chain.ErrDecoding, err)
	}
	kind, _ := values[0].(uint8)
	return c.fetchKind(ctx, key, kind)
}

// FetchProgramAccounts lists the queue's accounts of the requested kind.
// The contract has no server-side filtering, so index and trigger filters
// are applied after fetching.
func (c *Client) FetchProgramAccounts(ctx context.Context, filter chain.Filter) ([]chain.KeyedAccount, error) {
	if filter.Queue == "" {
		return nil, fmt.Errorf("%w: queue filter is required", chain.ErrPermanent)
	}
	queue, err := toCommon(filter.Queue)
	if err != nil {
		return nil, err
	}
	var method string
	var kind uint8
	switch filter.Kind {
	case workload.KindFunction:
		method, kind = "getFunctionIds", accountKindFunction
	case workload.KindRoutine:
		method, kind = "getRoutineIds", accountKindRoutine
	case workload.KindRequest:
		method, kind = "getRequestIds", accountKindRequest
	case workload.KindQueue:
		acct, err := c.fetchKind(ctx, filter.Queue, accountKindQueue)
		if err != nil {
			return nil, err
		}
		return []chain.KeyedAccount{{Key: filter.Queue, Account: acct}}, nil
	default:
		return nil, fmt.Errorf("%w: cannot list %s accounts", chain.ErrUnsupported, filter.Kind)
	}
	ids, err := c.ids(ctx, method, queue)
	if err != nil {
		return nil, err
	}
	results := make([]workload.Account, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			acct, err := c.fetchKind(gctx, address(id), kind)
			if err != nil {
				if errors.Is(err, chain.ErrDecoding) {
					c.logger.Debug("skipping undecodable account", "key", id.Hex(), "error", err)
					return nil
				}
				return err
			}
			results[i] = acct
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	ret := make([]chain.KeyedAccount, 0, len(ids))
	for _, acct := range results {
		if acct == nil || !matches(acct, filter) {
			continue
		}
		ret = append(ret, chain.KeyedAccount{Key: acct.AccountKey(), Account: acct})
	}
	return ret, nil
}

func matches(acct workload.Account, filter chain.Filter) bool {
	var idx uint32
	var triggered bool
	switch v := acct.(type) {
	case *workload.Function:
		idx, triggered = v.QueueIdx, v.IsTriggered
	case *workload.Routine:
		idx, triggered = v.QueueIdx, true
	case *workload.Request:
		idx, triggered = v.QueueIdx, v.IsTriggered
	default:
		return true
	}
	if filter.QueueIdx != nil && *filter.QueueIdx != idx {
		return false
	}
	if filter.TriggeredOnly && !triggered {
		return false
	}
	return true
}

func (c *Client) CurrentSlot(ctx context.Context, _ chain.Commitment) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, classify("blockNumber", err)
	}
	return n, nil
}

func (c *Client) RecentBlockhash(ctx context.Context, _ chain.Commitment) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	h, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", classify("header", err)
	}
	return h.Hash().Hex(), nil
}

// Balance returns the balance in gwei.
func (c *Client) Balance(ctx context.Context, key workload.Address) (uint64, error) {
	addr, err := toCommon(key)
	if err != nil {
		return 0, err
	}
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	wei, err := c.eth.BalanceAt(ctx, addr, nil)
	if err != nil {
		return 0, classify("balance", err)
	}
	return gweiOf(wei), nil
}

// call is a single EVM message built from a transaction.
type call struct {
	to    common.Address
	data  []byte
	value *big.Int
}

// buildCall folds the instructions of a transaction into one message.
// User calls are wrapped into forward() and multiple contract calls into
// multicall().
func (c *Client) buildCall(tx *chain.Transaction) (call, error) {
	var contractCalls [][]byte
	var userCalls []chain.UserCall
	for _, ix := range tx.Instructions {
		switch v := ix.(type) {
		case chain.Transfer:
			if len(tx.Instructions) != 1 {
				return call{}, fmt.Errorf("%w: transfer must be the only instruction", chain.ErrUnsupported)
			}
			to, err := toCommon(v.To)
			if err != nil {
				return call{}, err
			}
			return call{to: to, value: weiOf(v.Amount)}, nil
		case chain.UserCall:
			userCalls = append(userCalls, v)
		default:
			data, err := encodeCall(ix)
			if err != nil {
				return call{}, err
			}
			contractCalls = append(contractCalls, data)
		}
	}
	if len(userCalls) > 0 {
		gasCap := tx.GasCap
		if gasCap == 0 {
			gasCap = c.config.GasCap
		}
		data, err := encodeForward(userCalls, tx.Expiration, gasCap)
		if err != nil {
			return call{}, err
		}
		contractCalls = append(contractCalls, data)
	}
	switch len(contractCalls) {
	case 0:
		return call{}, fmt.Errorf("%w: transaction has no instructions", chain.ErrPermanent)
	case 1:
		return call{to: c.contract, data: contractCalls[0], value: new(big.Int)}, nil
	default:
		data, err := contractABI.Pack("multicall", contractCalls)
		if err != nil {
			return call{}, err
		}
		return call{to: c.contract, data: data, value: new(big.Int)}, nil
	}
}

func payerAddress(s chain.Signer) (common.Address, error) {
	if s == nil {
		return common.Address{}, fmt.Errorf("%w: transaction has no payer", chain.ErrPermanent)
	}
	return toCommon(s.Address())
}

func (c *Client) nextNonce(ctx context.Context, from common.Address) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	pending, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return 0, classify("nonce", err)
	}
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	nonce := max(pending, c.nonces[from])
	c.nonces[from] = nonce + 1
	return nonce, nil
}

func (c *Client) SubmitTransaction(ctx context.Context, tx *chain.Transaction, _ chain.Commitment) (chain.Signature, error) {
	from, err := payerAddress(tx.Payer)
	if err != nil {
		return "", err
	}
	msg, err := c.buildCall(tx)
	if err != nil {
		return "", err
	}
	gasCap := tx.GasCap
	if gasCap == 0 {
		gasCap = c.config.GasCap
	}
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	gas, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &msg.to,
		Data:  msg.data,
		Value: msg.value,
	})
	if err != nil {
		return "", classify("estimateGas", err)
	}
	gas = min(gas*6/5, gasCap)
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", classify("gasPrice", err)
	}
	nonce, err := c.nextNonce(ctx, from)
	if err != nil {
		return "", err
	}
	unsigned := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &msg.to,
		Value:    msg.value,
		Data:     msg.data,
	})
	hash := c.signer.Hash(unsigned)
	sig, err := tx.Payer.Sign(hash[:])
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	signed, err := unsigned.WithSignature(c.signer, sig)
	if err != nil {
		return "", fmt.Errorf("%w: attach signature: %w", chain.ErrPermanent, err)
	}
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		c.resetNonce(from)
		return "", classify("sendTransaction", err)
	}
	return chain.Signature(signed.Hash().Hex()), nil
}

func (c *Client) resetNonce(from common.Address) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	delete(c.nonces, from)
}

func (c *Client) Confirm(ctx context.Context, sig chain.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.ConfirmTimeout)
	defer cancel()
	hash := common.HexToHash(string(sig))
	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()
	for {
		if err := c.wait(ctx); err != nil {
			return chain.Transient(err)
		}
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("%w: transaction %s reverted", chain.ErrPermanent, sig)
			}
			return nil
		case errors.Is(err, ethereum.NotFound):
		default:
			if classified := classify("receipt", err); !chain.IsTransient(classified) {
				return classified
			}
		}
		select {
		case <-ctx.Done():
			return chain.Transient(fmt.Errorf("confirm %s: %w", sig, ctx.Err()))
		case <-ticker.C:
		}
	}
}

// EstimateCost returns the gas used by the transaction. A transaction with
// a single user call is simulated as that call, from its declared sender
// when it has one.
func (c *Client) EstimateCost(ctx context.Context, tx *chain.Transaction) (uint64, error) {
	from, err := payerAddress(tx.Payer)
	if err != nil {
		return 0, err
	}
	var msg ethereum.CallMsg
	if uc, ok := singleUserCall(tx); ok {
		to, err := toCommon(workload.Address(uc.Tx.To))
		if err != nil {
			return 0, err
		}
		if uc.Tx.From != "" {
			if from, err = toCommon(workload.Address(uc.Tx.From)); err != nil {
				return 0, err
			}
		}
		msg = ethereum.CallMsg{
			From:  from,
			To:    &to,
			Data:  uc.Tx.Data,
			Value: new(big.Int).SetUint64(uc.Tx.Value),
		}
	} else {
		built, err := c.buildCall(tx)
		if err != nil {
			return 0, err
		}
		msg = ethereum.CallMsg{From: from, To: &built.to, Data: built.data, Value: built.value}
	}
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	gas, err := c.eth.EstimateGas(ctx, msg)
	if err != nil {
		return 0, classify("estimateGas", err)
	}
	return gas, nil
}

func singleUserCall(tx *chain.Transaction) (chain.UserCall, bool) {
	if len(tx.Instructions) != 1 {
		return chain.UserCall{}, false
	}
	uc, ok := tx.Instructions[0].(chain.UserCall)
	return uc, ok
}
