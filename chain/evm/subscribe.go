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

package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/switchboard-xyz/function-manager/chain"
)

const logPollInterval = 2 * time.Second

func (c *Client) triggerQuery() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{contractABI.Events[eventRequestTriggered].ID}},
	}
}

// Subscribe streams request trigger events. It uses a websocket log
// subscription when a websocket URL is configured and polls logs otherwise.
func (c *Client) Subscribe(ctx context.Context, topic string) (<-chan chain.Event, error) {
	if topic != chain.TopicRequestTriggered {
		return nil, fmt.Errorf("%w: topic %s", chain.ErrUnsupported, topic)
	}
	dial := c.pollLogs
	if c.config.WSURL != "" {
		dial = c.streamLogs
	}
	return chain.ResubscribeLoop(ctx, c.logger, topic, dial), nil
}

func (c *Client) forward(ctx context.Context, out chan<- chain.Event, l types.Log) error {
	if l.Removed {
		return nil
	}
	ev, err := decodeTriggerLog(l)
	if err != nil {
		c.logger.Debug("ignoring trigger log", "tx", l.TxHash.Hex(), "error", err)
		return nil
	}
	select {
	case out <- chain.Event{Topic: chain.TopicRequestTriggered, Slot: l.BlockNumber, Data: ev}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) streamLogs(ctx context.Context, out chan<- chain.Event) error {
	ws, err := ethclient.DialContext(ctx, c.config.WSURL)
	if err != nil {
		return chain.Transient(fmt.Errorf("dial %s: %w", c.config.WSURL, err))
	}
	defer ws.Close()
	logs := make(chan types.Log, 64)
	sub, err := ws.SubscribeFilterLogs(ctx, c.triggerQuery(), logs)
	if err != nil {
		return chain.Transient(fmt.Errorf("subscribe logs: %w", err))
	}
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return chain.Transient(fmt.Errorf("log subscription: %w", err))
		case l := <-logs:
			if err := c.forward(ctx, out, l); err != nil {
				return err
			}
		}
	}
}

func (c *Client) pollLogs(ctx context.Context, out chan<- chain.Event) error {
	from, err := c.CurrentSlot(ctx, chain.CommitmentProcessed)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		head, err := c.CurrentSlot(ctx, chain.CommitmentProcessed)
		if err != nil {
			return err
		}
		if head < from {
			continue
		}
		q := c.triggerQuery()
		q.FromBlock = new(big.Int).SetUint64(from)
		q.ToBlock = new(big.Int).SetUint64(head)
		if err := c.wait(ctx); err != nil {
			return err
		}
		logs, err := c.eth.FilterLogs(ctx, q)
		if err != nil {
			return classify("filterLogs", err)
		}
		for _, l := range logs {
			if err := c.forward(ctx, out, l); err != nil {
				return err
			}
		}
		from = head + 1
	}
}
