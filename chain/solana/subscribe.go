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

package solana

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mr-tron/base58"

	"github.com/switchboard-xyz/function-manager/chain"
)

const (
	programDataPrefix = "Program data: "
	wsPingInterval    = 30 * time.Second
	wsHandshakeTime   = 10 * time.Second
)

type logsNotification struct {
	Method string `json:"method"`
	Params struct {
		Result struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value struct {
				Signature string   `json:"signature"`
				Err       any      `json:"err"`
				Logs      []string `json:"logs"`
			} `json:"value"`
		} `json:"result"`
	} `json:"params"`
	// Set on the subscription response
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Subscribe streams request trigger events from program logs.
func (c *Client) Subscribe(ctx context.Context, topic string) (<-chan chain.Event, error) {
	if topic != chain.TopicRequestTriggered {
		return nil, fmt.Errorf("%w: topic %s", chain.ErrUnsupported, topic)
	}
	return chain.ResubscribeLoop(ctx, c.logger, topic, c.dialLogs), nil
}

func (c *Client) dialLogs(ctx context.Context, out chan<- chain.Event) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTime}
	conn, _, err := dialer.DialContext(ctx, c.config.WSURL, nil)
	if err != nil {
		return chain.Transient(fmt.Errorf("dial %s: %w", c.config.WSURL, err))
	}
	defer conn.Close()
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "logsSubscribe",
		"params": []any{
			map[string]any{"mentions": []string{base58.Encode(c.programID[:])}},
			map[string]any{"commitment": string(chain.CommitmentProcessed)},
		},
	}
	if err := conn.WriteJSON(req); err != nil {
		return chain.Transient(err)
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				// unblocks ReadMessage
				_ = conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				_ = conn.WriteControl(
					websocket.PingMessage,
					nil,
					time.Now().Add(wsHandshakeTime),
				)
			}
		}
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return chain.Transient(err)
		}
		events, err := parseLogsNotification(data)
		if err != nil {
			c.logger.Debug("ignoring log notification", "error", err)
			continue
		}
		for _, evt := range events {
			select {
			case out <- evt:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// parseLogsNotification extracts trigger events from a websocket message.
// Messages that are not log notifications yield no events.
func parseLogsNotification(data []byte) ([]chain.Event, error) {
	var msg logsNotification
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Error != nil {
		return nil, errors.New(msg.Error.Message)
	}
	if msg.Method != "logsNotification" {
		return nil, nil
	}
	value := msg.Params.Result.Value
	if value.Err != nil {
		return nil, nil
	}
	var ret []chain.Event
	for _, line := range value.Logs {
		payload, ok := strings.CutPrefix(line, programDataPrefix)
		if !ok {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
		if err != nil {
			continue
		}
		ev, ok, err := decodeRequestTriggerLog(raw)
		if err != nil {
			return ret, err
		}
		if !ok {
			continue
		}
		ret = append(ret, chain.Event{
			Topic: chain.TopicRequestTriggered,
			Slot:  msg.Params.Result.Context.Slot,
			Data:  ev,
		})
	}
	return ret, nil
}
