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

package qvn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/switchboard-xyz/function-manager/result"
)

const (
	DefaultMaxTimeouts      = 5
	DefaultMaxConnectErrors = 20
)

type ClientConfig struct {
	// URL of the verifier node. Default: http://127.0.0.1:3000
	URL              string
	Timeout          time.Duration
	MaxTimeouts      int
	MaxConnectErrors int
	// ExitFunc is called once a failure threshold is crossed. Default:
	// os.Exit
	ExitFunc     func(int)
	HTTPClient   *http.Client
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
}

// Client forwards results to the verifier node. Consecutive timeouts or
// connect errors past their thresholds terminate the process so a
// supervisor can restart both.
type Client struct {
	config  ClientConfig
	logger  *slog.Logger
	metrics *clientMetrics
	http    *http.Client
	ready   atomic.Bool
	exited  atomic.Bool

	mu            sync.Mutex
	timeouts      int
	connectErrors int
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.URL == "" {
		cfg.URL = "http://" + DefaultAddr
	}
	cfg.URL = strings.TrimSuffix(cfg.URL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxTimeouts <= 0 {
		cfg.MaxTimeouts = DefaultMaxTimeouts
	}
	if cfg.MaxConnectErrors <= 0 {
		cfg.MaxConnectErrors = DefaultMaxConnectErrors
	}
	if cfg.ExitFunc == nil {
		cfg.ExitFunc = os.Exit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: cfg.Timeout,
				}).DialContext,
				ResponseHeaderTimeout: cfg.Timeout,
				MaxIdleConnsPerHost:   16,
				IdleConnTimeout:       90 * time.Second,
			},
		}
	}
	c := &Client{
		config: cfg,
		logger: cfg.Logger.With("component", "qvn_client"),
		http:   httpClient,
	}
	if cfg.PromRegistry != nil {
		c.initMetrics(cfg.PromRegistry)
	}
	return c
}

// IsReady reports whether the verifier node has answered a health check.
func (c *Client) IsReady() bool {
	return c.ready.Load()
}

// CheckReady polls the health endpoint once.
func (c *Client) CheckReady(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.URL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	if !c.ready.Swap(true) {
		c.logger.Info("verifier node ready")
	}
	return true
}

// WaitReady polls the health endpoint until it succeeds or ctx is done.
func (c *Client) WaitReady(ctx context.Context, poll time.Duration) error {
	for {
		if c.CheckReady(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

// Submit posts a result. A non-200 answer is returned as a RejectedError.
func (c *Client) Submit(ctx context.Context, res *result.FunctionResult) error {
	body, err := res.Marshal()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL+"/", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return c.fail(err)
	}
	defer resp.Body.Close()
	c.succeed()
	if resp.StatusCode == http.StatusOK {
		c.observe("accepted")
		return nil
	}
	c.observe("rejected")
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &RejectedError{
		FnKey: res.FnKey,
		Err:   fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))),
	}
}

func (c *Client) observe(outcome string) {
	if c.metrics != nil {
		c.metrics.requests.WithLabelValues(outcome).Inc()
	}
}

func (c *Client) succeed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeouts = 0
	c.connectErrors = 0
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *Client) fail(err error) error {
	unavailable := &UnavailableError{Timeout: isTimeout(err), Err: err}
	c.mu.Lock()
	var exceeded bool
	if unavailable.Timeout {
		c.timeouts++
		exceeded = c.timeouts >= c.config.MaxTimeouts
		c.observe("timeout")
	} else {
		c.connectErrors++
		exceeded = c.connectErrors >= c.config.MaxConnectErrors
		c.observe("connect_error")
	}
	timeouts, connectErrors := c.timeouts, c.connectErrors
	c.mu.Unlock()
	c.logger.Warn(
		"verifier node request failed",
		"error", err,
		"consecutive_timeouts", timeouts,
		"consecutive_connect_errors", connectErrors,
	)
	if exceeded && c.exited.CompareAndSwap(false, true) {
		c.logger.Error(
			"verifier node unavailable, exiting",
			"consecutive_timeouts", timeouts,
			"consecutive_connect_errors", connectErrors,
		)
		c.config.ExitFunc(1)
	}
	return unavailable
}
