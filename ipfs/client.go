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

// Package ipfs publishes enclave quotes to an IPFS node through its HTTP
// API.
package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	DefaultURL = "https://ipfs.infura.io:5001"
	// maxResponseBytes bounds the add response
	maxResponseBytes = 1 << 20
)

var ErrEmptyCID = errors.New("ipfs node returned an empty cid")

type Config struct {
	// URL is the base URL of the IPFS HTTP API
	URL string
	// Username and Password enable basic auth (Infura project id/secret)
	Username string
	Password string
	Timeout  time.Duration
	RetryMax int
	Logger   *slog.Logger
	// HTTPClient overrides the underlying transport client
	HTTPClient *http.Client
}

type Client struct {
	config Config
	http   *retryablehttp.Client
}

type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

func NewClient(cfg Config) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	cfg.Logger = cfg.Logger.With("component", "ipfs")
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = cfg.Logger
	if cfg.HTTPClient != nil {
		rc.HTTPClient = cfg.HTTPClient
	}
	rc.HTTPClient.Timeout = cfg.Timeout
	return &Client{config: cfg, http: rc}
}

// Put adds and pins data, returning its CID.
func (c *Client) Put(ctx context.Context, name string, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("writing form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("closing multipart body: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.config.URL+"/api/v0/add?pin=true&cid-version=1",
		body.Bytes(),
	)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.config.Username != "" {
		req.SetBasicAuth(c.config.Username, c.config.Password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("ipfs add: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("ipfs add: unexpected status %d: %s", resp.StatusCode, string(msg))
	}
	var ret addResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&ret); err != nil {
		return "", fmt.Errorf("decoding add response: %w", err)
	}
	if ret.Hash == "" {
		return "", ErrEmptyCID
	}
	c.config.Logger.Info("published to ipfs", "cid", ret.Hash, "size", len(data))
	return ret.Hash, nil
}
