// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package delivery ships buffered snapshots to the central collector:
// an HTTP client with a three-way result taxonomy, exponential backoff
// between attempts, and a circuit breaker that stops hammering a collector
// that is clearly down.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/go-logr/logr"

	"github.com/antimetal/sentinel/internal/config"
	"github.com/antimetal/sentinel/pkg/telemetry"
)

// Outcome classifies a single delivery attempt.
type Outcome string

const (
	// Sent means the collector acknowledged the envelope. It is consumed.
	Sent Outcome = "sent"
	// Retryable means a transient failure: timeout, connection error, or a
	// retryable status. The envelope stays at the head of the buffer.
	Retryable Outcome = "retryable"
	// Fatal means the collector definitively refused the envelope. It is
	// discarded and the agent is marked degraded.
	Fatal Outcome = "fatal"
)

// Client posts snapshot envelopes to the collector ingest endpoint as JSON.
// A single pooled http.Client is reused across attempts.
type Client struct {
	logger logr.Logger

	mu         sync.Mutex
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewClient creates a delivery client for the configured collector.
func NewClient(logger logr.Logger, cfg config.CollectorConfig) *Client {
	return &Client{
		logger:   logger.WithName("delivery.client"),
		endpoint: cfg.Endpoint,
		token:    cfg.Token,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Deliver attempts to ship one envelope. The returned error carries detail
// for Retryable and Fatal outcomes; it is nil when the outcome is Sent.
func (c *Client) Deliver(ctx context.Context, env *telemetry.DeliveryEnvelope) (Outcome, error) {
	c.mu.Lock()
	endpoint := c.endpoint
	token := c.token
	httpClient := c.httpClient
	c.mu.Unlock()

	body, err := env.Marshal()
	if err != nil {
		// An unserializable envelope can never succeed.
		return Fatal, fmt.Errorf("failed to encode envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Fatal, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return Retryable, classifyTransportError(err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	return classifyStatus(resp.StatusCode)
}

// Update applies a reloaded collector configuration. A timeout change swaps
// the http.Client; in-flight attempts keep the old one.
func (c *Client) Update(cfg config.CollectorConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoint = cfg.Endpoint
	c.token = cfg.Token
	if c.httpClient.Timeout != cfg.Timeout {
		c.httpClient = &http.Client{Timeout: cfg.Timeout}
	}
}

// Endpoint returns the current collector endpoint.
func (c *Client) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("delivery timed out: %w", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("delivery timed out: %w", err)
	}
	return fmt.Errorf("delivery failed: %w", err)
}

// classifyStatus maps an HTTP status to a delivery outcome. 2xx succeeds;
// 408, 429 and all 5xx are transient; every other status is a definitive
// refusal (bad credentials, malformed payload) that retrying cannot fix.
func classifyStatus(status int) (Outcome, error) {
	switch {
	case status >= 200 && status < 300:
		return Sent, nil
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return Retryable, fmt.Errorf("collector returned status %d", status)
	case status >= 500:
		return Retryable, fmt.Errorf("collector returned status %d", status)
	default:
		return Fatal, fmt.Errorf("collector refused envelope with status %d", status)
	}
}
