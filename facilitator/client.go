// Package facilitator is the protocol client for the remote verify/settle
// service. It keeps two failure modes apart: a facilitator that cannot be
// reached (retryable, 502) and a facilitator that answered with a business
// decline (forwarded verbatim, never retried automatically).
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	cheddr "github.com/cheddr-labs/cheddr-go"
)

// RemoteError is a well-formed non-OK facilitator response. The gateway
// forwards its status and body to the client unchanged.
type RemoteError struct {
	StatusCode int
	Body       []byte
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("facilitator rejected request (%d): %s", e.StatusCode, string(e.Body))
}

// Client communicates with a facilitator over HTTP.
type Client struct {
	url        string
	httpClient *http.Client
	cache      *SettlementCache
}

// Config configures the facilitator client.
type Config struct {
	// URL is the base URL of the facilitator service.
	URL string

	// HTTPClient is the HTTP client to use (optional).
	HTTPClient *http.Client

	// Timeout for requests (optional, defaults to 30s).
	Timeout time.Duration

	// SettlementTTL bounds how long settled results are remembered for
	// retry deduplication (optional, defaults to 10 minutes).
	SettlementTTL time.Duration
}

// New creates a facilitator client.
func New(config Config) *Client {
	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	ttl := config.SettlementTTL
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	return &Client{
		url:        config.URL,
		httpClient: httpClient,
		cache:      NewSettlementCache(ttl),
	}
}

// Verify asks the facilitator to validate a payment without settling it.
// No local state changes on any outcome, so a verify timeout is always safe
// to retry.
func (c *Client) Verify(ctx context.Context, payload *cheddr.PaymentPayload, requirements *cheddr.PaymentRequirements) (*cheddr.VerifyResponse, error) {
	var verifyResp cheddr.VerifyResponse
	if err := c.post(ctx, "/verify", payload, requirements, &verifyResp); err != nil {
		return nil, err
	}
	return &verifyResp, nil
}

// Settle executes the payment. Settlement is the commit signal for the whole
// payment cycle, and the facilitator may have committed even when the
// response never arrived; retries are therefore deduplicated through a cache
// keyed by (channelId, sequenceNumber, signature) so one settlement is never
// double-counted.
func (c *Client) Settle(ctx context.Context, payload *cheddr.PaymentPayload, requirements *cheddr.PaymentRequirements) (*cheddr.SettleResponse, error) {
	key := SettlementKey(payload.Payload.ChannelID, payload.Payload.SequenceNumber, payload.Payload.UserSignature)

	status, cached, done := c.cache.CheckAndMark(key)
	switch status {
	case StatusCached:
		return cached, nil
	case StatusInFlight:
		result, err := c.cache.WaitForResult(ctx, key, done)
		if err != nil {
			return nil, cheddr.Errorf(cheddr.ErrCodeUnavailable, "settle wait cancelled: %v", err)
		}
		if result != nil {
			return result, nil
		}
		// The racing settle failed; fall through and try ourselves.
		status, cached, done = c.cache.CheckAndMark(key)
		if status == StatusCached {
			return cached, nil
		}
		if status == StatusInFlight {
			return nil, cheddr.Errorf(cheddr.ErrCodeUnavailable, "settlement still in flight")
		}
	}
	defer c.cache.Release(key, done)

	var settleResp cheddr.SettleResponse
	if err := c.post(ctx, "/settle", payload, requirements, &settleResp); err != nil {
		return nil, err
	}
	// Only a committed settlement is remembered; a declined one must stay
	// retryable once the payer fixes its payment.
	if settleResp.Success {
		c.cache.Put(key, &settleResp)
	}
	return &settleResp, nil
}

// Health probes the facilitator's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/health", nil)
	if err != nil {
		return cheddr.Errorf(cheddr.ErrCodeValidation, "failed to create health request: %v", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return cheddr.Errorf(cheddr.ErrCodeUnavailable, "facilitator unavailable: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return cheddr.Errorf(cheddr.ErrCodeUnavailable, "facilitator unhealthy: %s", resp.Status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload *cheddr.PaymentPayload, requirements *cheddr.PaymentRequirements, out any) error {
	reqBody := cheddr.VerifyRequest{
		X402Version:         cheddr.X402Version,
		PaymentPayload:      *payload,
		PaymentRequirements: *requirements,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return cheddr.Errorf(cheddr.ErrCodeValidation, "failed to marshal request body: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(body))
	if err != nil {
		return cheddr.Errorf(cheddr.ErrCodeValidation, "failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return cheddr.Errorf(cheddr.ErrCodeUnavailable, "facilitator unavailable: %v", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return cheddr.Errorf(cheddr.ErrCodeUnavailable, "failed to read facilitator response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &RemoteError{StatusCode: resp.StatusCode, Body: responseBody}
	}
	if err := json.Unmarshal(responseBody, out); err != nil {
		return cheddr.Errorf(cheddr.ErrCodeUnavailable, "invalid facilitator response: %v", err)
	}
	return nil
}
