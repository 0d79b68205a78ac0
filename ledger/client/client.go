// Package client talks to a remote sequencer: the ledger-of-record holding
// authoritative channel state. It exposes the same read/seed/settle surface
// the in-process ledger store provides, over HTTP.
package client

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

// Client is an HTTP sequencer client.
type Client struct {
	url        string
	httpClient *http.Client
}

// Config configures the sequencer client.
type Config struct {
	// URL is the base URL of the sequencer service.
	URL string

	// HTTPClient is the HTTP client to use (optional).
	HTTPClient *http.Client

	// Timeout for requests (optional, defaults to 10s).
	Timeout time.Duration
}

// New creates a sequencer client.
func New(config Config) *Client {
	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{url: config.URL, httpClient: httpClient}
}

// GetChannel fetches one channel's current state.
func (c *Client) GetChannel(ctx context.Context, channelID string) (*cheddr.ChannelView, error) {
	var view cheddr.ChannelView
	if err := c.getJSON(ctx, fmt.Sprintf("%s/channel/%s", c.url, channelID), &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// ListByOwner lists the owner's channel ids, most recently opened last.
func (c *Client) ListByOwner(ctx context.Context, owner string) (*cheddr.ChannelsByOwnerResponse, error) {
	var resp cheddr.ChannelsByOwnerResponse
	if err := c.getJSON(ctx, fmt.Sprintf("%s/channels/by-owner/%s", c.url, owner), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Seed mirrors an on-chain channel open into the sequencer.
func (c *Client) Seed(ctx context.Context, req *cheddr.SeedChannelRequest) (*cheddr.ChannelView, error) {
	var view cheddr.ChannelView
	if err := c.postJSON(ctx, c.url+"/channel/seed", req, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Validate runs a full update validation without mutating state.
func (c *Client) Validate(ctx context.Context, payload *cheddr.PayInChannelPayload) (*cheddr.PayInChannelResponse, error) {
	var resp cheddr.PayInChannelResponse
	if err := c.postJSON(ctx, c.url+"/validate", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Settle submits a signed channel update for recording. This is the ledger's
// applyUpdate: it either advances the channel by exactly one sequence number
// or fails without side effects.
func (c *Client) Settle(ctx context.Context, payload *cheddr.PayInChannelPayload) (*cheddr.PayInChannelResponse, error) {
	var resp cheddr.PayInChannelResponse
	if err := c.postJSON(ctx, c.url+"/settle", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health probes the sequencer's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/health", nil)
	if err != nil {
		return cheddr.Errorf(cheddr.ErrCodeValidation, "failed to create health request: %v", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return cheddr.Errorf(cheddr.ErrCodeUnavailable, "sequencer unavailable: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return cheddr.Errorf(cheddr.ErrCodeUnavailable, "sequencer unhealthy: %s", resp.Status)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return cheddr.Errorf(cheddr.ErrCodeValidation, "failed to create request: %v", err)
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, url string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return cheddr.Errorf(cheddr.ErrCodeValidation, "failed to marshal request body: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return cheddr.Errorf(cheddr.ErrCodeValidation, "failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return cheddr.Errorf(cheddr.ErrCodeUnavailable, "sequencer unavailable: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cheddr.Errorf(cheddr.ErrCodeUnavailable, "failed to read sequencer response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		return remoteError(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return cheddr.Errorf(cheddr.ErrCodeUnavailable, "invalid sequencer response: %v", err)
	}
	return nil
}

// remoteError maps a sequencer error response back into the local taxonomy,
// preferring the classified code carried in the body.
func remoteError(status int, body []byte) error {
	var perr cheddr.ProtocolError
	if err := json.Unmarshal(body, &perr); err == nil && perr.Code != "" {
		return &perr
	}

	message := string(body)
	var generic struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &generic); err == nil && generic.Error != "" {
		message = generic.Error
	}

	switch status {
	case http.StatusNotFound:
		return cheddr.Errorf(cheddr.ErrCodeNotFound, "%s", message)
	case http.StatusConflict:
		return cheddr.Errorf(cheddr.ErrCodeSequenceConflict, "%s", message)
	case http.StatusBadRequest:
		return cheddr.Errorf(cheddr.ErrCodeValidation, "%s", message)
	default:
		return cheddr.Errorf(cheddr.ErrCodeUnavailable, "sequencer error (%d): %s", status, message)
	}
}
