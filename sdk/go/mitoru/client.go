package mitoru

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Mitoru server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used. Supply a client without a Timeout
	// when using StreamEvents: the client timeout caps the whole stream.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	// Ignored when HTTPClient is set.
	Timeout time.Duration
}

// Client is an HTTP client for the Mitoru API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
	}
}

// ListAgents returns the descriptors of all registered agents.
func (c *Client) ListAgents(ctx context.Context) ([]AgentDescriptor, error) {
	var resp struct {
		Agents []AgentDescriptor `json:"agents"`
	}
	if err := c.get(ctx, "/v1/agents", &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// StartCall submits work to the named agent. The returned call is in status
// pending; execution proceeds in the background.
func (c *Client) StartCall(ctx context.Context, agentName string, spec CallSpec) (*Call, error) {
	var call Call
	path := "/v1/agents/" + url.PathEscape(agentName) + "/calls"
	if err := c.post(ctx, path, spec, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// GetCall returns the current summary of a call.
func (c *Client) GetCall(ctx context.Context, callID uuid.UUID) (*Call, error) {
	var call Call
	if err := c.get(ctx, "/v1/calls/"+callID.String(), &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// ListCalls returns a page of calls for the named agent, newest first.
func (c *Client) ListCalls(ctx context.Context, agentName string, opts *ListCallsOptions) (*CallList, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Status != "" {
			params.Set("status", string(opts.Status))
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}

	path := "/v1/agents/" + url.PathEscape(agentName) + "/calls"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var list CallList
	if err := c.get(ctx, path, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// GetEvents returns the full event history of a call, ordered by occurrence.
func (c *Client) GetEvents(ctx context.Context, callID uuid.UUID) (*EventList, error) {
	var list EventList
	if err := c.get(ctx, "/v1/calls/"+callID.String()+"/events", &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// CancelCall requests cancellation of a running call and returns the call
// after the attempt. Cancelling an already-terminal call returns an error
// with code ALREADY_FINISHED.
func (c *Client) CancelCall(ctx context.Context, callID uuid.UUID) (*Call, error) {
	var call Call
	if err := c.post(ctx, "/v1/calls/"+callID.String()+"/cancel", nil, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// Wait polls a call until it reaches a terminal status or ctx is done.
func (c *Client) Wait(ctx context.Context, callID uuid.UUID, pollInterval time.Duration) (*Call, error) {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		call, err := c.GetCall(ctx, callID)
		if err != nil {
			return nil, err
		}
		if call.Status.IsTerminal() {
			return call, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("mitoru: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("mitoru: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("mitoru: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("mitoru: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("mitoru: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("mitoru: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
