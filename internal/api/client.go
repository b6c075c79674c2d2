// Package api provides the HTTP client for the remote showroom REST service.
// The sync engine depends only on "submit payload, get back an object with a
// server-assigned identity field"; everything else about the response shape
// is opaque to this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/showtrack/internal/errors"
)

// CreatedRecord is the server's acknowledgment of a create call.
type CreatedRecord struct {
	// ID is the server-assigned identity.
	ID int64 `json:"id"`

	// Raw is the full response body for callers that need more fields.
	Raw json.RawMessage `json:"-"`
}

// Client talks to the remote REST collaborator.
type Client struct {
	baseURL    string
	httpClient *http.Client
	authToken  string
}

// NewClient creates a Client for the given base URL. requestTimeout bounds
// each individual call; zero means the http package default.
func NewClient(baseURL string, requestTimeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// SetAuthToken sets the bearer token sent with subsequent requests.
func (c *Client) SetAuthToken(token string) {
	c.authToken = token
}

// CreateLocation submits a location payload to POST /locations.
func (c *Client) CreateLocation(ctx context.Context, payload json.RawMessage) (*CreatedRecord, error) {
	return c.create(ctx, "/locations", payload)
}

// CreateBarcode submits a barcode payload to POST /barcodes.
func (c *Client) CreateBarcode(ctx context.Context, payload json.RawMessage) (*CreatedRecord, error) {
	return c.create(ctx, "/barcodes", payload)
}

// create posts a payload and decodes the server-assigned identity.
func (c *Client) create(ctx context.Context, path string, payload json.RawMessage) (*CreatedRecord, error) {
	body, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return nil, err
	}

	record := &CreatedRecord{Raw: body}
	if err := json.Unmarshal(body, record); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetworkFailure, "malformed create response", err)
	}
	if record.ID == 0 {
		return nil, apperrors.New(apperrors.ErrNetworkFailure, "create response missing server identity")
	}
	return record, nil
}

// Login authenticates against POST /auth/login and returns the identity
// snapshot the server echoes back.
func (c *Client) Login(ctx context.Context, email, password string) (json.RawMessage, error) {
	payload, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "encoding login request", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/auth/login", payload)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.ErrPayloadRejected {
			return nil, apperrors.Wrap(apperrors.ErrAuthFailed, "login rejected", err)
		}
		return nil, err
	}
	return body, nil
}

// Me fetches the current identity snapshot from GET /auth/me.
func (c *Client) Me(ctx context.Context) (json.RawMessage, error) {
	body, err := c.do(ctx, http.MethodGet, "/auth/me", nil)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.ErrPayloadRejected {
			return nil, apperrors.Wrap(apperrors.ErrAuthRequired, "identity check rejected", err)
		}
		return nil, err
	}
	return body, nil
}

// Logout invalidates the session via POST /auth/logout.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/auth/logout", nil)
	return err
}

// Ping reports whether the server is reachable. Any response counts,
// including an error status; only a transport failure means unreachable.
func (c *Client) Ping(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// do performs one request and classifies the outcome: 2xx succeeds, 4xx is
// a terminal payload rejection, everything else is a retryable network
// failure.
func (c *Client) do(ctx context.Context, method, path string, payload json.RawMessage) (json.RawMessage, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "building request", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetworkFailure, fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetworkFailure, "reading response body", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, apperrors.New(apperrors.ErrPayloadRejected,
			fmt.Sprintf("%s %s: server rejected request with status %d", method, path, resp.StatusCode))
	default:
		return nil, apperrors.New(apperrors.ErrNetworkFailure,
			fmt.Sprintf("%s %s: server returned status %d", method, path, resp.StatusCode))
	}
}
