package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mbd888/escrowmirror/internal/escrow"
	"github.com/mbd888/escrowmirror/internal/lifecycle"
)

// Config holds the configuration for connecting to an escrowmirror API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	Token  string // Bearer token issued for the caller's address
}

// EscrowClient is a pure HTTP client for the escrow API.
type EscrowClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewEscrowClient creates a new client for the escrow API.
func NewEscrowClient(cfg Config) *EscrowClient {
	return &EscrowClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is an error response from the API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d)", e.Status)
}

// ViewResponse is the body of GET /v1/escrows/:id/view.
type ViewResponse struct {
	Escrow *escrow.Escrow `json:"escrow"`
	View   lifecycle.View `json:"view"`
}

// ActResponse is the body of POST /v1/escrows/:id/actions/:action.
type ActResponse struct {
	Intent  lifecycle.Intent   `json:"intent"`
	Receipt *lifecycle.Receipt `json:"receipt"`
	Escrow  *escrow.Escrow     `json:"escrow"`
	View    *lifecycle.View    `json:"view"`
}

type receiptsResponse struct {
	Receipts []*lifecycle.Receipt `json:"receipts"`
	Count    int                  `json:"count"`
}

// doRequest makes an HTTP request and decodes a successful body into out.
func (c *EscrowClient) doRequest(ctx context.Context, method, path string, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(respBody)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// GetView returns the escrow and the caller's view of it.
func (c *EscrowClient) GetView(ctx context.Context, id string) (*ViewResponse, error) {
	var out ViewResponse
	if err := c.doRequest(ctx, http.MethodGet, "/v1/escrows/"+url.PathEscape(id)+"/view", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Act submits action against the escrow.
func (c *EscrowClient) Act(ctx context.Context, id string, action lifecycle.Action, req escrow.ActionRequest) (*ActResponse, error) {
	if !action.Valid() {
		return nil, errors.New("unknown action")
	}
	path := "/v1/escrows/" + url.PathEscape(id) + "/actions/" + action.String()
	var out ActResponse
	if err := c.doRequest(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Receipts lists the settlement receipts of an escrow.
func (c *EscrowClient) Receipts(ctx context.Context, id string) ([]*lifecycle.Receipt, error) {
	var out receiptsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/v1/escrows/"+url.PathEscape(id)+"/receipts", nil, &out); err != nil {
		return nil, err
	}
	return out.Receipts, nil
}
