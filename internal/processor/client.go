// Package processor wraps the third-party payment processor's HTTP API. The
// processor is treated as an opaque network dependency: transfers and bill
// purchases are submitted with our reference, and final status arrives later
// on the webhook.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uahtechtube/finxchange/internal/domain"
)

// ErrRejected indicates the processor synchronously refused the submission.
var ErrRejected = errors.New("processor rejected submission")

// TransferRequest is the payload submitted to the processor.
type TransferRequest struct {
	Reference        string                 `json:"reference"`
	Kind             domain.TransactionKind `json:"kind"`
	Amount           decimal.Decimal        `json:"amount"`
	Description      string                 `json:"description,omitempty"`
	RecipientDetails json.RawMessage        `json:"recipient_details"`
}

// Client is an HTTP client for the processor API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Submit sends a transfer or bill purchase to the processor. A 2xx response
// means the processor accepted the submission for asynchronous processing;
// a 4xx response is a synchronous rejection.
func (c *Client) Submit(ctx context.Context, req TransferRequest) error {
	path := "/v1/transfers"
	if req.Kind == domain.KindAirtime || req.Kind == domain.KindData {
		path = "/v1/bills"
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal processor request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build processor request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("processor unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return fmt.Errorf("%w: %d %s", ErrRejected, resp.StatusCode, msg)
	}
	return fmt.Errorf("processor error: %d %s", resp.StatusCode, msg)
}
