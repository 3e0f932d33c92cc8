// Package gateway speaks the payment gateway's order-create/capture REST
// protocol. It translates wire-level responses into the three-state capture
// outcome the settlement coordinator works with, so gateway JSON never leaks
// past this package.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const requestTimeout = 20 * time.Second

type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	log          zerolog.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewClient(baseURL, clientID, clientSecret string, log zerolog.Logger) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: requestTimeout},
		log:          log,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// token returns a cached client-credentials token, refreshing when within a
// minute of expiry.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && time.Until(c.tokenExpiry) > time.Minute {
		return c.accessToken, nil
	}
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch gateway token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gateway token endpoint returned %d", resp.StatusCode)
	}
	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode gateway token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("gateway token response carried no access token")
	}
	c.accessToken = tok.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return c.accessToken, nil
}

type orderAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnit struct {
	ReferenceID string      `json:"reference_id,omitempty"`
	Description string      `json:"description,omitempty"`
	Amount      orderAmount `json:"amount"`
}

type createOrderRequest struct {
	Intent        string         `json:"intent"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
}

type orderResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				ID     string      `json:"id"`
				Status string      `json:"status"`
				Amount orderAmount `json:"amount"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

type errorResponse struct {
	Name    string `json:"name"`
	DebugID string `json:"debug_id"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

// CreateOrder registers a payable order for the given amount and returns the
// gateway's order handle.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (string, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return "", err
	}
	body := createOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			ReferenceID: req.ReferenceID,
			Description: req.Description,
			Amount:      orderAmount{CurrencyCode: req.Currency, Value: req.Amount},
		}},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode order: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/checkout/orders", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build order request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+tok)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("create order: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		var gwErr errorResponse
		_ = json.Unmarshal(raw, &gwErr)
		return "", fmt.Errorf("gateway rejected order (%d, debug_id=%s): %s", resp.StatusCode, gwErr.DebugID, gwErr.Name)
	}
	var order orderResponse
	if err := json.Unmarshal(raw, &order); err != nil {
		return "", fmt.Errorf("decode order response: %w", err)
	}
	if order.ID == "" {
		return "", fmt.Errorf("gateway order response carried no id")
	}
	return order.ID, nil
}

// Capture asks the gateway to capture funds for an approved order handle and
// classifies the result. Transport failures are returned as errors; anything
// the gateway answered is folded into the CaptureResult.
func (c *Client) Capture(ctx context.Context, orderID string) (CaptureResult, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return CaptureResult{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/checkout/orders/"+url.PathEscape(orderID)+"/capture", bytes.NewReader([]byte("{}")))
	if err != nil {
		return CaptureResult{}, fmt.Errorf("build capture request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+tok)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return CaptureResult{}, fmt.Errorf("capture order %s: %w", orderID, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return c.classifyFailure(orderID, resp.StatusCode, raw), nil
	}

	var order orderResponse
	if err := json.Unmarshal(raw, &order); err != nil {
		c.log.Warn().Str("order_id", orderID).Msg("gateway: undecodable capture response")
		return CaptureResult{Outcome: OutcomeFailed}, nil
	}
	capture, ok := firstCapture(order)
	if !ok || !strings.EqualFold(capture.status, "COMPLETED") {
		// A 2xx without a completed capture is a malformed protocol exchange.
		c.log.Warn().Str("order_id", orderID).Str("status", order.Status).Msg("gateway: capture response missing completed capture")
		return CaptureResult{Outcome: OutcomeFailed}, nil
	}
	return CaptureResult{
		Outcome:       OutcomeCaptured,
		TransactionID: capture.id,
		Amount:        capture.amount,
	}, nil
}

type captureDetail struct {
	id     string
	status string
	amount string
}

func firstCapture(order orderResponse) (captureDetail, bool) {
	for _, pu := range order.PurchaseUnits {
		for _, cpt := range pu.Payments.Captures {
			return captureDetail{id: cpt.ID, status: cpt.Status, amount: cpt.Amount.Value}, true
		}
	}
	return captureDetail{}, false
}

// classifyFailure separates the one retryable decline class from everything
// else the gateway can report.
func (c *Client) classifyFailure(orderID string, status int, raw []byte) CaptureResult {
	var gwErr errorResponse
	if err := json.Unmarshal(raw, &gwErr); err != nil {
		c.log.Warn().Str("order_id", orderID).Int("http_status", status).Msg("gateway: undecodable error body")
		return CaptureResult{Outcome: OutcomeFailed}
	}
	for _, d := range gwErr.Details {
		if d.Issue == issueInstrumentDeclined {
			return CaptureResult{Outcome: OutcomeRecoverable, Issue: d.Issue, DebugID: gwErr.DebugID}
		}
	}
	if len(gwErr.Details) > 0 {
		return CaptureResult{Outcome: OutcomeFailed, Issue: gwErr.Details[0].Issue, DebugID: gwErr.DebugID}
	}
	return CaptureResult{Outcome: OutcomeFailed, Issue: gwErr.Name, DebugID: gwErr.DebugID}
}
