package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway stands in for the payment gateway's REST surface.
type fakeGateway struct {
	mux          *http.ServeMux
	tokenCalls   int
	tokenBody    string
	lastOrder    createOrderRequest
	captureBody  string
	captureCode  int
	orderID      string
}

func newFakeGateway(t *testing.T) (*fakeGateway, *httptest.Server) {
	t.Helper()
	fg := &fakeGateway{mux: http.NewServeMux(), orderID: "ORD-123", captureCode: http.StatusCreated}
	fg.captureBody = `{"id":"ORD-123","status":"COMPLETED","purchase_units":[{"payments":{"captures":[{"id":"TX-9","status":"COMPLETED","amount":{"currency_code":"USD","value":"430.92"}}]}}]}`

	fg.mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		fg.tokenCalls++
		user, pass, ok := r.BasicAuth()
		if !ok || user != "cid" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if fg.tokenBody != "" {
			_, _ = w.Write([]byte(fg.tokenBody))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1", "expires_in": 3600})
	})
	fg.mux.HandleFunc("/v2/checkout/orders", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&fg.lastOrder); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"` + fg.orderID + `","status":"CREATED"}`))
	})
	fg.mux.HandleFunc("/v2/checkout/orders/ORD-123/capture", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(fg.captureCode)
		_, _ = w.Write([]byte(fg.captureBody))
	})
	srv := httptest.NewServer(fg.mux)
	t.Cleanup(srv.Close)
	return fg, srv
}

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(srv.URL, "cid", "secret", zerolog.Nop())
}

func TestCreateOrderSendsExactAmount(t *testing.T) {
	fg, srv := newFakeGateway(t)
	c := newTestClient(srv)

	id, err := c.CreateOrder(context.Background(), OrderRequest{
		Amount:      "430.92",
		Currency:    "USD",
		ReferenceID: "42",
		Description: "Invoice INV-20260115-ab12cd34",
	})
	require.NoError(t, err)
	assert.Equal(t, "ORD-123", id)
	require.Len(t, fg.lastOrder.PurchaseUnits, 1)
	pu := fg.lastOrder.PurchaseUnits[0]
	assert.Equal(t, "430.92", pu.Amount.Value, "amount must pass through verbatim")
	assert.Equal(t, "USD", pu.Amount.CurrencyCode)
	assert.Equal(t, "42", pu.ReferenceID)
	assert.Equal(t, "CAPTURE", fg.lastOrder.Intent)
}

func TestTokenCachedAcrossCalls(t *testing.T) {
	fg, srv := newFakeGateway(t)
	c := newTestClient(srv)
	ctx := context.Background()

	_, err := c.CreateOrder(ctx, OrderRequest{Amount: "1.00", Currency: "USD"})
	require.NoError(t, err)
	_, err = c.Capture(ctx, "ORD-123")
	require.NoError(t, err)
	assert.Equal(t, 1, fg.tokenCalls, "second call must reuse cached token")
}

func TestCaptureCompleted(t *testing.T) {
	_, srv := newFakeGateway(t)
	c := newTestClient(srv)

	res, err := c.Capture(context.Background(), "ORD-123")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCaptured, res.Outcome)
	assert.Equal(t, "TX-9", res.TransactionID)
	assert.Equal(t, "430.92", res.Amount)
}

func TestCaptureInstrumentDeclinedIsRecoverable(t *testing.T) {
	fg, srv := newFakeGateway(t)
	fg.captureCode = http.StatusUnprocessableEntity
	fg.captureBody = `{"name":"UNPROCESSABLE_ENTITY","debug_id":"d1","details":[{"issue":"INSTRUMENT_DECLINED","description":"The instrument presented was declined."}]}`
	c := newTestClient(srv)

	res, err := c.Capture(context.Background(), "ORD-123")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecoverable, res.Outcome)
	assert.Equal(t, "INSTRUMENT_DECLINED", res.Issue)
	assert.Equal(t, "d1", res.DebugID)
}

func TestCaptureOtherIssueIsFailed(t *testing.T) {
	fg, srv := newFakeGateway(t)
	fg.captureCode = http.StatusUnprocessableEntity
	fg.captureBody = `{"name":"UNPROCESSABLE_ENTITY","debug_id":"d2","details":[{"issue":"ORDER_NOT_APPROVED","description":"Payer has not approved the order."}]}`
	c := newTestClient(srv)

	res, err := c.Capture(context.Background(), "ORD-123")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, "ORDER_NOT_APPROVED", res.Issue)
	assert.Equal(t, "d2", res.DebugID)
}

func TestCaptureMalformedBodyIsFailed(t *testing.T) {
	fg, srv := newFakeGateway(t)
	fg.captureBody = `not json`
	c := newTestClient(srv)

	res, err := c.Capture(context.Background(), "ORD-123")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
}

func TestCaptureMissingCaptureEntryIsFailed(t *testing.T) {
	fg, srv := newFakeGateway(t)
	fg.captureBody = `{"id":"ORD-123","status":"COMPLETED","purchase_units":[{"payments":{"captures":[]}}]}`
	c := newTestClient(srv)

	res, err := c.Capture(context.Background(), "ORD-123")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
}

func TestTokenResponseWithoutAccessToken(t *testing.T) {
	fg, srv := newFakeGateway(t)
	fg.tokenBody = `{"expires_in":3600}`
	c := newTestClient(srv)

	_, err := c.CreateOrder(context.Background(), OrderRequest{Amount: "1.00", Currency: "USD"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no access token")
	assert.NotContains(t, err.Error(), "%!w", "must not wrap a nil error")
}

func TestCaptureTransportErrorSurfaces(t *testing.T) {
	_, srv := newFakeGateway(t)
	c := newTestClient(srv)
	srv.Close()

	_, err := c.Capture(context.Background(), "ORD-123")
	require.Error(t, err)
}
