package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/fx-batch-engine/internal/domain"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

func testTrade() domain.Trade {
	return domain.Trade{
		ID:        "trade-1",
		BatchID:   "batch-1",
		ClientID:  "client-1",
		AmountZAR: decimal.NewFromInt(15000),
		Status:    domain.TradeStatusPending,
	}
}

func testClient() domain.Client {
	account := "ZA-001"
	return domain.Client{
		ID:         "client-1",
		Name:       "Acme Imports",
		CIFNumber:  "CIF-100",
		ZARAccount: &account,
	}
}

func newTestGateway(t *testing.T, server *httptest.Server) *RestGateway {
	t.Helper()

	g, err := NewRestGatewayWithClient(server.URL, resty.New(), rate.NewLimiter(rate.Inf, 1))
	if err != nil {
		t.Fatalf("NewRestGatewayWithClient() error = %v", err)
	}
	return g
}

func TestRestGatewayQuoteSuccess(t *testing.T) {
	t.Parallel()

	var gotBody quoteRequest
	var gotAuth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/quotes" {
			t.Errorf("request = %s %s, want POST /quotes", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"quoteId":"q-42","rate":18.5125}`))
	}))
	defer server.Close()

	g, err := NewRestGateway(Config{BaseURL: server.URL + "/", Token: "secret", Timeout: time.Second, RatePerSec: 100})
	if err != nil {
		t.Fatalf("NewRestGateway() error = %v", err)
	}

	quote, err := g.Quote(context.Background(), testTrade(), testClient())
	if err != nil {
		t.Fatalf("Quote() unexpected error: %v", err)
	}

	if quote.ID != "q-42" {
		t.Fatalf("quote.ID = %q, want %q", quote.ID, "q-42")
	}
	if !quote.Rate.Equal(decimal.RequireFromString("18.5125")) {
		t.Fatalf("quote.Rate = %s, want 18.5125", quote.Rate)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("Authorization = %q, want %q", gotAuth, "Bearer secret")
	}
	if gotBody.TradeID != "trade-1" || gotBody.ZARAccount != "ZA-001" || gotBody.CIFNumber != "CIF-100" {
		t.Fatalf("unexpected quote request: %+v", gotBody)
	}
	if !gotBody.AmountZAR.Equal(decimal.NewFromInt(15000)) {
		t.Fatalf("request.amountZar = %s, want 15000", gotBody.AmountZAR)
	}
}

func TestRestGatewayExecuteSuccess(t *testing.T) {
	t.Parallel()

	var gotBody dealRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/deals" {
			t.Errorf("path = %s, want /deals", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"bankTrxnId":"trxn-9","dealRef":"deal-9"}`))
	}))
	defer server.Close()

	g := newTestGateway(t, server)

	settlement, err := g.Execute(context.Background(), testTrade(), domain.Quote{
		ID:   "q-42",
		Rate: decimal.RequireFromString("18.5"),
	})
	if err != nil {
		t.Fatalf("Execute() unexpected error: %v", err)
	}

	if settlement.ID != "trxn-9" || settlement.Reference != "deal-9" {
		t.Fatalf("settlement = %+v, want trxn-9/deal-9", settlement)
	}
	if gotBody.QuoteID != "q-42" {
		t.Fatalf("request.quoteId = %q, want q-42", gotBody.QuoteID)
	}
}

func TestRestGatewayStatusClassification(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		statusCode    int
		body          string
		wantTransient bool
		wantMessage   string
		wantReason    string
	}{
		{
			name:          "too many requests is transient",
			statusCode:    http.StatusTooManyRequests,
			wantTransient: true,
			wantMessage:   "gateway returned status 429",
			wantReason:    "transient",
		},
		{
			name:          "unprocessable uses gateway message",
			statusCode:    http.StatusUnprocessableEntity,
			body:          `{"message":"insufficient funds"}`,
			wantTransient: false,
			wantMessage:   "insufficient funds",
			wantReason:    "rejected",
		},
		{
			name:          "bad gateway is transient",
			statusCode:    http.StatusBadGateway,
			body:          `{"message":"upstream unavailable"}`,
			wantTransient: true,
			wantMessage:   "upstream unavailable",
			wantReason:    "transient",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.statusCode)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			g := newTestGateway(t, server)

			_, err := g.Quote(context.Background(), testTrade(), testClient())
			if err == nil {
				t.Fatal("expected error")
			}

			if got := IsTransient(err); got != tc.wantTransient {
				t.Fatalf("IsTransient() = %v, want %v", got, tc.wantTransient)
			}
			if got := Reason(err); got != tc.wantReason {
				t.Fatalf("Reason() = %q, want %q", got, tc.wantReason)
			}

			var gatewayErr *GatewayError
			if !errors.As(err, &gatewayErr) {
				t.Fatalf("expected GatewayError, got %T", err)
			}
			if gatewayErr.StatusCode != tc.statusCode {
				t.Fatalf("GatewayError.StatusCode = %d, want %d", gatewayErr.StatusCode, tc.statusCode)
			}
			if gatewayErr.Message != tc.wantMessage {
				t.Fatalf("GatewayError.Message = %q, want %q", gatewayErr.Message, tc.wantMessage)
			}
		})
	}
}

func TestRestGatewayTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := resty.New()
	client.SetTimeout(30 * time.Millisecond)

	g, err := NewRestGatewayWithClient(server.URL, client, nil)
	if err != nil {
		t.Fatalf("NewRestGatewayWithClient() error = %v", err)
	}

	_, err = g.Execute(context.Background(), testTrade(), domain.Quote{ID: "q-1", Rate: decimal.NewFromInt(18)})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !IsTransient(err) {
		t.Fatalf("IsTransient() = false, want true (err=%v)", err)
	}
}

func TestRestGatewayCanceledContextIsPermanent(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	g := newTestGateway(t, server)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Quote(ctx, testTrade(), testClient())
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTransient(err) {
		t.Fatalf("IsTransient() = true, want false (err=%v)", err)
	}
	if got := Reason(err); got != "canceled" {
		t.Fatalf("Reason() = %q, want canceled", got)
	}
}

func TestNewRestGatewayValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewRestGateway(Config{}); err == nil {
		t.Fatal("expected error for empty base url")
	}
	if _, err := NewRestGateway(Config{BaseURL: "not a url"}); err == nil {
		t.Fatal("expected error for invalid base url")
	}
	if _, err := NewRestGatewayWithClient("http://localhost", nil, nil); err == nil {
		t.Fatal("expected error for nil client")
	}
}
