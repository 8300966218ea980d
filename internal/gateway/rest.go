package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/fx-batch-engine/internal/domain"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultRatePerSec = 20

	quotesPath = "/quotes"
	dealsPath  = "/deals"
)

type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	RatePerSec int
}

type quoteRequest struct {
	TradeID    string          `json:"tradeId"`
	ClientID   string          `json:"clientId"`
	CIFNumber  string          `json:"cifNumber"`
	ZARAccount string          `json:"zarAccount"`
	AmountZAR  decimal.Decimal `json:"amountZar"`
}

type quoteResponse struct {
	QuoteID string          `json:"quoteId"`
	Rate    decimal.Decimal `json:"rate"`
}

type dealRequest struct {
	TradeID   string          `json:"tradeId"`
	QuoteID   string          `json:"quoteId"`
	Rate      decimal.Decimal `json:"rate"`
	AmountZAR decimal.Decimal `json:"amountZar"`
}

type dealResponse struct {
	BankTrxnID string `json:"bankTrxnId"`
	DealRef    string `json:"dealRef"`
}

type errorResponse struct {
	Message string `json:"message"`
}

var _ Gateway = (*RestGateway)(nil)

// RestGateway talks to the settlement gateway's JSON API. Calls are paced by a
// client-side token bucket and bounded by the HTTP client timeout.
type RestGateway struct {
	client  *resty.Client
	limiter *rate.Limiter
}

func NewRestGateway(cfg Config) (*RestGateway, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ratePerSec := cfg.RatePerSec
	if ratePerSec <= 0 {
		ratePerSec = defaultRatePerSec
	}

	client := resty.New()
	client.SetTimeout(timeout)
	if token := strings.TrimSpace(cfg.Token); token != "" {
		client.SetAuthToken(token)
	}

	return NewRestGatewayWithClient(cfg.BaseURL, client, rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec))
}

func NewRestGatewayWithClient(baseURL string, client *resty.Client, limiter *rate.Limiter) (*RestGateway, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("gateway base url is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, fmt.Errorf("invalid gateway base url: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultTimeout)
	}
	client.SetBaseURL(trimmed)
	client.SetRetryCount(0)

	return &RestGateway{
		client:  client,
		limiter: limiter,
	}, nil
}

func (g *RestGateway) Quote(ctx context.Context, trade domain.Trade, client domain.Client) (*domain.Quote, error) {
	var zarAccount string
	if client.ZARAccount != nil {
		zarAccount = *client.ZARAccount
	}

	var result quoteResponse
	err := g.post(ctx, quotesPath, quoteRequest{
		TradeID:    trade.ID,
		ClientID:   client.ID,
		CIFNumber:  client.CIFNumber,
		ZARAccount: zarAccount,
		AmountZAR:  trade.AmountZAR,
	}, &result)
	if err != nil {
		return nil, err
	}

	return &domain.Quote{
		ID:   strings.TrimSpace(result.QuoteID),
		Rate: result.Rate,
	}, nil
}

func (g *RestGateway) Execute(ctx context.Context, trade domain.Trade, quote domain.Quote) (*domain.Settlement, error) {
	var result dealResponse
	err := g.post(ctx, dealsPath, dealRequest{
		TradeID:   trade.ID,
		QuoteID:   quote.ID,
		Rate:      quote.Rate,
		AmountZAR: trade.AmountZAR,
	}, &result)
	if err != nil {
		return nil, err
	}

	return &domain.Settlement{
		ID:        strings.TrimSpace(result.BankTrxnID),
		Reference: strings.TrimSpace(result.DealRef),
	}, nil
}

func (g *RestGateway) post(ctx context.Context, path string, body, result any) error {
	if g == nil || g.client == nil {
		return fmt.Errorf("gateway is not initialized")
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("gateway rate limiter: %w", err)
	}

	response, err := g.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(result).
		SetError(&errorResponse{}).
		Post(path)
	if err != nil {
		return &GatewayError{
			Message:   "gateway request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return &GatewayError{
			Message:   "gateway returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return nil
	}

	return &GatewayError{
		StatusCode: statusCode,
		Message:    gatewayErrorMessage(statusCode, response),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func gatewayErrorMessage(statusCode int, response *resty.Response) string {
	if errBody, ok := response.Error().(*errorResponse); ok && errBody != nil {
		if msg := strings.TrimSpace(errBody.Message); msg != "" {
			return msg
		}
	}
	return fmt.Sprintf("gateway returned status %d", statusCode)
}
