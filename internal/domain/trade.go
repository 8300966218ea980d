package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TradeStatus represents the lifecycle state of a trade.
type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "PENDING"
	TradeStatusQuoted    TradeStatus = "QUOTED"
	TradeStatusExecuting TradeStatus = "EXECUTING"
	TradeStatusSuccess   TradeStatus = "SUCCESS"
	TradeStatusFailed    TradeStatus = "FAILED"
	TradeStatusCancelled TradeStatus = "CANCELLED"
)

func (s TradeStatus) String() string { return string(s) }

func (s TradeStatus) IsValid() bool {
	switch s {
	case TradeStatusPending, TradeStatusQuoted, TradeStatusExecuting,
		TradeStatusSuccess, TradeStatusFailed, TradeStatusCancelled:
		return true
	}
	return false
}

func (s TradeStatus) IsTerminal() bool {
	switch s {
	case TradeStatusSuccess, TradeStatusFailed, TradeStatusCancelled:
		return true
	}
	return false
}

func ParseTradeStatusFromString(s string) (TradeStatus, error) {
	st := TradeStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid trade status %q", ErrValidation, s)
	}
	return st, nil
}

// Trade status messages written by the executor and the runner.
const (
	MessageClientNotFound   = "client not found"
	MessageInvalidAmount    = "invalid amount"
	MessageNoZARAccount     = "client has no ZAR account"
	MessageMissingQuote     = "missing quote information"
	MessageBatchCancelled   = "batch cancelled"
	MessageInterrupted      = "interrupted before execution"
	MessageUnexpectedPrefix = "unexpected error: "
)

// Trade is one settlement instruction owned by a batch.
type Trade struct {
	ID            string
	BatchID       string
	ClientID      string
	AmountZAR     decimal.Decimal
	Status        TradeStatus
	StatusMessage string
	QuoteID       *string
	QuoteRate     *decimal.Decimal
	SettlementID  *string
	SettlementRef *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (t *Trade) Validate() error {
	if strings.TrimSpace(t.ClientID) == "" {
		return fmt.Errorf("%w: clientId is required", ErrValidation)
	}
	if !t.AmountZAR.IsPositive() {
		return fmt.Errorf("%w: amountZar must be positive", ErrValidation)
	}
	return nil
}

// Client is the counterparty a trade settles for.
type Client struct {
	ID         string
	Name       string
	CIFNumber  string
	ZARAccount *string
}

func (c Client) HasZARAccount() bool {
	return c.ZARAccount != nil && strings.TrimSpace(*c.ZARAccount) != ""
}

// Quote is a priced offer returned by the settlement gateway.
type Quote struct {
	ID   string
	Rate decimal.Decimal
}

func (q Quote) IsComplete() bool {
	return strings.TrimSpace(q.ID) != "" && q.Rate.IsPositive()
}

// Settlement identifies an executed trade at the gateway.
type Settlement struct {
	ID        string
	Reference string
}

// TradeStatusCount is the number of a batch's trades in one status.
type TradeStatusCount struct {
	Status TradeStatus
	Count  int
}

// TradeCounts aggregates a batch's trades by outcome.
type TradeCounts struct {
	Total     int
	Success   int
	Failed    int
	Cancelled int
}

func CountTrades(counts []TradeStatusCount) TradeCounts {
	var tc TradeCounts
	for _, c := range counts {
		tc.Total += c.Count
		switch c.Status {
		case TradeStatusSuccess:
			tc.Success += c.Count
		case TradeStatusFailed:
			tc.Failed += c.Count
		case TradeStatusCancelled:
			tc.Cancelled += c.Count
		}
	}
	return tc
}

// Processed counts every trade in a terminal status.
func (c TradeCounts) Processed() int {
	return c.Success + c.Failed + c.Cancelled
}

// AllTerminal reports whether no trade is still in flight or pending.
func (c TradeCounts) AllTerminal() bool {
	return c.Processed() == c.Total
}

// FinalBatchStatus derives the terminal status of a batch whose trades are all terminal.
// An empty batch is FAILED.
func FinalBatchStatus(c TradeCounts) BatchStatus {
	switch {
	case c.Total == 0:
		return BatchStatusFailed
	case c.Success == c.Total:
		return BatchStatusSuccess
	case c.Failed == c.Total:
		return BatchStatusFailed
	case c.Success > 0:
		return BatchStatusPartialSuccess
	default:
		return BatchStatusFailed
	}
}

// TradeErrorSummary groups failed trades by their status message.
type TradeErrorSummary struct {
	Message string
	Count   int
}
