package gateway

import (
	"context"

	"github.com/kursadbilgin/fx-batch-engine/internal/domain"
)

// Gateway is the outbound FX settlement port: a trade is quoted first and then booked
// against the quote.
type Gateway interface {
	Quote(ctx context.Context, trade domain.Trade, client domain.Client) (*domain.Quote, error)
	Execute(ctx context.Context, trade domain.Trade, quote domain.Quote) (*domain.Settlement, error)
}
