package exchange

import (
	"context"

	"github.com/arafuse/CryptoWatcher/internal/models"

	"github.com/pkg/errors"
)

// ErrNotSupported is returned by clients for optional operations their
// exchange cannot serve, eg. historical tick ranges.
var ErrNotSupported = errors.New("operation not supported by exchange")

// Client is the exchange abstraction the market and trader services work
// against. Implementations must be safe for concurrent use.
type Client interface {
	// GetMarketSummaries returns 24-hour summaries for every pair on the exchange.
	GetMarketSummaries(ctx context.Context) (map[string]*models.Summary, error)

	// GetTicks returns up to length most recent sparse ticks for a pair.
	// length <= 0 requests the exchange default history.
	GetTicks(ctx context.Context, pair string, length int) ([]models.RawTick, error)

	// GetTickRange returns sparse ticks within [start, end). May return
	// ErrNotSupported.
	GetTickRange(ctx context.Context, pair string, start, end int64) ([]models.RawTick, error)

	// GetLastValues returns the latest close value and rolling 24-hour base
	// volume for a pair.
	GetLastValues(ctx context.Context, pair string) (models.LastValues, error)

	BuyLimit(ctx context.Context, pair string, quantity, price float64) (string, error)
	SellLimit(ctx context.Context, pair string, quantity, price float64) (string, error)
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetBalance(ctx context.Context, currency string) (float64, error)
}
