package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/arafuse/CryptoWatcher/internal/models"
)

// FakeClient — скриптуемый клиент для тестов. Все данные задаются заранее.
type FakeClient struct {
	mu sync.Mutex

	Summaries  map[string]*models.Summary
	Ticks      map[string][]models.RawTick
	LastValues map[string]models.LastValues
	Balances   map[string]float64
	Orders     map[string]*models.Order

	// FailCalls вызывает ошибку на первых N вызовах каждого метода.
	FailCalls int
	calls     map[string]int

	nextOrderID int
	Placed      []*models.Order
	Cancelled   []string
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		Summaries:  make(map[string]*models.Summary),
		Ticks:      make(map[string][]models.RawTick),
		LastValues: make(map[string]models.LastValues),
		Balances:   make(map[string]float64),
		Orders:     make(map[string]*models.Order),
		calls:      make(map[string]int),
	}
}

func (f *FakeClient) failing(method string) bool {
	f.calls[method]++
	return f.calls[method] <= f.FailCalls
}

func (f *FakeClient) GetMarketSummaries(ctx context.Context) (map[string]*models.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing("summaries") {
		return nil, fmt.Errorf("scripted failure")
	}
	out := make(map[string]*models.Summary, len(f.Summaries))
	for pair, s := range f.Summaries {
		cp := *s
		out[pair] = &cp
	}
	return out, nil
}

func (f *FakeClient) GetTicks(ctx context.Context, pair string, length int) ([]models.RawTick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing("ticks") {
		return nil, fmt.Errorf("scripted failure")
	}
	ticks := f.Ticks[pair]
	if length > 0 && len(ticks) > length {
		ticks = ticks[len(ticks)-length:]
	}
	out := make([]models.RawTick, len(ticks))
	copy(out, ticks)
	return out, nil
}

func (f *FakeClient) GetTickRange(ctx context.Context, pair string, start, end int64) ([]models.RawTick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing("tickrange") {
		return nil, fmt.Errorf("scripted failure")
	}
	var out []models.RawTick
	for _, tick := range f.Ticks[pair] {
		if tick.Time >= start && tick.Time < end {
			out = append(out, tick)
		}
	}
	return out, nil
}

func (f *FakeClient) GetLastValues(ctx context.Context, pair string) (models.LastValues, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing("last") {
		return models.LastValues{}, fmt.Errorf("scripted failure")
	}
	values, ok := f.LastValues[pair]
	if !ok {
		return models.LastValues{}, fmt.Errorf("no last values for %q", pair)
	}
	return values, nil
}

func (f *FakeClient) place(pair, side string, quantity, price float64) (string, error) {
	f.nextOrderID++
	id := fmt.Sprintf("fake-%d", f.nextOrderID)
	order := &models.Order{
		ID:       id,
		Pair:     pair,
		Side:     side,
		Quantity: quantity,
		Price:    price,
		Open:     false,
	}
	f.Orders[id] = order
	f.Placed = append(f.Placed, order)
	return id, nil
}

func (f *FakeClient) BuyLimit(ctx context.Context, pair string, quantity, price float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing("buy") {
		return "", fmt.Errorf("scripted failure")
	}
	return f.place(pair, "buy", quantity, price)
}

func (f *FakeClient) SellLimit(ctx context.Context, pair string, quantity, price float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing("sell") {
		return "", fmt.Errorf("scripted failure")
	}
	return f.place(pair, "sell", quantity, price)
}

func (f *FakeClient) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.Orders[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown order %q", orderID)
	}
	cp := *order
	return &cp, nil
}

func (f *FakeClient) CancelOrder(ctx context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Cancelled = append(f.Cancelled, orderID)
	if order, ok := f.Orders[orderID]; ok {
		order.Open = false
	}
	return nil
}

func (f *FakeClient) GetBalance(ctx context.Context, currency string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing("balance") {
		return 0, fmt.Errorf("scripted failure")
	}
	return f.Balances[currency], nil
}
