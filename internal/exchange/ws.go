package exchange

import (
	"context"
	"time"

	"github.com/arafuse/CryptoWatcher/internal/models"
	"github.com/arafuse/CryptoWatcher/pkg/logger"

	"github.com/bytedance/sonic"
)

// TickerUpdate — последняя цена и суточный объём по одной паре.
type TickerUpdate struct {
	Pair   string
	Values models.LastValues
}

// TickerStreamer реализуют клиенты с потоком тикеров по WebSocket.
type TickerStreamer interface {
	StreamTickers(ctx context.Context, wsURL string, pairs []string) <-chan TickerUpdate
}

// StreamTickers — один WebSocket на все пары. Обновляет кеш последних
// значений (GetLastValues отдаёт из кеша) и возвращает поток обновлений.
// При разрыве переподключается с паузой в секунду.
func (c *BittrexClient) StreamTickers(ctx context.Context, wsURL string, pairs []string) <-chan TickerUpdate {
	ch := make(chan TickerUpdate)
	go func() {
		defer close(ch)

		if len(pairs) == 0 {
			return
		}

		// подписка сразу пачкой
		channels := make([]string, 0, len(pairs))
		for _, pair := range pairs {
			channels = append(channels, "ticker_"+denormalizePair(pair))
		}

		for {
			logger.Debug(1, "WS connect %d tickers.", len(pairs))
			conn, _, err := c.wsDialer.Dial(wsURL, nil)
			if err != nil {
				logger.Warn("WS dial error: %v", err)
				time.Sleep(time.Second)
				continue
			}

			sub := map[string]any{
				"op":       "subscribe",
				"channels": channels,
			}
			if err := conn.WriteJSON(sub); err != nil {
				logger.Warn("WS subscribe error: %v", err)
				_ = conn.Close()
				continue
			}

			// keepalive ping каждые 15s, иначе сервер рвёт соединение
			stopPing := make(chan struct{})
			go func() {
				t := time.NewTicker(15 * time.Second)
				defer t.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-stopPing:
						return
					case <-t.C:
						_ = conn.WriteJSON(map[string]string{"op": "ping"})
					}
				}
			}()

			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					logger.Warn("WS read error: %v", err)
					_ = conn.Close()
					close(stopPing)
					break
				}

				var frame struct {
					Channel string `json:"channel"`
					Data    struct {
						Symbol        string  `json:"symbol"`
						LastTradeRate float64 `json:"lastTradeRate,string"`
						QuoteVolume   float64 `json:"quoteVolume,string"`
					} `json:"data"`
				}
				if err := sonic.Unmarshal(msg, &frame); err != nil {
					continue
				}
				if frame.Data.Symbol == "" || frame.Data.LastTradeRate <= 0 {
					continue
				}

				pair := normalizePair(frame.Data.Symbol)
				values := models.LastValues{
					Value:  frame.Data.LastTradeRate,
					Volume: frame.Data.QuoteVolume,
				}
				c.setLastValues(pair, values)

				select {
				case ch <- TickerUpdate{Pair: pair, Values: values}:
				case <-ctx.Done():
					_ = conn.Close()
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			default:
				time.Sleep(time.Second)
			}
		}
	}()
	return ch
}
