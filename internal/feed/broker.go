// Package feed maintains the broker price session: a websocket stream of
// ticks cached per instrument, guarded by a circuit breaker so a flapping
// broker connection cannot turn into a reconnect storm. The rest of the
// system consumes it through domain.PriceFeed and treats every error as
// transient.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/whoiscaerus/signalrelay/internal/domain"
)

// maxQuoteAge is how old a cached tick may be before Quote refuses to
// serve it. Hidden-level evaluation against a stale price would be worse
// than skipping the position for one tick.
const maxQuoteAge = 30 * time.Second

// tickMessage is the broker's wire format for one price update.
type tickMessage struct {
	Instrument string  `json:"instrument"`
	Bid        float64 `json:"bid"`
	Ask        float64 `json:"ask"`
	Last       float64 `json:"last"`
	Timestamp  int64   `json:"ts"` // Unix milliseconds
}

// subscribeMessage asks the broker stream for the given instruments.
type subscribeMessage struct {
	Op          string   `json:"op"`
	Instruments []string `json:"instruments"`
}

// BrokerFeed implements domain.PriceFeed over the broker's websocket tick
// stream. Ticks land in the price cache; Quote serves only from the cache,
// so a monitor tick never blocks on the network.
type BrokerFeed struct {
	wsURL       string
	instruments []string
	prices      domain.PriceCache
	breaker     *CircuitBreaker
	logger      *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewBrokerFeed creates a feed that subscribes to the given instruments.
func NewBrokerFeed(wsURL string, instruments []string, prices domain.PriceCache, breaker *CircuitBreaker, logger *slog.Logger) *BrokerFeed {
	if breaker == nil {
		breaker = NewCircuitBreaker(0, 0, 0)
	}
	return &BrokerFeed{
		wsURL:       wsURL,
		instruments: instruments,
		prices:      prices,
		breaker:     breaker,
		logger:      logger.With(slog.String("component", "broker_feed")),
	}
}

// Run connects, subscribes, and pumps ticks into the price cache until ctx
// is cancelled. Disconnects are retried with a fixed delay behind the
// circuit breaker.
func (f *BrokerFeed) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if !f.breaker.Allow() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.breaker.RecordFailure()
		f.logger.WarnContext(ctx, "broker stream disconnected, retrying",
			slog.String("error", err.Error()),
			slog.String("breaker", f.breaker.State()),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (f *BrokerFeed) runConnection(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, f.wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", f.wsURL, err)
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
		_ = conn.Close()
	}()

	sub := subscribeMessage{Op: "subscribe", Instruments: f.instruments}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}

	f.logger.InfoContext(ctx, "broker stream subscribed",
		slog.Int("instruments", len(f.instruments)),
	)
	f.breaker.RecordSuccess()

	// Close the connection when ctx is cancelled so ReadMessage unblocks.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}

		var tick tickMessage
		if err := json.Unmarshal(data, &tick); err != nil {
			f.logger.DebugContext(ctx, "unparsable tick dropped", slog.String("error", err.Error()))
			continue
		}
		if tick.Instrument == "" {
			continue
		}

		price := tick.Last
		if price == 0 && tick.Bid > 0 && tick.Ask > 0 {
			price = (tick.Bid + tick.Ask) / 2
		}
		if price == 0 {
			continue
		}

		ts := time.UnixMilli(tick.Timestamp)
		if tick.Timestamp == 0 {
			ts = time.Now()
		}
		if err := f.prices.SetPrice(ctx, tick.Instrument, price, ts); err != nil {
			f.logger.WarnContext(ctx, "price cache write failed",
				slog.String("instrument", tick.Instrument),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Quote returns the most recent cached price for the instrument. It
// returns domain.ErrFeedUnavailable when no tick is cached or the cached
// tick is older than the staleness bound.
func (f *BrokerFeed) Quote(ctx context.Context, instrument string) (float64, error) {
	price, ts, err := f.prices.GetPrice(ctx, instrument)
	if err != nil {
		return 0, fmt.Errorf("feed: quote %s: %w", instrument, domain.ErrFeedUnavailable)
	}
	if time.Since(ts) > maxQuoteAge {
		return 0, fmt.Errorf("feed: quote %s: stale tick: %w", instrument, domain.ErrFeedUnavailable)
	}
	return price, nil
}

// Compile-time interface check.
var _ domain.PriceFeed = (*BrokerFeed)(nil)
