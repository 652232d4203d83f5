package oracle

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"defiflow/logger"
)

const defaultStreamURL = "wss://stream.binance.com:9443/ws/!miniTicker@arr"

// miniTicker is the wire shape of a single Binance miniTicker event.
type miniTicker struct {
	Symbol string `json:"s"`
	Close  string `json:"c"`
	Open   string `json:"o"`
}

// Stream maintains a live quote cache fed by the Binance miniTicker
// websocket feed. Lookups never block on the connection.
type Stream struct {
	url string

	mu     sync.RWMutex
	quotes map[string]Quote

	running bool
	wg      sync.WaitGroup
	log     *logger.Entry
}

// NewStream creates a stream for the given websocket URL. An empty URL uses
// the public Binance combined miniTicker feed.
func NewStream(url string) *Stream {
	if url == "" {
		url = defaultStreamURL
	}
	return &Stream{
		url:    url,
		quotes: make(map[string]Quote),
		log:    logger.GetLogger().WithComponent("oracle-stream"),
	}
}

// Start launches the read loop. It returns immediately; the connection is
// re-established with backoff until the context is cancelled.
func (s *Stream) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)
}

// Stop waits for the read loop to exit. The caller cancels the context
// passed to Start first.
func (s *Stream) Stop() {
	s.wg.Wait()
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.log.Info("oracle stream stopped")
}

// Lookup returns the cached quote for a market pair such as ETHUSDT.
func (s *Stream) Lookup(pair string) (Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[pair]
	return q, ok
}

func (s *Stream) run(ctx context.Context) {
	defer s.wg.Done()

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.log.WithError(err).Warn("failed to connect price stream, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		s.log.WithFields(logger.Fields{"url": s.url}).Info("price stream connected")
		backoff = time.Second

		s.readLoop(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		s.log.Warn("price stream disconnected, reconnecting")
	}
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Unblock ReadMessage when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.log.WithError(err).Warn("price stream read failed")
			}
			return
		}

		var tickers []miniTicker
		if err := json.Unmarshal(payload, &tickers); err != nil {
			s.log.WithError(err).Debug("skipping malformed stream payload")
			continue
		}
		s.apply(tickers)
		logger.RecordChannelMessage("oracle_stream", len(payload))
	}
}

// apply folds a batch of ticker events into the cache.
func (s *Stream) apply(tickers []miniTicker) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range tickers {
		closePrice, err := strconv.ParseFloat(t.Close, 64)
		if err != nil || closePrice <= 0 {
			continue
		}
		change := 0.0
		if openPrice, err := strconv.ParseFloat(t.Open, 64); err == nil && openPrice > 0 {
			change = (closePrice - openPrice) / openPrice * 100
		}
		s.quotes[t.Symbol] = Quote{Price: closePrice, Change24h: change}
	}
}
