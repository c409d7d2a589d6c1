package prices

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	dialTimeout = 10 * time.Second
	writeWait   = 10 * time.Second
)

// Tick is one message on the price stream: a token identifier and its
// latest price.
type Tick struct {
	Token string  `json:"token"`
	Price float64 `json:"price"`
}

// FeedStats reports live feed health.
type FeedStats struct {
	Connected  bool
	Ticks      int64
	Reconnects int64
	LastTickAt int64
}

// Feed consumes a live price stream over a websocket and pre-warms the
// shared cache, so scans hit warm entries instead of paying upstream
// fetch latency. An empty URL disables the feed entirely.
type Feed struct {
	url           string
	cache         *Cache
	reconnectWait time.Duration
	pingInterval  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu sync.Mutex
	conn   *websocket.Conn

	connected  atomic.Bool
	ticks      atomic.Int64
	reconnects atomic.Int64
	lastTickAt atomic.Int64
}

// NewFeed creates a price feed for the given stream URL.
func NewFeed(url string, cache *Cache, reconnectWait, pingInterval time.Duration) *Feed {
	if reconnectWait <= 0 {
		reconnectWait = 5 * time.Second
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Feed{
		url:           url,
		cache:         cache,
		reconnectWait: reconnectWait,
		pingInterval:  pingInterval,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start launches the feed loop. Returns immediately; connection and
// reconnection happen in the background.
func (f *Feed) Start() error {
	if f.url == "" {
		log.Info().Msg("price feed disabled, no stream URL configured")
		return nil
	}

	f.wg.Add(1)
	go f.run()

	log.Info().Str("url", f.url).Msg("price feed started")
	return nil
}

// Stop tears the connection down and waits for the feed loop to exit.
// Safe to call on a feed that never started.
func (f *Feed) Stop() {
	f.cancel()

	f.connMu.Lock()
	if f.conn != nil {
		f.conn.Close()
	}
	f.connMu.Unlock()

	f.wg.Wait()
}

// Stats returns a snapshot of feed counters.
func (f *Feed) Stats() FeedStats {
	return FeedStats{
		Connected:  f.connected.Load(),
		Ticks:      f.ticks.Load(),
		Reconnects: f.reconnects.Load(),
		LastTickAt: f.lastTickAt.Load(),
	}
}

// run dials, reads until the connection drops, then redials after
// reconnectWait. Exits when the feed context is cancelled.
func (f *Feed) run() {
	defer f.wg.Done()

	attempts := 0
	for {
		if f.ctx.Err() != nil {
			return
		}

		conn, err := f.dial()
		if err != nil {
			attempts++
			log.Warn().Err(err).Int("attempt", attempts).Msg("price feed connect failed")
			if !f.sleep(f.reconnectWait) {
				return
			}
			continue
		}
		attempts = 0

		if err := f.readLoop(conn); err != nil && f.ctx.Err() == nil {
			log.Warn().Err(err).Msg("price feed connection lost")
		}

		f.connected.Store(false)
		if f.ctx.Err() != nil {
			return
		}
		f.reconnects.Add(1)
		if !f.sleep(f.reconnectWait) {
			return
		}
	}
}

func (f *Feed) dial() (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(f.ctx, dialTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, f.url, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	f.connected.Store(true)

	log.Info().Str("url", f.url).Msg("price feed connected")
	return conn, nil
}

// readLoop consumes ticks until the connection errors. A malformed
// message is skipped, not fatal: one bad frame must not cost a redial.
func (f *Feed) readLoop(conn *websocket.Conn) error {
	pingDone := make(chan struct{})
	defer close(pingDone)
	go f.pingLoop(conn, pingDone)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var tick Tick
		if err := json.Unmarshal(msg, &tick); err != nil {
			log.Debug().Err(err).Msg("skipping malformed price tick")
			continue
		}
		if tick.Token == "" || tick.Price <= 0 {
			continue
		}

		f.cache.Put(tick.Token, tick.Price)
		f.ticks.Add(1)
		f.lastTickAt.Store(time.Now().Unix())
	}
}

// pingLoop keeps the connection alive. Ping failure is left to the
// read loop, which sees the broken connection first.
func (f *Feed) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(f.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// sleep waits d or until the feed is stopped; reports whether to keep running.
func (f *Feed) sleep(d time.Duration) bool {
	select {
	case <-f.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
