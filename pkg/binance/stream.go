package binance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/gregtusar/papertrade/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	pingInterval   = 30 * time.Second
	readTimeout    = 90 * time.Second
	minReconnect   = time.Second
	maxReconnect   = 30 * time.Second
	handshakeLimit = 10 * time.Second
)

type streamEnvelope struct {
	Stream string     `json:"stream"`
	Data   miniTicker `json:"data"`
}

type miniTicker struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
}

// Stream keeps the latest mini-ticker close price per symbol from the
// combined stream endpoint.
type Stream struct {
	url    string
	logger *logrus.Logger
	dialer websocket.Dialer

	mu     sync.RWMutex
	latest map[string]models.Ticker
	onTick func(models.Ticker)
}

func NewStream(baseURL string, symbols []string, logger *logrus.Logger) *Stream {
	if baseURL == "" {
		baseURL = DefaultStreamURL
	}
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(models.NormalizeSymbol(s))+"@miniTicker")
	}

	return &Stream{
		url:    strings.TrimRight(baseURL, "/") + "/stream?streams=" + strings.Join(streams, "/"),
		logger: logger,
		dialer: websocket.Dialer{HandshakeTimeout: handshakeLimit},
		latest: make(map[string]models.Ticker),
	}
}

// OnTick registers a callback invoked for every decoded ticker. It must be set before Run.
func (s *Stream) OnTick(fn func(models.Ticker)) {
	s.onTick = fn
}

func (s *Stream) URL() string {
	return s.url
}

// Latest returns the last close price seen for symbol and when it was received.
func (s *Stream) Latest(symbol string) (decimal.Decimal, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.latest[models.NormalizeSymbol(symbol)]
	if !ok {
		return decimal.Zero, time.Time{}, false
	}
	return t.LastPrice, t.Timestamp, true
}

// Run connects and reads until ctx is cancelled, reconnecting with
// exponential backoff after every failure.
func (s *Stream) Run(ctx context.Context) error {
	backoff := minReconnect
	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = minReconnect
		}
		s.logger.WithError(err).WithField("retry_in", backoff).Warn("Binance stream disconnected")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnect {
			backoff = maxReconnect
		}
	}
}

func (s *Stream) session(ctx context.Context) (bool, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to connect to stream: %w", err)
	}
	s.logger.WithField("url", s.url).Info("Connected to Binance stream")

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.keepAlive(sessionCtx, conn)
	go func() {
		<-sessionCtx.Done()
		conn.Close()
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	return true, s.readLoop(conn)
}

func (s *Stream) readLoop(conn *websocket.Conn) error {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read stream message: %w", err)
		}

		var env streamEnvelope
		if err := sonic.ConfigFastest.Unmarshal(raw, &env); err != nil {
			s.logger.WithError(err).Debug("Skipping undecodable stream message")
			continue
		}
		if err := s.handle(env.Data); err != nil {
			s.logger.WithError(err).WithField("stream", env.Stream).Debug("Skipping stream message")
		}
	}
}

func (s *Stream) handle(t miniTicker) error {
	if t.Symbol == "" {
		return fmt.Errorf("missing symbol")
	}
	price, err := decimal.NewFromString(t.Close)
	if err != nil {
		return fmt.Errorf("invalid close price %q: %w", t.Close, err)
	}

	ticker := models.Ticker{
		Symbol:    models.NormalizeSymbol(t.Symbol),
		LastPrice: price,
		Timestamp: time.Now().UTC(),
	}
	s.mu.Lock()
	s.latest[ticker.Symbol] = ticker
	s.mu.Unlock()

	if s.onTick != nil {
		s.onTick(ticker)
	}
	return nil
}

func (s *Stream) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.WithError(err).Debug("Failed to send ping")
				return
			}
		}
	}
}
