package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/gorilla/websocket"

	"cryptoguard/internal/ratelimit"
	"cryptoguard/logger"
)

const (
	DefaultStreamURL = "wss://fstream.binance.com/ws"
	TestnetStreamURL = "wss://stream.binancefuture.com/ws"

	subscribeTimeout = 10 * time.Second
	readTimeout      = 35 * time.Second
	pingInterval     = 20 * time.Second
)

type wsRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type wsResponse struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

// BinanceStream multiplexes kline subscriptions over one websocket. The
// connection is dialled on first use and redialled by the next subscribe
// after a read failure, a missed pong or an unanswered request.
type BinanceStream struct {
	url    string
	dialer *websocket.Dialer
	log    *logger.Log
	weight *ratelimit.WSWeightTracker

	ackTimeout   time.Duration
	readTimeout  time.Duration
	pingInterval time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string]KlineHandler
	pending  map[int64]chan error

	writeMu sync.Mutex
	nextID  atomic.Int64
}

func NewBinanceStream(url string, weight *ratelimit.WSWeightTracker) *BinanceStream {
	if url == "" {
		url = DefaultStreamURL
	}
	if weight == nil {
		weight = ratelimit.NewWSWeightTracker()
	}
	return &BinanceStream{
		url:      strings.TrimRight(url, "/"),
		dialer:   &websocket.Dialer{HandshakeTimeout: subscribeTimeout},
		log:      logger.GetLogger(),
		weight:   weight,

		ackTimeout:   subscribeTimeout,
		readTimeout:  readTimeout,
		pingInterval: pingInterval,

		handlers: make(map[string]KlineHandler),
		pending:  make(map[int64]chan error),
	}
}

// StreamName builds the Binance stream identifier for a kline feed.
func StreamName(symbol, interval string) string {
	return strings.ToLower(symbol) + "@kline_" + interval
}

// SubscribeKlines sends a SUBSCRIBE frame and waits for its acknowledgement.
// A rejected subscription is reported through the result rather than the
// error so callers can retry uniformly.
func (b *BinanceStream) SubscribeKlines(ctx context.Context, symbol, interval string, onMessage KlineHandler) (SubscriptionResult, error) {
	stream := StreamName(symbol, interval)
	conn, err := b.ensureConn(ctx)
	if err != nil {
		return SubscriptionResult{Err: err}, err
	}

	b.mu.Lock()
	b.handlers[stream] = onMessage
	b.mu.Unlock()

	if err := b.request(ctx, conn, "SUBSCRIBE", stream); err != nil {
		b.mu.Lock()
		delete(b.handlers, stream)
		b.mu.Unlock()
		return SubscriptionResult{Err: err}, nil
	}

	b.log.WithComponent("binance_stream").WithFields(logger.Fields{"stream": stream}).Info("subscribed")
	return SubscriptionResult{Success: true, Handle: stream}, nil
}

func (b *BinanceStream) Unsubscribe(ctx context.Context, handle string) error {
	b.mu.Lock()
	delete(b.handlers, handle)
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	return b.request(ctx, conn, "UNSUBSCRIBE", handle)
}

// Close drops the connection and every registered handler.
func (b *BinanceStream) Close() error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.handlers = make(map[string]KlineHandler)
	b.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// ensureConn dials without holding b.mu; when two callers race, the first
// installed connection wins and the other is closed.
func (b *BinanceStream) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	b.weight.RegisterConnectionAttempt()
	conn, _, err := b.dialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", b.url, err)
	}

	b.mu.Lock()
	if b.conn != nil {
		existing := b.conn
		b.mu.Unlock()
		_ = conn.Close()
		return existing, nil
	}
	b.conn = conn
	b.mu.Unlock()
	go b.readLoop(conn)

	b.log.WithComponent("binance_stream").WithFields(logger.Fields{"url": b.url}).Info("websocket connected")
	return conn, nil
}

func (b *BinanceStream) request(ctx context.Context, conn *websocket.Conn, method, stream string) error {
	id := b.nextID.Add(1)
	ack := make(chan error, 1)

	b.mu.Lock()
	b.pending[id] = ack
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	b.writeMu.Lock()
	b.weight.RegisterOutgoing(1)
	err := conn.WriteJSON(wsRequest{Method: method, Params: []string{stream}, ID: id})
	b.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%s %s: %w", strings.ToLower(method), stream, err)
	}

	timer := time.NewTimer(b.ackTimeout)
	defer timer.Stop()
	select {
	case err := <-ack:
		return err
	case <-timer.C:
		err := fmt.Errorf("%s %s: no acknowledgement within %s", strings.ToLower(method), stream, b.ackTimeout)
		b.dropConn(conn, err)
		return err
	case <-ctx.Done():
		// A caller deadline expiring means the socket stopped answering;
		// a plain cancellation leaves the connection to other subscribers.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			b.dropConn(conn, ctx.Err())
		}
		return ctx.Err()
	}
}

func (b *BinanceStream) readLoop(conn *websocket.Conn) {
	log := b.log.WithComponent("binance_stream")

	_ = conn.SetReadDeadline(time.Now().Add(b.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(b.readTimeout))
	})
	stopPing := b.startPingLoop(conn, log)
	defer stopPing()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			b.dropConn(conn, err)
			if !errors.Is(err, websocket.ErrCloseSent) && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.WithError(err).Warn("websocket read error, connection dropped")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(b.readTimeout))
		b.dispatch(msg)
	}
}

func (b *BinanceStream) startPingLoop(conn *websocket.Conn, log *logger.Entry) func() {
	done := make(chan struct{})
	ticker := time.NewTicker(b.pingInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					log.WithError(err).Warn("failed to send websocket ping")
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func (b *BinanceStream) dispatch(msg []byte) {
	var resp wsResponse
	if err := json.Unmarshal(msg, &resp); err == nil && resp.ID != nil {
		var ackErr error
		if resp.Error != nil {
			ackErr = fmt.Errorf("binance rejected request %d: code %d: %s", *resp.ID, resp.Error.Code, resp.Error.Msg)
		}
		b.mu.Lock()
		ack, ok := b.pending[*resp.ID]
		b.mu.Unlock()
		if ok {
			ack <- ackErr
		}
		return
	}

	var event futures.WsKlineEvent
	if err := json.Unmarshal(msg, &event); err != nil || event.Event != "kline" {
		b.log.WithComponent("binance_stream").Debug("ignoring non-kline message")
		return
	}

	stream := StreamName(event.Symbol, event.Kline.Interval)
	b.mu.Lock()
	handler := b.handlers[stream]
	b.mu.Unlock()
	if handler != nil {
		handler(&event)
	}
}

// dropConn fails the pending requests only while conn is still the active
// connection; a late call from a replaced socket's read loop is a no-op.
func (b *BinanceStream) dropConn(conn *websocket.Conn, cause error) {
	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
		for id, ack := range b.pending {
			select {
			case ack <- fmt.Errorf("connection lost: %w", cause):
			default:
			}
			delete(b.pending, id)
		}
	}
	b.mu.Unlock()
	_ = conn.Close()
}
