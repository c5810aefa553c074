package feed

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"main/internal/obs"
	"main/internal/schema"
)

var (
	ErrNoSource = errors.New("feed: no source configured")
	ErrClosed   = errors.New("feed: client closed")
)

// Config wires one vendor feed client.
type Config struct {
	// Sources are redundant websocket endpoints pushing the same
	// stream. The client rotates to the next one after RotateAfter
	// consecutive connection failures.
	Sources []string
	Codes   []string
	Broker  string

	Publish func(schema.Event)
	Metrics *obs.Metrics

	RotateAfter      int
	RedialDelay      time.Duration
	HandshakeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RotateAfter <= 0 {
		c.RotateAfter = 3
	}
	if c.RedialDelay <= 0 {
		c.RedialDelay = time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Publish == nil {
		c.Publish = func(schema.Event) {}
	}
	return c
}

// Client streams market ticks and broker pushes from a vendor feed
// onto the bus. One connection serves both, so order-status records
// are published strictly before their fills.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer

	active   atomic.Int32
	failures int
	closed   atomic.Bool
	done     chan struct{}
}

// New validates the source list.
func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Sources) == 0 {
		return nil, ErrNoSource
	}
	return &Client{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		done:   make(chan struct{}),
	}, nil
}

// Start runs the stream loop until the context ends or Close is called.
func (c *Client) Start(ctx context.Context) {
	go c.run(ctx)
}

// Close stops the stream loop after the current read returns.
func (c *Client) Close() { c.closed.Store(true) }

// Done is closed once the stream loop has exited.
func (c *Client) Done() <-chan struct{} { return c.done }

// Active returns the index of the source currently in use.
func (c *Client) Active() int { return int(c.active.Load()) }

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	for !c.closed.Load() {
		select {
		case <-ctx.Done():
			return
		case <-sys.Shutdown():
			return
		default:
		}

		url := c.cfg.Sources[c.active.Load()]
		if err := c.stream(ctx, url); err != nil && !c.closed.Load() {
			c.recordFailure()
			logs.Warnf("feed: stream %s: %+v", url, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.RedialDelay):
			}
		}
	}
}

// recordFailure rotates to the next redundant source after repeated
// consecutive failures.
func (c *Client) recordFailure() {
	c.failures++
	if c.failures < c.cfg.RotateAfter || len(c.cfg.Sources) < 2 {
		return
	}
	c.failures = 0
	next := (c.active.Load() + 1) % int32(len(c.cfg.Sources))
	c.active.Store(next)
	c.cfg.Metrics.IncFeedRotation()
	logs.Warnf("feed: rotating to source %d after repeated failures", next)
}

type subscribeRequest struct {
	Op    string   `json:"op"`
	Codes []string `json:"codes"`
}

func (c *Client) stream(ctx context.Context, url string) error {
	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	defer conn.Close()

	if len(c.cfg.Codes) > 0 {
		if err := conn.WriteJSON(subscribeRequest{Op: "subscribe", Codes: c.cfg.Codes}); err != nil {
			return errors.Wrap(err, "subscribe")
		}
	}

	for !c.closed.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sys.Shutdown():
			return nil
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read")
		}
		c.failures = 0
		if err := c.dispatch(data); err != nil {
			logs.Warnf("feed: drop malformed message: %+v", err)
		}
	}
	return nil
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wireTick struct {
	Code     string  `json:"code"`
	TS       int64   `json:"ts"`
	Price    float64 `json:"price"`
	PreClose float64 `json:"preClose"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Volume   int64   `json:"volume"`
	Turnover float64 `json:"turnover"`
	Bid      float64 `json:"bid"`
	Ask      float64 `json:"ask"`
}

type wireOrder struct {
	OrderID  uint64  `json:"orderId"`
	BrokerID string  `json:"brokerId"`
	Code     string  `json:"code"`
	Side     string  `json:"side"`
	Status   string  `json:"status"`
	Price    float64 `json:"price"`
	Volume   int64   `json:"volume"`
	Filled   int64   `json:"filled"`
	TS       int64   `json:"ts"`
}

type wireFill struct {
	FillID   string  `json:"fillId"`
	BrokerID string  `json:"brokerId"`
	Code     string  `json:"code"`
	Side     string  `json:"side"`
	Price    float64 `json:"price"`
	Volume   int64   `json:"volume"`
	TS       int64   `json:"ts"`
}

// dispatch decodes one vendor message and publishes the corresponding
// event. Unknown types are skipped so vendor additions never break the
// stream.
func (c *Client) dispatch(data []byte) error {
	var env envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return errors.Wrap(err, "decode envelope")
	}

	switch env.Type {
	case "ticks":
		var rows []wireTick
		if err := sonic.Unmarshal(env.Data, &rows); err != nil {
			return errors.Wrap(err, "decode ticks")
		}
		if len(rows) == 0 {
			return nil
		}
		s := schema.Slice{Time: time.UnixMilli(rows[0].TS)}
		for _, r := range rows {
			s.Ticks = append(s.Ticks, schema.Tick{
				Code:     r.Code,
				Time:     time.UnixMilli(r.TS),
				Price:    r.Price,
				PreClose: r.PreClose,
				Open:     r.Open,
				High:     r.High,
				Low:      r.Low,
				Volume:   r.Volume,
				Turnover: r.Turnover,
				BidPrice: r.Bid,
				AskPrice: r.Ask,
			})
		}
		c.cfg.Publish(schema.Event{Kind: schema.KindMarketTick, Payload: s})
	case "order":
		var row wireOrder
		if err := sonic.Unmarshal(env.Data, &row); err != nil {
			return errors.Wrap(err, "decode order")
		}
		c.cfg.Publish(schema.Event{Kind: schema.KindOrderUpdate, Payload: schema.OrderUpdate{
			Broker:   c.cfg.Broker,
			OrderID:  row.OrderID,
			BrokerID: row.BrokerID,
			Code:     row.Code,
			Side:     parseSide(row.Side),
			Status:   parseStatus(row.Status),
			Price:    row.Price,
			Volume:   row.Volume,
			Filled:   row.Filled,
			Time:     time.UnixMilli(row.TS),
		}})
	case "fill":
		var row wireFill
		if err := sonic.Unmarshal(env.Data, &row); err != nil {
			return errors.Wrap(err, "decode fill")
		}
		c.cfg.Publish(schema.Event{Kind: schema.KindFillUpdate, Payload: schema.FillUpdate{
			Broker:        c.cfg.Broker,
			FillID:        row.FillID,
			BrokerOrderID: row.BrokerID,
			Code:          row.Code,
			Side:          parseSide(row.Side),
			Price:         row.Price,
			Volume:        row.Volume,
			Time:          time.UnixMilli(row.TS),
		}})
	}
	return nil
}

func parseSide(s string) schema.OrderSide {
	switch s {
	case "buy":
		return schema.OrderSideBuy
	case "sell":
		return schema.OrderSideSell
	default:
		return schema.OrderSideUnknown
	}
}

func parseStatus(s string) schema.OrderStatus {
	switch s {
	case "not_filled":
		return schema.OrderStatusNotFilled
	case "part_filled":
		return schema.OrderStatusPartFilled
	case "filled":
		return schema.OrderStatusFilled
	case "cancelled":
		return schema.OrderStatusCancelled
	case "rejected":
		return schema.OrderStatusRejected
	default:
		return schema.OrderStatusUnknown
	}
}
