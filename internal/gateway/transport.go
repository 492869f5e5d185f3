// internal/gateway/transport.go
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"
)

// ErrNotConnected is returned by outbound calls while the transport is down.
var ErrNotConnected = errors.New("gateway: not connected")

// Transport is the wire-level primitive the session layer drives. It moves
// framed messages to and from the gateway and reports inbound events through
// the Handlers installed before Connect; it holds no session logic of its
// own (no reconnection, no subscription tracking).
type Transport interface {
	// Connect dials the gateway and completes the application handshake for
	// the given client id. It blocks until the gateway acknowledges or the
	// context/dial deadline expires.
	Connect(ctx context.Context, host string, port int, clientID int) error
	// Disconnect tears the connection down. Idempotent. A client-initiated
	// Disconnect must not surface through Handlers.ConnectionClosed.
	Disconnect() error
	// IsConnected reports whether the handshake completed and the socket is
	// still believed open.
	IsConnected() bool
	// SetHandlers installs the inbound event callbacks. Must be called
	// before Connect; the handler set is immutable afterwards.
	SetHandlers(h Handlers)

	// ReqCurrentTime asks the gateway for its clock; the response doubles as
	// a liveness probe.
	ReqCurrentTime() error
	// ReqMarketData opens a streaming market-data registration under reqID.
	ReqMarketData(reqID int64, contract Contract, tickList string, snapshot bool) error
	// CancelMarketData closes the registration opened under reqID.
	CancelMarketData(reqID int64) error
}

// Handlers carries the inbound event callbacks a Transport dispatches to.
// Every field is optional; nil entries are skipped.
type Handlers struct {
	// ConnectAck fires when the gateway acknowledges the handshake.
	ConnectAck func()
	// ConnectionClosed fires exactly once when the gateway side drops the
	// connection (read failure, server close frame). Never fires for a
	// client-initiated Disconnect.
	ConnectionClosed func(err error)
	// CurrentTime delivers the gateway clock in response to ReqCurrentTime.
	CurrentTime func(t time.Time)
	// ManagedAccounts delivers the account list the gateway pushes after the
	// handshake and on account changes.
	ManagedAccounts func(accounts []string)
	// Error delivers a gateway error or notice. reqID is 0 for
	// session-level codes and positive when the error belongs to a request.
	Error func(reqID int64, code int, message string, reject json.RawMessage)

	TickPrice   func(reqID int64, tick TickType, price float64)
	TickSize    func(reqID int64, tick TickType, size float64)
	TickString  func(reqID int64, tick TickType, value string)
	TickGeneric func(reqID int64, tick TickType, value float64)
}

// TickType identifies which market-data field a tick updates.
type TickType int

const (
	TickBidSize  TickType = 0
	TickBid      TickType = 1
	TickAsk      TickType = 2
	TickAskSize  TickType = 3
	TickLast     TickType = 4
	TickLastSize TickType = 5
	TickHigh     TickType = 6
	TickLow      TickType = 7
	TickVolume   TickType = 8
	TickClose    TickType = 9
)

var tickTypeNames = map[TickType]string{
	TickBidSize:  "bid_size",
	TickBid:      "bid",
	TickAsk:      "ask",
	TickAskSize:  "ask_size",
	TickLast:     "last",
	TickLastSize: "last_size",
	TickHigh:     "high",
	TickLow:      "low",
	TickVolume:   "volume",
	TickClose:    "close",
}

func (t TickType) String() string {
	if name, ok := tickTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// TickKind distinguishes the shapes of per-request events.
type TickKind int

const (
	KindPrice TickKind = iota
	KindSize
	KindString
	KindGeneric
	// KindError marks a gateway error that was addressed to a specific
	// request id, delivered inline with the data stream it belongs to.
	KindError
)

func (k TickKind) String() string {
	switch k {
	case KindPrice:
		return "price"
	case KindSize:
		return "size"
	case KindString:
		return "string"
	case KindGeneric:
		return "generic"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// TickEvent is the unified per-request event the session layer routes to
// subscription callbacks. Exactly the fields for its Kind are meaningful.
type TickEvent struct {
	RequestID int64
	Kind      TickKind
	Type      TickType

	Price   float64
	Size    float64
	Value   string
	Generic float64

	// Set for KindError.
	Code    int
	Message string
}

// DefaultRequestIDFloor is where market-data request ids start. Ids below
// it are reserved for order and account requests.
const DefaultRequestIDFloor int64 = 10000

// RequestIDSource hands out monotonically increasing request ids. Safe for
// concurrent use.
type RequestIDSource struct {
	next int64
}

// NewRequestIDSource returns a source whose first id is floor, or
// DefaultRequestIDFloor when floor <= 0.
func NewRequestIDSource(floor int64) *RequestIDSource {
	if floor <= 0 {
		floor = DefaultRequestIDFloor
	}
	return &RequestIDSource{next: floor - 1}
}

// Next returns the next unused request id.
func (s *RequestIDSource) Next() int64 {
	return atomic.AddInt64(&s.next, 1)
}
