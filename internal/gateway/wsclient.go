// internal/gateway/wsclient.go
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
	ackTimeout   = 5 * time.Second
	closeGrace   = time.Second
)

// request is the outbound frame envelope.
type request struct {
	Op       string    `json:"op"`
	ClientID int       `json:"clientId,omitempty"`
	ReqID    int64     `json:"reqId,omitempty"`
	Contract *Contract `json:"contract,omitempty"`
	TickList string    `json:"tickList,omitempty"`
	Snapshot bool      `json:"snapshot,omitempty"`
}

// frame is the inbound envelope covering every server push.
type frame struct {
	Type     string          `json:"type"`
	ReqID    int64           `json:"reqId"`
	Code     int             `json:"code"`
	Message  string          `json:"message"`
	Reject   json.RawMessage `json:"reject"`
	Time     int64           `json:"time"`
	Accounts []string        `json:"accounts"`
	Tick     int             `json:"tick"`
	Price    float64         `json:"price"`
	Size     float64         `json:"size"`
	Text     string          `json:"text"`
	Value    float64         `json:"value"`
}

// WSClient implements Transport over the gateway's websocket endpoint.
// It only frames and pumps messages; liveness, reconnection and
// subscription state live above it.
type WSClient struct {
	logger   *zap.Logger
	handlers Handlers

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closing   bool
	ackCh     chan struct{}

	writeMu sync.Mutex
}

// NewWSClient returns an unconnected client. Install Handlers before
// calling Connect.
func NewWSClient(logger *zap.Logger) *WSClient {
	return &WSClient{logger: logger.Named("gateway")}
}

// SetHandlers installs the inbound callbacks. Call once, before Connect.
func (c *WSClient) SetHandlers(h Handlers) {
	c.handlers = h
}

// Connect dials ws://host:port/v1/stream, sends the auth frame for
// clientID and blocks until the gateway acknowledges.
func (c *WSClient) Connect(ctx context.Context, host string, port int, clientID int) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.conn != nil {
		c.mu.Unlock()
		return errors.New("gateway: connect already in progress")
	}
	c.closing = false
	c.mu.Unlock()

	url := fmt.Sprintf("ws://%s/v1/stream", net.JoinHostPort(host, strconv.Itoa(port)))
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial gateway %s: %w", url, err)
	}

	ack := make(chan struct{}, 1)
	c.mu.Lock()
	c.conn = conn
	c.ackCh = ack
	c.mu.Unlock()

	go c.readLoop(conn)

	if err := c.writeJSON(conn, request{Op: "auth", ClientID: clientID}); err != nil {
		c.teardown(conn)
		return fmt.Errorf("send auth: %w", err)
	}

	select {
	case <-ack:
	case <-ctx.Done():
		c.teardown(conn)
		return ctx.Err()
	case <-time.After(ackTimeout):
		c.teardown(conn)
		return errors.New("gateway: handshake ack timeout")
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("gateway connection established",
		zap.String("host", host),
		zap.Int("port", port),
		zap.Int("client_id", clientID))
	return nil
}

// Disconnect closes the connection with a close control frame. Idempotent;
// never reported through Handlers.ConnectionClosed.
func (c *WSClient) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	deadline := time.Now().Add(closeGrace)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	err := conn.Close()

	c.logger.Info("gateway connection closed")
	return err
}

// IsConnected reports whether the handshake completed and the socket has
// not been torn down since.
func (c *WSClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.conn != nil
}

// ReqCurrentTime asks the gateway for its clock.
func (c *WSClient) ReqCurrentTime() error {
	return c.send(request{Op: "currentTime"})
}

// ReqMarketData opens a streaming registration under reqID.
func (c *WSClient) ReqMarketData(reqID int64, contract Contract, tickList string, snapshot bool) error {
	return c.send(request{
		Op:       "marketData",
		ReqID:    reqID,
		Contract: &contract,
		TickList: tickList,
		Snapshot: snapshot,
	})
}

// CancelMarketData closes the registration under reqID.
func (c *WSClient) CancelMarketData(reqID int64) error {
	return c.send(request{Op: "cancelMarketData", ReqID: reqID})
}

func (c *WSClient) send(r request) error {
	c.mu.Lock()
	conn := c.conn
	live := c.connected
	c.mu.Unlock()

	if !live || conn == nil {
		return ErrNotConnected
	}
	return c.writeJSON(conn, r)
}

func (c *WSClient) writeJSON(conn *websocket.Conn, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

// teardown discards a connection that failed before the handshake
// completed. No ConnectionClosed is reported for it.
func (c *WSClient) teardown(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.connected = false
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			wasLive := c.connected && !c.closing && c.conn == conn
			if c.conn == conn {
				c.conn = nil
				c.connected = false
			}
			c.mu.Unlock()

			if wasLive {
				c.logger.Warn("gateway connection closed by server", zap.Error(err))
				if c.handlers.ConnectionClosed != nil {
					c.handlers.ConnectionClosed(err)
				}
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *WSClient) dispatch(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Warn("undecodable gateway frame",
			zap.Error(err),
			zap.ByteString("frame", data))
		return
	}

	switch f.Type {
	case "connectAck":
		c.mu.Lock()
		ack := c.ackCh
		c.mu.Unlock()
		if ack != nil {
			select {
			case ack <- struct{}{}:
			default:
			}
		}
		if c.handlers.ConnectAck != nil {
			c.handlers.ConnectAck()
		}
	case "currentTime":
		if c.handlers.CurrentTime != nil {
			c.handlers.CurrentTime(time.Unix(f.Time, 0))
		}
	case "managedAccounts":
		if c.handlers.ManagedAccounts != nil {
			c.handlers.ManagedAccounts(f.Accounts)
		}
	case "error":
		if c.handlers.Error != nil {
			c.handlers.Error(f.ReqID, f.Code, f.Message, f.Reject)
		}
	case "tickPrice":
		if c.handlers.TickPrice != nil {
			c.handlers.TickPrice(f.ReqID, TickType(f.Tick), f.Price)
		}
	case "tickSize":
		if c.handlers.TickSize != nil {
			c.handlers.TickSize(f.ReqID, TickType(f.Tick), f.Size)
		}
	case "tickString":
		if c.handlers.TickString != nil {
			c.handlers.TickString(f.ReqID, TickType(f.Tick), f.Text)
		}
	case "tickGeneric":
		if c.handlers.TickGeneric != nil {
			c.handlers.TickGeneric(f.ReqID, TickType(f.Tick), f.Value)
		}
	default:
		c.logger.Debug("unhandled gateway frame", zap.String("type", f.Type))
	}
}
