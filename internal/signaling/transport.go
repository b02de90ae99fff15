package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/BioHazard786/huddle/internal/dns"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 256 * 1024

	// Subprotocol is the WebSocket sub-protocol for SIP (RFC 7118).
	Subprotocol = "sip"
)

var errTransportClosed = errors.New("transport closed")

// Transport carries raw SIP messages.
type Transport interface {
	Send(data []byte) error
	// Incoming is closed when the connection ends. Err then reports why;
	// it is nil after Close.
	Incoming() <-chan []byte
	Err() error
	Close()
}

// Dialer opens a Transport to a signaling server.
type Dialer func(ctx context.Context, serverURI string) (Transport, error)

// wsTransport is a WebSocket connection with a read pump, a write pump and
// keepalive pings.
type wsTransport struct {
	conn     *websocket.Conn
	incoming chan []byte
	outgoing chan []byte
	done     chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

// DialWebSocket connects to a ws:// or wss:// server speaking SIP.
func DialWebSocket(ctx context.Context, serverURI string) (Transport, error) {
	u, err := url.Parse(serverURI)
	if err != nil {
		return nil, fmt.Errorf("invalid server URI: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid server URI scheme %q", u.Scheme)
	}

	resolver := dns.NewResolver()
	dialer := *websocket.DefaultDialer
	dialer.Subprotocols = []string{Subprotocol}
	dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ip, err := resolver.Lookup(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("dns lookup failed: %w", err)
		}
		var d net.Dialer
		return d.DialContext(ctx, network, net.JoinHostPort(ip, port))
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if conn.Subprotocol() != Subprotocol {
		conn.Close()
		return nil, fmt.Errorf("server did not accept the %q sub-protocol", Subprotocol)
	}

	t := &wsTransport{
		conn:     conn,
		incoming: make(chan []byte, 16),
		outgoing: make(chan []byte, 16),
		done:     make(chan struct{}),
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go t.readPump()
	go t.writePump()
	return t, nil
}

func (t *wsTransport) readPump() {
	defer func() {
		t.conn.Close()
		close(t.incoming)
	}()

	t.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.fail(err)
			return
		}
		// Any traffic proves the peer is alive.
		t.conn.SetReadDeadline(time.Now().Add(pongWait))
		select {
		case t.incoming <- data:
		case <-t.done:
			return
		}
	}
}

func (t *wsTransport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		t.conn.Close()
	}()

	for {
		select {
		case data := <-t.outgoing:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				t.fail(err)
				return
			}

		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.fail(err)
				return
			}

		case <-t.done:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (t *wsTransport) Send(data []byte) error {
	select {
	case <-t.done:
		return errTransportClosed
	default:
	}
	select {
	case t.outgoing <- data:
		return nil
	case <-t.done:
		return errTransportClosed
	}
}

func (t *wsTransport) Incoming() <-chan []byte {
	return t.incoming
}

func (t *wsTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *wsTransport) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.err != nil {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		err = fmt.Errorf("server closed the connection: %w", err)
	}
	t.err = err
}

func (t *wsTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	close(t.done)
}
