package transport

import (
	"context"
	"crypto/tls"

	"github.com/quic-go/quic-go"
)

// QUICConnection wraps a QUIC connection with helper methods
type QUICConnection struct {
	conn *quic.Conn
}

// NewQUICConnection creates a new QUIC connection wrapper
func NewQUICConnection(conn *quic.Conn) *QUICConnection {
	return &QUICConnection{conn: conn}
}

// OpenSessionStream opens a fresh stream for the Dispatcher's
// handshake/session protocol, which frames its own messages as
// internal/wire envelopes directly over the raw quic.Stream.
func (q *QUICConnection) OpenSessionStream(ctx context.Context) (*quic.Stream, error) {
	return q.conn.OpenStreamSync(ctx)
}

// AcceptSessionStream accepts the peer's session-protocol stream.
func (q *QUICConnection) AcceptSessionStream(ctx context.Context) (*quic.Stream, error) {
	return q.conn.AcceptStream(ctx)
}

// GetConnection returns the underlying QUIC connection
func (q *QUICConnection) GetConnection() *quic.Conn {
	return q.conn
}

// Close closes the QUIC connection
func (q *QUICConnection) Close() error {
	return q.conn.CloseWithError(0, "connection closed")
}

// DialQUIC establishes a QUIC connection to a remote address
func DialQUIC(ctx context.Context, addr string, tlsConfig *tls.Config) (*QUICConnection, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, &quic.Config{
		KeepAlivePeriod:                10 * 1e9, // 10s
		MaxIdleTimeout:                 60 * 1e9,
		InitialStreamReceiveWindow:     8 << 20,   // 8 MiB
		InitialConnectionReceiveWindow: 128 << 20, // 128 MiB
	})
	if err != nil {
		return nil, err
	}

	return NewQUICConnection(conn), nil
}

// ListenQUIC starts a QUIC listener
func ListenQUIC(addr string, tlsConfig *tls.Config) (*QUICListener, error) {
	listener, err := quic.ListenAddr(addr, tlsConfig, &quic.Config{
		KeepAlivePeriod:                10 * 1e9,
		MaxIdleTimeout:                 60 * 1e9,
		InitialStreamReceiveWindow:     8 << 20,
		InitialConnectionReceiveWindow: 128 << 20,
	})
	if err != nil {
		return nil, err
	}

	return &QUICListener{listener: listener}, nil
}

// QUICListener wraps a QUIC listener
type QUICListener struct {
	listener *quic.Listener
}

// Accept accepts a new QUIC connection
func (l *QUICListener) Accept(ctx context.Context) (*QUICConnection, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}

	return NewQUICConnection(conn), nil
}

// Close closes the listener
func (l *QUICListener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener's network address
func (l *QUICListener) Addr() string {
	return l.listener.Addr().String()
}
