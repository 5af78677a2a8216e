package stream

import "context"

// Conn is one established duplex message channel. The manager owns at most
// one Conn at a time.
type Conn interface {
	// Read blocks until the next complete message arrives.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

// Transport opens persistent duplex channels to the server.
type Transport interface {
	Dial(ctx context.Context, token string) (Conn, error)
}
