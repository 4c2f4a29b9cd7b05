package local

import (
	"context"
	"fmt"
	"net"
)

// EngineConn is one request/response exchange with the engine process.
// Each EngineConn is used by a single goroutine.
type EngineConn struct {
	conn net.Conn
}

// Dial connects to the engine's unix socket. The engine is treated as
// always available, so there is no retry: a failed dial is final.
func Dial(ctx context.Context, socketPath string) (*EngineConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to engine %s: %w", socketPath, err)
	}
	return NewEngineConn(conn), nil
}

// NewEngineConn wraps an established connection.
func NewEngineConn(conn net.Conn) *EngineConn {
	return &EngineConn{conn: conn}
}

// Generate sends a request and reads back progress frames and the final
// result. Each progress frame is passed to onProgress in order.
func (ec *EngineConn) Generate(req EngineRequest, onProgress func(step, steps int)) (EngineResponse, error) {
	if err := WriteMessage(ec.conn, &req); err != nil {
		return EngineResponse{}, fmt.Errorf("send request: %w", err)
	}

	for {
		var msg EngineMessage
		if err := ReadMessage(ec.conn, &msg); err != nil {
			return EngineResponse{}, fmt.Errorf("read engine message: %w", err)
		}

		switch msg.Type {
		case MsgTypeProgress:
			if onProgress != nil {
				onProgress(msg.Step, msg.Steps)
			}
		case MsgTypeResult:
			if msg.Response == nil {
				return EngineResponse{}, fmt.Errorf("received result message with nil response")
			}
			return *msg.Response, nil
		default:
			return EngineResponse{}, fmt.Errorf("unknown message type: %q", msg.Type)
		}
	}
}

// Close closes the underlying connection. Closing unblocks a pending Generate.
func (ec *EngineConn) Close() error {
	return ec.conn.Close()
}
