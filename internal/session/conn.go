package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsConn wraps a *websocket.Conn with the bits the session engine needs: a
// stable id for the registry, a write mutex (concurrent writers are not
// safe on a single websocket connection), and a poll-with-timeout read
// used by the STREAMING inbound loop.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	wmu  sync.Mutex
}

func newWSConn(id string, ws *websocket.Conn) *wsConn {
	return &wsConn{id: id, ws: ws}
}

func (c *wsConn) ID() string { return c.id }

// Send writes frame as JSON. Safe for concurrent use; the dispatch loop
// and the inbound loop's acks both call this independently.
func (c *wsConn) Send(ctx context.Context, frame any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return wsjson.Write(ctx, c.ws, frame)
}

// ReadFrame polls for the next inbound JSON frame, waiting at most
// timeout. A false, nil return means nothing arrived within the window —
// this is the normal case that lets the inbound loop share time with the
// dispatch loop. A non-nil error means the connection is actually gone.
func (c *wsConn) ReadFrame(ctx context.Context, timeout time.Duration, into any) (bool, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := wsjson.Read(pollCtx, c.ws, into)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return false, nil
	}
	return false, err
}

func (c *wsConn) Close(code websocket.StatusCode, reason string) error {
	return c.ws.Close(code, reason)
}
