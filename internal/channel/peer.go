package channel

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const sendQueueSize = 256

// Peer wraps one websocket connection. Outbound frames go through a
// buffered queue drained by a single writer goroutine, so pushes enqueued
// in order are delivered in order and a slow consumer never blocks the
// caller. A peer whose queue overflows is closed: it can reconnect and
// resubscribe rather than silently miss events.
type Peer struct {
	ID     string
	conn   *websocket.Conn
	logger *zap.Logger

	sendCh    chan Envelope
	closeOnce sync.Once
	done      chan struct{}
}

func newPeer(id string, conn *websocket.Conn, logger *zap.Logger) *Peer {
	return &Peer{
		ID:     id,
		conn:   conn,
		logger: logger,
		sendCh: make(chan Envelope, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// Send enqueues a frame for delivery. Never blocks; returns false and
// closes the peer if its queue is full.
func (p *Peer) Send(env Envelope) bool {
	if p == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.sendCh <- env:
		return true
	default:
		if p.logger != nil {
			p.logger.Warn("peer send queue overflow, closing", zap.String("peer_id", p.ID))
		}
		p.Close(websocket.StatusPolicyViolation, "send queue overflow")
		return false
	}
}

// Close shuts the connection down once.
func (p *Peer) Close(code websocket.StatusCode, reason string) {
	if p == nil {
		return
	}
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close(code, reason)
	})
}

// Done is closed when the peer is gone.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// writeLoop drains the send queue onto the socket. Runs until the peer or
// the context is done.
func (p *Peer) writeLoop(ctx context.Context) {
	for {
		select {
		case env := <-p.sendCh:
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := p.conn.Write(ctx, websocket.MessageText, data); err != nil {
				p.Close(websocket.StatusNormalClosure, "write failed")
				return
			}
		case <-p.done:
			return
		case <-ctx.Done():
			p.Close(websocket.StatusGoingAway, "server shutdown")
			return
		}
	}
}

// readEnvelope blocks on the next inbound frame.
func (p *Peer) readEnvelope(ctx context.Context) (Envelope, error) {
	_, data, err := p.conn.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
