package rpc

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 5 * time.Second
	// readTimeout must exceed the node's ping interval.
	readTimeout = 90 * time.Second
)

// Subscribe streams update notifications for board. Every received message
// invokes fn. A node that is unreachable at subscribe time is not an error:
// the subscription keeps dialing in the background. Connections are
// re-established with capped exponential backoff and fn is invoked once per
// successful reconnect, since updates may have been missed meanwhile. Only
// an already cancelled ctx makes Subscribe fail.
func (c *Client) Subscribe(ctx context.Context, board string, fn func()) (func(), error) {
	target := c.wsURL + boardPath(board, "updates")

	conn, err := c.dial(ctx, target)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("rpc: subscribe %s: %w", board, ctx.Err())
		}
		c.logger.WithBoard(board).Warnf("update subscription unavailable; retrying in background", map[string]any{
			"error": err,
		})
	}

	sub := &subscription{
		client: c,
		target: target,
		board:  board,
		notify: fn,
		conn:   conn,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go sub.run(err)
	return sub.close, nil
}

func (c *Client) dial(ctx context.Context, target string) (*websocket.Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := d.DialContext(ctx, target, http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type subscription struct {
	client *Client
	target string
	board  string
	notify func()

	mu   sync.Mutex
	conn *websocket.Conn

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func (s *subscription) close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		// Wake up a blocking ReadMessage.
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.mu.Unlock()
		<-s.done
	})
}

func (s *subscription) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// run starts in reconnect mode when dialErr is set.
func (s *subscription) run(dialErr error) {
	defer close(s.done)

	log := s.client.logger.WithBoard(s.board)
	backoff := s.client.backoffMin
	err := dialErr
	for {
		if err == nil {
			err = s.readLoop()
		}
		if s.stopped() {
			return
		}
		log.Warnf("update subscription down", map[string]any{
			"error":   err,
			"backoff": backoff.String(),
		})

		for {
			select {
			case <-s.stop:
				return
			case <-time.After(backoff):
			}
			if backoff < s.client.backoffMax {
				backoff *= 2
				if backoff > s.client.backoffMax {
					backoff = s.client.backoffMax
				}
			}

			conn, err := s.client.dial(context.Background(), s.target)
			if err != nil {
				log.Debugf("update subscription reconnect failed", map[string]any{"error": err})
				continue
			}
			s.mu.Lock()
			if s.stopped() {
				s.mu.Unlock()
				_ = conn.Close()
				return
			}
			s.conn = conn
			s.mu.Unlock()
			break
		}

		err = nil
		backoff = s.client.backoffMin
		log.Info("update subscription restored")
		s.notify()
	}
}

func (s *subscription) readLoop() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if _, _, err := conn.ReadMessage(); err != nil {
			_ = conn.Close()
			return err
		}
		s.notify()
	}
}
