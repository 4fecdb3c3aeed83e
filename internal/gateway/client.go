package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go-pairchat/internal/apperr"
	"go-pairchat/internal/event"
	"go-pairchat/internal/metrics"
	"go-pairchat/internal/session"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 8 << 10
	sendBuffer     = 256
	eventTimeout   = 10 * time.Second
)

var (
	errClosed     = errors.New("connection closed")
	errBufferFull = errors.New("send buffer full")
)

// Client is a middleman between the websocket connection and the
// dispatcher. It implements session.Conn.
type Client struct {
	dispatcher *Dispatcher
	conn       *websocket.Conn
	limiter    *rate.Limiter

	userID string
	connID string

	// Buffered channel of outbound frames. Never closed; done signals
	// shutdown so Send cannot panic on a closed channel.
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Send queues ev without blocking. A slow reader whose buffer is full is
// closed, the same way the hub used to drop it.
func (c *Client) Send(ev event.Event) error {
	frame, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.Close()
		return errBufferFull
	}
}

// Close signals both pumps to stop. Safe to call from any goroutine, any
// number of times.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump pumps frames from the websocket connection to the dispatcher.
// Frames of one connection are handled in order.
func (c *Client) readPump(sess session.Session) {
	defer func() {
		c.Close()
		c.conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		c.dispatcher.Disconnect(ctx, c.userID, c.connID)
		cancel()
		metrics.WsConnections.Dec()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("user_id", c.userID).Str("conn_id", c.connID).Msg("websocket read failed")
			}
			return
		}

		ev, err := event.Parse(raw)
		if err != nil {
			_ = c.Send(event.Failure("", err))
			continue
		}
		if !c.limiter.Allow() {
			metrics.EventsTotal.WithLabelValues(ev.Name, string(apperr.KindRateLimited)).Inc()
			_ = c.Send(event.Failure(ev.Name, apperr.New(apperr.KindRateLimited, "too many events")))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		c.dispatcher.Dispatch(ctx, sess, ev)
		cancel()
	}
}

// writePump pumps frames from the send buffer to the websocket connection
// and keeps it alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			// Evicted or shutting down: tell the peer and stop.
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
