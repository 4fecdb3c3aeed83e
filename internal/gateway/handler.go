package gateway

import (
	"context"
	"net/http"

	"go-pairchat/internal/metrics"
	myMiddleware "go-pairchat/internal/middleware"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the JWT is the access control; origins are not pinned
	},
}

type Handler struct {
	dispatcher *Dispatcher
	eventRate  rate.Limit
	eventBurst int
}

func NewHandler(dispatcher *Dispatcher, eventRate float64, eventBurst int) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		eventRate:  rate.Limit(eventRate),
		eventBurst: eventBurst,
	}
}

// ServeWs upgrades an authenticated request and starts the client pumps.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		dispatcher: h.dispatcher,
		conn:       conn,
		limiter:    rate.NewLimiter(h.eventRate, h.eventBurst),
		userID:     userID,
		connID:     uuid.NewString(),
		send:       make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
	}
	metrics.WsConnections.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	sess := h.dispatcher.Connect(ctx, userID, client.connID, client)
	cancel()

	go client.writePump()
	go client.readPump(sess)
}
