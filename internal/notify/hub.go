package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/xtrntr/spotexchange/internal/models"
)

// Hub pushes events to websocket clients. Every client follows the public
// book channel of one symbol; clients that present a valid token also get the
// private trade events of their user.
type Hub struct {
	upgrader websocket.Upgrader
	// Authenticate resolves a bearer token to a user id. Optional.
	Authenticate func(token string) (int64, error)
	// Snapshot provides the book sent right after a client subscribes. Optional.
	Snapshot func(ctx context.Context, symbol models.Symbol) (models.Orderbook, error)

	logger    *slog.Logger
	clientsMu sync.RWMutex
	clients   map[*wsClient]bool
}

type wsClient struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	symbol models.Symbol
	userID int64
}

func (c *wsClient) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// NewHub creates a hub accepting connections from any origin
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger:  logger,
		clients: make(map[*wsClient]bool),
	}
}

// ServeHTTP upgrades the connection; ?symbol= selects the book (default BTC),
// ?token= optionally identifies the user
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	symbol := models.BTC
	if s := r.URL.Query().Get("symbol"); s != "" {
		parsed, err := models.ParseSymbol(s)
		if err != nil {
			http.Error(w, `{"error": "Invalid symbol"}`, http.StatusBadRequest)
			return
		}
		symbol = parsed
	}

	var userID int64
	if token := r.URL.Query().Get("token"); token != "" && h.Authenticate != nil {
		id, err := h.Authenticate(token)
		if err != nil {
			http.Error(w, `{"error": "Invalid or expired token"}`, http.StatusUnauthorized)
			return
		}
		userID = id
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", "error", err)
		return
	}

	client := &wsClient{conn: conn, symbol: symbol, userID: userID}
	h.clientsMu.Lock()
	h.clients[client] = true
	h.clientsMu.Unlock()

	if h.Snapshot != nil {
		if book, err := h.Snapshot(r.Context(), symbol); err == nil {
			h.sendTo(client, KindOrderbookUpdated, OrderbookChannel(symbol), book)
		}
	}

	// Keep connection alive and handle disconnection
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.drop(client)
			return
		}
	}
}

func (h *Hub) drop(c *wsClient) {
	h.clientsMu.Lock()
	delete(h.clients, c)
	h.clientsMu.Unlock()
	c.conn.Close()
}

func (h *Hub) sendTo(c *wsClient, event, channel string, data any) {
	msg, err := json.Marshal(Envelope{Event: event, Channel: channel, Data: data})
	if err != nil {
		h.logger.Error("failed to marshal event", "event", event, "error", err)
		return
	}
	if err := c.send(msg); err != nil {
		h.logger.Warn("failed to send message", "error", err)
		h.drop(c)
	}
}

func (h *Hub) broadcast(match func(*wsClient) bool, event, channel string, data any) {
	msg, err := json.Marshal(Envelope{Event: event, Channel: channel, Data: data})
	if err != nil {
		h.logger.Error("failed to marshal event", "event", event, "error", err)
		return
	}

	var failed []*wsClient
	h.clientsMu.RLock()
	for client := range h.clients {
		if !match(client) {
			continue
		}
		if err := client.send(msg); err != nil {
			failed = append(failed, client)
		}
	}
	h.clientsMu.RUnlock()

	for _, c := range failed {
		h.logger.Warn("dropping websocket client", "user_id", c.userID)
		h.drop(c)
	}
}

// OrderbookUpdated sends the book to every subscriber of its symbol
func (h *Hub) OrderbookUpdated(ctx context.Context, book models.Orderbook) {
	h.broadcast(func(c *wsClient) bool {
		return c.symbol == book.Symbol
	}, KindOrderbookUpdated, OrderbookChannel(book.Symbol), book)
}

// TradeExecuted sends the trade to the buyer's and seller's connections
func (h *Hub) TradeExecuted(ctx context.Context, ev TradeExecuted) {
	for _, userID := range []int64{ev.Trade.BuyerID, ev.Trade.SellerID} {
		userID := userID
		h.broadcast(func(c *wsClient) bool {
			return c.userID != 0 && c.userID == userID
		}, KindOrderMatched, "user."+strconv.FormatInt(userID, 10), ev)
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}
