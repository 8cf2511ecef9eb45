package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/xtrntr/spotexchange/internal/auth"
	"github.com/xtrntr/spotexchange/internal/exchange"
	"github.com/xtrntr/spotexchange/internal/ledger"
	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/store"
)

type contextKey string

const userIDKey contextKey = "user_id"

// UserIDFromContext returns the authenticated user set by JWTAuthMiddleware
func UserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Exchange    *exchange.Exchange
	AuthService *auth.AuthService
	Logger      *slog.Logger
}

// NewHandler creates a new handler
func NewHandler(ex *exchange.Exchange, authService *auth.AuthService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Exchange: ex, AuthService: authService, Logger: logger}
}

// NewRouter mounts every route. ws serves the notification websocket and may
// be nil.
func NewRouter(h *Handler, ws http.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)
	if ws != nil {
		r.Handle("/ws", ws)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Get("/profile", h.GetProfile)
		r.Post("/orders", h.PlaceOrder)
		r.Get("/orders", h.GetUserOrders)
		r.Delete("/orders/{id}", h.CancelOrder)
		r.Get("/orderbook", h.GetOrderBook)
		r.Get("/trades", h.GetUserTrades)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps core errors onto HTTP statuses
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, exchange.ErrInsufficientBalance),
		errors.Is(err, exchange.ErrInsufficientAssets),
		errors.Is(err, exchange.ErrOrderNotCancellable):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, exchange.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, exchange.ErrInvalidOrder), errors.Is(err, auth.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrUsernameTaken):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
	}
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		userID, err := h.AuthService.UserIDFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetProfile returns the caller's balance and holdings
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	user, assets, err := h.Exchange.Account(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if assets == nil {
		assets = []models.Asset{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":   user,
		"assets": assets,
	})
}

// PlaceOrder reserves funds and opens an order. Matching happens
// asynchronously once the order is committed.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req struct {
		Symbol string      `json:"symbol"`
		Side   string      `json:"side"`
		Price  json.Number `json:"price"`
		Amount json.Number `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Validate input
	side, err := models.ParseSide(req.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Side must be 'buy' or 'sell'")
		return
	}
	symbol, err := models.ParseSymbol(req.Symbol)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Symbol must be BTC or ETH")
		return
	}
	price, err := ledger.Parse(req.Price.String())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid price: "+err.Error())
		return
	}
	amount, err := ledger.Parse(req.Amount.String())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount: "+err.Error())
		return
	}

	order, err := h.Exchange.PlaceOrder(r.Context(), userID, side, symbol, price, amount)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, order)
}

// GetUserOrders retrieves a user's orders, optionally filtered by symbol,
// side and status
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	filter := store.OrderFilter{UserID: userID}
	q := r.URL.Query()
	var err error
	if v := q.Get("symbol"); v != "" {
		if filter.Symbol, err = models.ParseSymbol(v); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if v := q.Get("side"); v != "" {
		if filter.Side, err = models.ParseSide(v); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if v := q.Get("status"); v != "" {
		if filter.Status, err = models.ParseStatus(v); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if filter.Limit, err = parseLimit(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	orders, err := h.Exchange.Orders(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetOrderBook returns the aggregated book of one symbol, BTC by default
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	symbol := models.BTC
	if v := r.URL.Query().Get("symbol"); v != "" {
		var err error
		if symbol, err = models.ParseSymbol(v); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	book, err := h.Exchange.Orderbook(r.Context(), symbol)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// GetUserTrades retrieves a user's trade history
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	trades, err := h.Exchange.Trades(r.Context(), userID, limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if trades == nil {
		trades = []models.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// CancelOrder cancels an open order
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	// Get order ID from URL
	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}

	order, err := h.Exchange.CancelOrder(r.Context(), orderID, userID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, order)
}

const defaultLimit = 100

func parseLimit(v string) (int, error) {
	if v == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > 1000 {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return n, nil
}
