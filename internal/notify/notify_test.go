package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/spotexchange/internal/models"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env map[string]any
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Clients() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_OrderbookUpdated(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	btc := dial(t, srv, "symbol=btc")
	eth := dial(t, srv, "symbol=ETH")
	waitForClients(t, hub, 2)

	hub.OrderbookUpdated(context.Background(), models.Orderbook{
		Symbol: models.BTC,
		Bids:   []models.PriceLevel{{Price: decimal.RequireFromString("50000"), Amount: decimal.RequireFromString("1"), Count: 1}},
	})

	env := readEnvelope(t, btc)
	assert.Equal(t, KindOrderbookUpdated, env["event"])
	assert.Equal(t, "orderbook.BTC", env["channel"])

	require.NoError(t, eth.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := eth.ReadMessage()
	assert.Error(t, err, "ETH subscriber must not receive BTC book")
}

func TestHub_TradeExecutedGoesToParticipants(t *testing.T) {
	hub := NewHub(nil)
	hub.Authenticate = func(token string) (int64, error) {
		switch token {
		case "alice":
			return 1, nil
		case "bob":
			return 2, nil
		case "carol":
			return 3, nil
		}
		return 0, errors.New("bad token")
	}
	srv := httptest.NewServer(hub)
	defer srv.Close()

	alice := dial(t, srv, "token=alice")
	bob := dial(t, srv, "token=bob")
	carol := dial(t, srv, "token=carol")
	waitForClients(t, hub, 3)

	hub.TradeExecuted(context.Background(), TradeExecuted{
		Trade: models.Trade{ID: 9, BuyerID: 1, SellerID: 2, Symbol: models.BTC},
	})

	assert.Equal(t, "user.1", readEnvelope(t, alice)["channel"])
	assert.Equal(t, "user.2", readEnvelope(t, bob)["channel"])

	require.NoError(t, carol.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := carol.ReadMessage()
	assert.Error(t, err, "non-participant must not receive the trade")
}

func TestHub_RejectsBadToken(t *testing.T) {
	hub := NewHub(nil)
	hub.Authenticate = func(string) (int64, error) { return 0, errors.New("expired") }
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=x"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafka_PublishesEnvelopes(t *testing.T) {
	w := &fakeWriter{}
	sink := &Kafka{writer: w, logger: slog.Default()}

	var s Sink = Multi{Nop{}, sink}
	s.OrderbookUpdated(context.Background(), models.Orderbook{Symbol: models.ETH})
	s.TradeExecuted(context.Background(), TradeExecuted{Trade: models.Trade{ID: 42, Symbol: models.ETH}})

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "ETH", string(w.msgs[0].Key))
	assert.Equal(t, "42", string(w.msgs[1].Key))

	var env Envelope
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &env))
	assert.Equal(t, KindOrderMatched, env.Event)
	assert.Equal(t, "trades.ETH", env.Channel)
}
