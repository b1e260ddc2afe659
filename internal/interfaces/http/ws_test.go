package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexrun/dexrun/internal/hub"
	"github.com/dexrun/dexrun/internal/order"
	"github.com/dexrun/dexrun/internal/store"
)

func createOrder(t *testing.T, st store.Store) *order.Order {
	t.Helper()
	o, err := st.Create(context.Background(), store.Draft{
		Type:     order.TypeMarket,
		TokenIn:  solMint,
		TokenOut: usdcMint,
		AmountIn: decimal.NewFromFloat(1.5),
		Slippage: decimal.NewFromFloat(0.01),
	})
	require.NoError(t, err)
	return o
}

func dialSubscribe(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/orders/" + id + "/subscribe"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestSubscribeUnknownOrderRejected(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/orders/does-not-exist/subscribe"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubscribeTerminalOrderClosesAfterConnected(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env.store)
	_, err := env.store.MarkFailed(context.Background(), o.ID, "no route to venue", 3)
	require.NoError(t, err)

	srv := httptest.NewServer(env.server.router)
	defer srv.Close()
	conn := dialSubscribe(t, srv, o.ID)
	defer conn.Close()

	var first, second hub.Message
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, hub.TypeConnected, first.Type)
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, hub.TypeClosing, second.Type)
	assert.Contains(t, second.Reason, string(order.StatusFailed))
}

// lateFailStore serves one stale read and fails the order behind the
// caller's back, modeling a processor that finishes the order between
// the subscribe lookup and the hub registration.
type lateFailStore struct {
	store.Store
	mu      sync.Mutex
	flipped bool
}

func (s *lateFailStore) Find(ctx context.Context, id string) (*order.Order, error) {
	o, err := s.Store.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.flipped {
		s.flipped = true
		if _, ferr := s.Store.MarkFailed(ctx, id, "no route to venue", 3); ferr != nil {
			return nil, ferr
		}
	}
	return o, nil
}

func TestSubscribeOrderFinishingDuringRegistrationGetsClosing(t *testing.T) {
	env := newTestEnv(t)
	o := createOrder(t, env.store)

	// The handler's first read sees a pending order; by the time the
	// sink joins the hub the order is failed and the hub already sent
	// its final broadcast. The subscriber must still hear closing.
	env.server.deps.Store = &lateFailStore{Store: env.store}

	srv := httptest.NewServer(env.server.router)
	defer srv.Close()
	conn := dialSubscribe(t, srv, o.ID)
	defer conn.Close()

	var first, second hub.Message
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, hub.TypeConnected, first.Type)
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, hub.TypeClosing, second.Type)
	assert.Contains(t, second.Reason, string(order.StatusFailed))
}
