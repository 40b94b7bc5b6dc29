package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDhan(t *testing.T, handler http.HandlerFunc) *DhanClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewDhanClientWithBaseURL("token", "client", srv.URL)
}

func TestDhanQuoteIndex(t *testing.T) {
	d := newTestDhan(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/marketfeed/ltp", r.URL.Path)
		require.Equal(t, "token", r.Header.Get("access-token"))
		require.Equal(t, "client", r.Header.Get("client-id"))

		var payload map[string][]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Equal(t, []string{"13"}, payload["IDX_I"])

		_, _ = w.Write([]byte(`{"data":{"IDX_I":{"13":{"last_price":23512.35}}}}`))
	})

	tick, err := d.QuoteIndex(context.Background(), "NIFTY")
	require.NoError(t, err)
	assert.Equal(t, 23512.35, tick.Price)
	assert.Equal(t, "NIFTY", tick.Symbol)
}

func TestDhanQuoteIndexUnsupported(t *testing.T) {
	d := NewDhanClientWithBaseURL("t", "c", "http://127.0.0.1:0")
	_, err := d.QuoteIndex(context.Background(), "MIDCPNIFTY")
	assert.Error(t, err)
}

func TestDhanServerErrorIsTransient(t *testing.T) {
	d := newTestDhan(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})

	_, err := d.QuoteIndex(context.Background(), "NIFTY")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestDhanClientErrorIsPermanent(t *testing.T) {
	d := newTestDhan(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	})

	_, err := d.QuoteIndex(context.Background(), "NIFTY")
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestDhanPlaceMarketOrder(t *testing.T) {
	d := newTestDhan(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/orders", r.URL.Path)

		var req dhanOrderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "BUY", req.TransactionType)
		assert.Equal(t, "NSE_FNO", req.ExchangeSegment)
		assert.Equal(t, "MARKET", req.OrderType)
		assert.Equal(t, "tag-42", req.CorrelationID)
		assert.Equal(t, 50, req.Quantity)

		_, _ = w.Write([]byte(`{"orderId":"112111182045","orderStatus":"TRANSIT"}`))
	})

	opt := OptionRef{Root: "NIFTY", Strike: 23500, Side: SideCall, SecurityID: "43492"}
	id, err := d.PlaceMarketOrder(context.Background(), MarketOrder{
		Option: opt, Action: ActionBuy, Qty: 50, ClientTag: "tag-42",
	})
	require.NoError(t, err)
	assert.Equal(t, "112111182045", id)
}

func TestDhanPlaceMarketOrderRejected(t *testing.T) {
	d := newTestDhan(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"orderId":"9","orderStatus":"REJECTED"}`))
	})

	opt := OptionRef{Root: "SENSEX", Strike: 70000, Side: SidePut, SecurityID: "1"}
	_, err := d.PlaceMarketOrder(context.Background(), MarketOrder{
		Option: opt, Action: ActionBuy, Qty: 10, ClientTag: "x",
	})
	require.Error(t, err)

	var rej *RejectionError
	assert.ErrorAs(t, err, &rej)
}

func TestDhanOrderStatusNormalization(t *testing.T) {
	d := newTestDhan(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/orders/112", r.URL.Path)
		_, _ = w.Write([]byte(`{"orderId":"112","orderStatus":"TRADED","averageTradedPrice":101.25,"filledQty":50}`))
	})

	st, err := d.OrderStatus(context.Background(), "112")
	require.NoError(t, err)
	assert.Equal(t, StateFilled, st.Status)
	assert.Equal(t, 101.25, st.AvgFillPrice)
	assert.Equal(t, 50, st.FilledQty)
}

func TestDhanResolveOption(t *testing.T) {
	d := newTestDhan(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/optionchain/expirylist":
			_, _ = w.Write([]byte(`{"data":["2026-08-27","2026-09-03"]}`))
		case "/optionchain":
			var payload map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			assert.Equal(t, "2026-08-27", payload["Expiry"])
			_, _ = w.Write([]byte(`{"data":{"oc":{"23500.000000":{"ce":{"security_id":"43492"},"pe":{"security_id":"43493"}}}}}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	opt, err := d.ResolveOption(context.Background(), "NIFTY", 23488.0, SideCall)
	require.NoError(t, err)
	assert.Equal(t, 23500, opt.Strike)
	assert.Equal(t, "43492", opt.SecurityID)
	assert.Equal(t, time.August, opt.Expiry.Month())
	assert.Equal(t, 27, opt.Expiry.Day())
}

func TestDhanResolveOptionMissingContract(t *testing.T) {
	d := newTestDhan(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/optionchain/expirylist":
			_, _ = w.Write([]byte(`{"data":["2026-08-27"]}`))
		case "/optionchain":
			_, _ = w.Write([]byte(`{"data":{"oc":{}}}`))
		}
	})

	_, err := d.ResolveOption(context.Background(), "NIFTY", 23500, SidePut)
	require.Error(t, err)

	var re *ResolveError
	assert.ErrorAs(t, err, &re)
}

func TestCircuitBreakerPassthrough(t *testing.T) {
	p := NewPaperBrokerWithSeed(5)
	cb := NewCircuitBreakerBroker(p)

	tick, err := cb.QuoteIndex(context.Background(), "NIFTY")
	require.NoError(t, err)
	assert.Greater(t, tick.Price, 0.0)

	opt, err := cb.ResolveOption(context.Background(), "NIFTY", tick.Price, SideCall)
	require.NoError(t, err)

	id, err := cb.PlaceMarketOrder(context.Background(), MarketOrder{
		Option: opt, Action: ActionBuy, Qty: 50, ClientTag: "cb-1",
	})
	require.NoError(t, err)

	st, err := cb.OrderStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateFilled, st.Status)
}
