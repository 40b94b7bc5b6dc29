package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashwinkm/trendflip/internal/market"
	"github.com/ashwinkm/trendflip/internal/util"
)

const defaultDhanBaseURL = "https://api.dhan.co/v2"

// Dhan underlying security ids for the supported index roots.
var dhanIndexIDs = map[string]string{
	"NIFTY":     "13",
	"BANKNIFTY": "25",
	"FINNIFTY":  "27",
	"SENSEX":    "51",
}

// exchange segment per root; SENSEX options trade on BSE.
func dhanSegment(root string) string {
	if root == "SENSEX" {
		return "BSE_FNO"
	}
	return "NSE_FNO"
}

// DhanClient implements Broker against the Dhan HTTP API.
type DhanClient struct {
	client      *http.Client
	baseURL     string
	accessToken string
	clientID    string
	clock       market.Clock
}

var _ Broker = (*DhanClient)(nil)

// NewDhanClient creates a live Dhan adapter.
func NewDhanClient(accessToken, clientID string) *DhanClient {
	return NewDhanClientWithBaseURL(accessToken, clientID, defaultDhanBaseURL)
}

// NewDhanClientWithBaseURL creates a Dhan adapter against a custom endpoint
// (tests point this at an httptest server).
func NewDhanClientWithBaseURL(accessToken, clientID, baseURL string) *DhanClient {
	return &DhanClient{
		client:      &http.Client{Timeout: 10 * time.Second},
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		clientID:    clientID,
		clock:       market.RealClock{},
	}
}

// WithHTTPClient overrides the HTTP client (tests, custom transport).
func (d *DhanClient) WithHTTPClient(c *http.Client) *DhanClient {
	if c != nil {
		d.client = c
	}
	return d
}

// WithClock overrides the time source used for tick timestamps and expiry math.
func (d *DhanClient) WithClock(c market.Clock) *DhanClient {
	if c != nil {
		d.clock = c
	}
	return d
}

func (d *DhanClient) doRequest(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("access-token", d.accessToken)
	req.Header.Set("client-id", d.clientID)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return &TransientError{Op: method + " " + path, Err: err}
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &TransientError{Op: method + " " + path, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		if apiErr.transient() {
			return &TransientError{Op: method + " " + path, Err: apiErr}
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding %s response: %w", path, err)
		}
	}
	return nil
}

type dhanLTPResponse struct {
	Data map[string]map[string]struct {
		LastPrice float64 `json:"last_price"`
	} `json:"data"`
}

func (d *DhanClient) fetchLTP(ctx context.Context, segment, securityID string) (float64, error) {
	payload := map[string][]string{segment: {securityID}}
	var resp dhanLTPResponse
	if err := d.doRequest(ctx, http.MethodPost, "/marketfeed/ltp", payload, &resp); err != nil {
		return 0, err
	}
	seg, ok := resp.Data[segment]
	if !ok {
		return 0, fmt.Errorf("ltp response missing segment %s", segment)
	}
	q, ok := seg[securityID]
	if !ok {
		return 0, fmt.Errorf("ltp response missing security %s", securityID)
	}
	return q.LastPrice, nil
}

// QuoteIndex returns the index spot last price.
func (d *DhanClient) QuoteIndex(ctx context.Context, root string) (Tick, error) {
	id, ok := dhanIndexIDs[root]
	if !ok {
		return Tick{}, fmt.Errorf("unsupported index %q", root)
	}
	price, err := d.fetchLTP(ctx, "IDX_I", id)
	if err != nil {
		return Tick{}, err
	}
	return Tick{Symbol: root, At: d.clock.Now().UTC(), Price: price}, nil
}

// QuoteOption returns the option last price, rounded to the premium tick.
func (d *DhanClient) QuoteOption(ctx context.Context, opt OptionRef) (Tick, error) {
	price, err := d.fetchLTP(ctx, dhanSegment(opt.Root), opt.SecurityID)
	if err != nil {
		return Tick{}, err
	}
	return Tick{
		Symbol: optionSymbol(opt),
		At:     d.clock.Now().UTC(),
		Price:  util.RoundToTick(price, market.OptionTick),
	}, nil
}

type dhanExpiryListResponse struct {
	Data []string `json:"data"`
}

type dhanChainResponse struct {
	Data struct {
		Strikes map[string]struct {
			CE *struct {
				SecurityID string `json:"security_id"`
			} `json:"ce,omitempty"`
			PE *struct {
				SecurityID string `json:"security_id"`
			} `json:"pe,omitempty"`
		} `json:"oc"`
	} `json:"data"`
}

// ResolveOption picks the ATM strike for referenceSpot and the nearest
// non-expired expiry, then looks up the contract's security id from the
// option chain.
func (d *DhanClient) ResolveOption(ctx context.Context, root string, referenceSpot float64, side Side) (OptionRef, error) {
	idx, err := market.LookupIndex(root)
	if err != nil {
		return OptionRef{}, err
	}
	strike := idx.ATMStrike(referenceSpot)

	underlying := dhanIndexIDs[root]
	expiry, err := d.nearestExpiry(ctx, idx, underlying)
	if err != nil {
		return OptionRef{}, err
	}

	payload := map[string]string{
		"UnderlyingScrip": underlying,
		"UnderlyingSeg":   "IDX_I",
		"Expiry":          expiry.Format("2006-01-02"),
	}
	var chain dhanChainResponse
	if err := d.doRequest(ctx, http.MethodPost, "/optionchain", payload, &chain); err != nil {
		return OptionRef{}, err
	}

	row, ok := chain.Data.Strikes[fmt.Sprintf("%d.000000", strike)]
	if !ok {
		row, ok = chain.Data.Strikes[fmt.Sprintf("%d", strike)]
	}
	if !ok {
		return OptionRef{}, &ResolveError{Root: root, Strike: strike, Side: side, Expiry: expiry.Format("2006-01-02")}
	}

	var securityID string
	switch side {
	case SideCall:
		if row.CE != nil {
			securityID = row.CE.SecurityID
		}
	case SidePut:
		if row.PE != nil {
			securityID = row.PE.SecurityID
		}
	}
	if securityID == "" {
		return OptionRef{}, &ResolveError{Root: root, Strike: strike, Side: side, Expiry: expiry.Format("2006-01-02")}
	}

	return OptionRef{
		Root:       root,
		Expiry:     expiry,
		Strike:     strike,
		Side:       side,
		SecurityID: securityID,
	}, nil
}

// nearestExpiry asks the API for the expiry list and takes the first entry,
// falling back to the weekly-rule calculation when the call fails.
func (d *DhanClient) nearestExpiry(ctx context.Context, idx market.Index, underlying string) (time.Time, error) {
	payload := map[string]string{"UnderlyingScrip": underlying, "UnderlyingSeg": "IDX_I"}
	var resp dhanExpiryListResponse
	err := d.doRequest(ctx, http.MethodPost, "/optionchain/expirylist", payload, &resp)
	if err == nil && len(resp.Data) > 0 {
		exp, perr := time.ParseInLocation("2006-01-02", resp.Data[0], market.IST())
		if perr == nil {
			return exp, nil
		}
		err = fmt.Errorf("parsing expiry %q: %w", resp.Data[0], perr)
	}
	if err != nil && !IsTransient(err) {
		return time.Time{}, err
	}
	return idx.NextExpiry(d.clock.Now().In(market.IST())), nil
}

type dhanOrderRequest struct {
	DhanClientID    string `json:"dhanClientId"`
	CorrelationID   string `json:"correlationId"`
	TransactionType string `json:"transactionType"`
	ExchangeSegment string `json:"exchangeSegment"`
	ProductType     string `json:"productType"`
	OrderType       string `json:"orderType"`
	Validity        string `json:"validity"`
	SecurityID      string `json:"securityId"`
	Quantity        int    `json:"quantity"`
}

type dhanOrderResponse struct {
	OrderID     string `json:"orderId"`
	OrderStatus string `json:"orderStatus"`
}

// PlaceMarketOrder submits an intraday market order. ClientTag rides as the
// correlation id, which Dhan de-duplicates on its side. Untagged orders get
// a random correlation id so broker-side logs stay traceable.
func (d *DhanClient) PlaceMarketOrder(ctx context.Context, ord MarketOrder) (string, error) {
	if ord.Qty <= 0 {
		return "", fmt.Errorf("order quantity must be positive, got %d", ord.Qty)
	}
	correlationID := ord.ClientTag
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	req := dhanOrderRequest{
		DhanClientID:    d.clientID,
		CorrelationID:   correlationID,
		TransactionType: string(ord.Action),
		ExchangeSegment: dhanSegment(ord.Option.Root),
		ProductType:     "INTRADAY",
		OrderType:       "MARKET",
		Validity:        "DAY",
		SecurityID:      ord.Option.SecurityID,
		Quantity:        ord.Qty,
	}

	var resp dhanOrderResponse
	if err := d.doRequest(ctx, http.MethodPost, "/orders", req, &resp); err != nil {
		return "", err
	}
	if resp.OrderID == "" {
		return "", &RejectionError{Reason: "empty order id in response"}
	}
	if NormalizeStatus(resp.OrderStatus) == StateRejected {
		return "", &RejectionError{OrderID: resp.OrderID, Reason: resp.OrderStatus}
	}
	return resp.OrderID, nil
}

type dhanOrderDetail struct {
	OrderID       string  `json:"orderId"`
	OrderStatus   string  `json:"orderStatus"`
	AverageAmount float64 `json:"averageTradedPrice"`
	FilledQty     int     `json:"filledQty"`
}

// OrderStatus polls a placed order, normalizing Dhan's vendor states.
func (d *DhanClient) OrderStatus(ctx context.Context, brokerOrderID string) (OrderUpdate, error) {
	var resp dhanOrderDetail
	if err := d.doRequest(ctx, http.MethodGet, "/orders/"+brokerOrderID, nil, &resp); err != nil {
		return OrderUpdate{}, err
	}
	return OrderUpdate{
		Status:       NormalizeStatus(resp.OrderStatus),
		AvgFillPrice: resp.AverageAmount,
		FilledQty:    resp.FilledQty,
	}, nil
}

// optionSymbol renders a human-readable contract symbol for logs and ticks.
func optionSymbol(opt OptionRef) string {
	return fmt.Sprintf("%s %s %d %s", opt.Root, opt.Expiry.Format("02Jan06"), opt.Strike, opt.Side)
}
