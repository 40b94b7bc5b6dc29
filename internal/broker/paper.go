package broker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/ashwinkm/trendflip/internal/market"
	"github.com/ashwinkm/trendflip/internal/util"
)

// Paper option pricing model: ATM time value in premium points, decayed
// linearly as the strike moves away from spot.
const (
	paperATMTimeValue = 150.0
	paperDecaySpan    = 500.0
)

var paperBasePrices = map[string]float64{
	"NIFTY":     23500.0,
	"BANKNIFTY": 51500.0,
	"FINNIFTY":  22000.0,
	"SENSEX":    70000.0,
}

var paperIndexSteps = []float64{-15, -10, -5, -2, 0, 2, 5, 10, 15}
var paperOptionSteps = []float64{-0.10, -0.05, 0, 0.05, 0.10}

type paperOrder struct {
	ord       MarketOrder
	fillPrice float64
	placedAt  time.Time
}

// PaperBroker simulates a brokerage for paper trading. Index quotes follow a
// bounded random walk and option premiums derive from intrinsic value plus
// decayed time value; real quotes are never mixed in. Orders fill
// immediately at the simulated premium.
type PaperBroker struct {
	mu     sync.Mutex
	rng    *rand.Rand
	clock  market.Clock
	spots  map[string]float64
	orders map[string]paperOrder
	seq    int
}

var _ Broker = (*PaperBroker)(nil)

// NewPaperBroker creates a paper broker with a time-seeded walk.
func NewPaperBroker() *PaperBroker {
	return NewPaperBrokerWithSeed(time.Now().UnixNano())
}

// NewPaperBrokerWithSeed creates a paper broker with a deterministic walk
// for tests.
func NewPaperBrokerWithSeed(seed int64) *PaperBroker {
	return &PaperBroker{
		rng:    rand.New(rand.NewSource(seed)),
		clock:  market.RealClock{},
		spots:  make(map[string]float64),
		orders: make(map[string]paperOrder),
	}
}

// WithClock overrides the time source.
func (p *PaperBroker) WithClock(c market.Clock) *PaperBroker {
	if c != nil {
		p.clock = c
	}
	return p
}

func (p *PaperBroker) spotLocked(root string) (float64, error) {
	base, ok := paperBasePrices[root]
	if !ok {
		return 0, fmt.Errorf("unsupported index %q", root)
	}
	cur, ok := p.spots[root]
	if !ok {
		cur = base
	}
	cur += paperIndexSteps[p.rng.Intn(len(paperIndexSteps))]
	p.spots[root] = cur
	return cur, nil
}

// QuoteIndex advances the simulated walk one step and returns the spot.
func (p *PaperBroker) QuoteIndex(_ context.Context, root string) (Tick, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	spot, err := p.spotLocked(root)
	if err != nil {
		return Tick{}, err
	}
	return Tick{Symbol: root, At: p.clock.Now().UTC(), Price: math.Round(spot*100) / 100}, nil
}

// premium prices an option off the current simulated spot.
func (p *PaperBroker) premiumLocked(opt OptionRef) float64 {
	spot, ok := p.spots[opt.Root]
	if !ok {
		spot = paperBasePrices[opt.Root]
	}

	strike := float64(opt.Strike)
	var intrinsic float64
	if opt.Side == SideCall {
		intrinsic = math.Max(0, spot-strike)
	} else {
		intrinsic = math.Max(0, strike-spot)
	}

	distance := math.Abs(spot - strike)
	timeValue := paperATMTimeValue * math.Max(0, 1-distance/paperDecaySpan)

	premium := intrinsic + timeValue
	premium += paperOptionSteps[p.rng.Intn(len(paperOptionSteps))]
	premium = util.RoundToTick(premium, market.OptionTick)
	return math.Max(market.OptionTick, premium)
}

// QuoteOption prices the option from the simulated spot.
func (p *PaperBroker) QuoteOption(_ context.Context, opt OptionRef) (Tick, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := paperBasePrices[opt.Root]; !ok {
		return Tick{}, fmt.Errorf("unsupported index %q", opt.Root)
	}
	return Tick{
		Symbol: optionSymbol(opt),
		At:     p.clock.Now().UTC(),
		Price:  p.premiumLocked(opt),
	}, nil
}

// ResolveOption assigns a synthetic security id; no contract lookup exists
// on paper.
func (p *PaperBroker) ResolveOption(_ context.Context, root string, referenceSpot float64, side Side) (OptionRef, error) {
	idx, err := market.LookupIndex(root)
	if err != nil {
		return OptionRef{}, err
	}
	strike := idx.ATMStrike(referenceSpot)
	expiry := idx.NextExpiry(p.clock.Now().In(market.IST()))

	return OptionRef{
		Root:       root,
		Expiry:     expiry,
		Strike:     strike,
		Side:       side,
		SecurityID: fmt.Sprintf("SIM_%s_%d_%s", root, strike, side),
	}, nil
}

// PlaceMarketOrder fills immediately at the simulated premium.
func (p *PaperBroker) PlaceMarketOrder(_ context.Context, ord MarketOrder) (string, error) {
	if ord.Qty <= 0 {
		return "", fmt.Errorf("order quantity must be positive, got %d", ord.Qty)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Idempotency: a replayed client tag returns the original order.
	for id, existing := range p.orders {
		if existing.ord.ClientTag != "" && existing.ord.ClientTag == ord.ClientTag {
			return id, nil
		}
	}

	p.seq++
	orderID := fmt.Sprintf("PAPER-%06d", p.seq)
	p.orders[orderID] = paperOrder{
		ord:       ord,
		fillPrice: p.premiumLocked(ord.Option),
		placedAt:  p.clock.Now().UTC(),
	}
	return orderID, nil
}

// OrderStatus reports paper orders as immediately filled.
func (p *PaperBroker) OrderStatus(_ context.Context, brokerOrderID string) (OrderUpdate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[brokerOrderID]
	if !ok {
		return OrderUpdate{Status: StateUnknown}, nil
	}
	return OrderUpdate{
		Status:       StateFilled,
		AvgFillPrice: o.fillPrice,
		FilledQty:    o.ord.Qty,
	}, nil
}

// SellOrderCount returns how many SELL orders were placed for the given
// security id. Test hook for the single-exit invariant.
func (p *PaperBroker) SellOrderCount(securityID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, o := range p.orders {
		if o.ord.Action == ActionSell && o.ord.Option.SecurityID == securityID {
			n++
		}
	}
	return n
}
