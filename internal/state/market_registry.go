package state

import "fmt"

// MarketRegistry holds every listed market.
type MarketRegistry struct {
	markets map[string]*Market
}

func NewMarketRegistry() *MarketRegistry {
	return &MarketRegistry{
		markets: make(map[string]*Market),
	}
}

// GetMarket returns the market or nil.
func (mr *MarketRegistry) GetMarket(marketID string) *Market {
	return mr.markets[marketID]
}

// ListMarket validates and registers a new market.
func (mr *MarketRegistry) ListMarket(m *Market) error {
	if err := ValidateMarketParams(m); err != nil {
		return fmt.Errorf("invalid market params for %s: %w", m.MarketID, err)
	}
	if _, exists := mr.markets[m.MarketID]; exists {
		return fmt.Errorf("market %s already listed", m.MarketID)
	}
	mr.markets[m.MarketID] = m
	return nil
}

// SetStatus moves a market through its lifecycle. A market with open
// interest cannot be delisted.
func (mr *MarketRegistry) SetStatus(marketID string, next MarketStatus) error {
	m := mr.markets[marketID]
	if m == nil {
		return fmt.Errorf("unknown market %s", marketID)
	}
	if !m.Status.CanTransitionTo(next) {
		return fmt.Errorf("market %s: invalid status transition %s -> %s",
			marketID, m.Status, next)
	}
	if next == MarketStatusDelisted && m.OpenInterest > 0 {
		return fmt.Errorf("market %s: cannot delist with open interest %d",
			marketID, m.OpenInterest)
	}
	m.Status = next
	return nil
}

// SetMarket directly installs a market (used for snapshot restore).
func (mr *MarketRegistry) SetMarket(m *Market) {
	mr.markets[m.MarketID] = m
}

// GetAllMarkets returns every market (for iteration and snapshots).
func (mr *MarketRegistry) GetAllMarkets() []*Market {
	result := make([]*Market, 0, len(mr.markets))
	for _, m := range mr.markets {
		result = append(result, m)
	}
	return result
}
