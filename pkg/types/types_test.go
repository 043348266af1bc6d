package types

import "testing"

func TestQuoteSideAccessors(t *testing.T) {
	t.Parallel()
	q := Quote{YesBid: 40, YesAsk: 60, NoBid: 38, NoAsk: 62}

	if got := q.Bid(YES); got != 40 {
		t.Errorf("Bid(YES) = %d, want 40", got)
	}
	if got := q.Ask(NO); got != 62 {
		t.Errorf("Ask(NO) = %d, want 62", got)
	}
	if got := q.Spread(YES); got != 20 {
		t.Errorf("Spread(YES) = %d, want 20", got)
	}
	if got := q.Mid(YES); got != 50 {
		t.Errorf("Mid(YES) = %v, want 50", got)
	}
	if got := q.Mid(NO); got != 50 {
		t.Errorf("Mid(NO) = %v, want 50", got)
	}
}

func TestRiskTierMultiplier(t *testing.T) {
	t.Parallel()
	tests := []struct {
		tier RiskTier
		want float64
	}{
		{Tier1, 1.0},
		{Tier2, 0.5},
		{Tier3, 0.25},
		{RiskTier(9), 1.0},
	}
	for _, tt := range tests {
		if got := tt.tier.Multiplier(); got != tt.want {
			t.Errorf("Multiplier(%d) = %v, want %v", tt.tier, got, tt.want)
		}
	}
}

func TestOrderBookDepth(t *testing.T) {
	t.Parallel()
	book := OrderBook{
		Bids: []BookLevel{{Price: 49, Contracts: 5}, {Price: 48, Contracts: 7}},
		Asks: []BookLevel{{Price: 50, Contracts: 10}, {Price: 51, Contracts: 10}, {Price: 52, Contracts: 10}},
	}

	if got := book.TopDepth(BUY); got != 10 {
		t.Errorf("TopDepth(BUY) = %d, want 10", got)
	}
	if got := book.TotalDepth(BUY); got != 30 {
		t.Errorf("TotalDepth(BUY) = %d, want 30", got)
	}
	if got := book.TopDepth(SELL); got != 5 {
		t.Errorf("TopDepth(SELL) = %d, want 5", got)
	}
	if got := book.TotalDepth(SELL); got != 12 {
		t.Errorf("TotalDepth(SELL) = %d, want 12", got)
	}
}
