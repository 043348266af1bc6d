package strategy

import (
	"testing"

	"binary-trader/internal/config"
	"binary-trader/pkg/types"
)

func initMeanReversion(t *testing.T) Strategy {
	t.Helper()
	s := NewMeanReversion("mr-test")
	err := s.Initialize(config.StrategyConfig{
		MinEdge: 3,
		Params:  map[string]float64{"reversion_threshold": 5, "base_contracts": 20},
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return s
}

func TestMeanReversionFadesRunUp(t *testing.T) {
	t.Parallel()
	s := initMeanReversion(t)

	// YES mid 60 against last trade 50: fade by buying NO.
	sigs, err := s.GenerateSignals(MarketContext{Quote: types.Quote{
		Ticker: "M1", YesBid: 58, YesAsk: 62, NoBid: 38, NoAsk: 42, LastPrice: 50,
	}})
	if err != nil {
		t.Fatalf("GenerateSignals: %v", err)
	}
	if len(sigs) != 1 {
		t.Fatalf("signals = %d, want 1", len(sigs))
	}
	sig := sigs[0]
	if sig.Side != types.NO || sig.Kind != KindEntry {
		t.Errorf("signal = %+v, want NO entry", sig)
	}
	if sig.CurrentPrice != 42 || sig.TargetPrice != 50 {
		t.Errorf("prices = %d → %d, want 42 → 50", sig.CurrentPrice, sig.TargetPrice)
	}
	if sig.Strength != 1 {
		t.Errorf("Strength = %v, want 1 (10¢ deviation, 5¢ threshold)", sig.Strength)
	}
	if sig.Contracts != 20 {
		t.Errorf("Contracts = %d, want 20", sig.Contracts)
	}
}

func TestMeanReversionBuysDip(t *testing.T) {
	t.Parallel()
	s := initMeanReversion(t)

	sigs, _ := s.GenerateSignals(MarketContext{Quote: types.Quote{
		Ticker: "M1", YesBid: 40, YesAsk: 44, NoBid: 56, NoAsk: 60, LastPrice: 50,
	}})
	if len(sigs) != 1 {
		t.Fatalf("signals = %d, want 1", len(sigs))
	}
	if sigs[0].Side != types.YES || sigs[0].TargetPrice != 50 {
		t.Errorf("signal = %+v, want YES toward 50", sigs[0])
	}
}

func TestMeanReversionQuietMarket(t *testing.T) {
	t.Parallel()
	s := initMeanReversion(t)

	sigs, _ := s.GenerateSignals(MarketContext{Quote: types.Quote{
		Ticker: "M1", YesBid: 49, YesAsk: 53, NoBid: 47, NoAsk: 51, LastPrice: 50,
	}})
	if len(sigs) != 0 {
		t.Errorf("mid 51 vs last 50 should stay silent, got %+v", sigs)
	}

	// No last trade, no baseline to revert to.
	sigs, _ = s.GenerateSignals(MarketContext{Quote: types.Quote{
		Ticker: "M1", YesBid: 58, YesAsk: 62, NoBid: 38, NoAsk: 42,
	}})
	if len(sigs) != 0 {
		t.Errorf("no last price should stay silent, got %+v", sigs)
	}
}

func TestMeanReversionThesisRequiresStrength(t *testing.T) {
	t.Parallel()
	s := initMeanReversion(t)

	if th := s.EvaluateSignal(Signal{Strength: 0.4}); th != nil {
		t.Error("weak signal should not justify a thesis")
	}
	th := s.EvaluateSignal(Signal{
		MarketID: "M1", Side: types.NO, Strength: 0.9, TargetPrice: 50, CurrentPrice: 42,
	})
	if th == nil {
		t.Fatal("strong signal should produce a thesis")
	}
	if th.MarketID != "M1" || th.FalsificationCriteria == "" {
		t.Errorf("thesis = %+v", th)
	}
}

func TestMeanReversionCalibration(t *testing.T) {
	t.Parallel()
	s := initMeanReversion(t)

	s.GenerateSignals(MarketContext{Quote: types.Quote{
		Ticker: "M1", YesBid: 58, YesAsk: 62, NoBid: 38, NoAsk: 42, LastPrice: 50,
	}})
	// Forecast 0.5 for YES; market settles NO: Brier (0.5-0)² = 0.25.
	s.OnEvent(Event{Type: EventMarketSettled, MarketID: "M1", Data: map[string]any{"yes": false}})

	if got := s.State().Calibration; got != 0.75 {
		t.Errorf("Calibration = %v, want 0.75", got)
	}
}

func initMomentum(t *testing.T) Strategy {
	t.Helper()
	s := NewMomentum("mom-test")
	err := s.Initialize(config.StrategyConfig{
		MinEdge: 2,
		Params:  map[string]float64{"window": 3, "min_move": 3, "base_contracts": 15},
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return s
}

func momentumTick(yesBid, yesAsk int) MarketContext {
	return MarketContext{Quote: types.Quote{
		Ticker: "M2", YesBid: yesBid, YesAsk: yesAsk,
		NoBid: 100 - yesAsk, NoAsk: 100 - yesBid,
	}}
}

func TestMomentumFollowsRisingMid(t *testing.T) {
	t.Parallel()
	s := initMomentum(t)

	// Mids 50, 52, 54: monotonic rise of 4¢ over a 3-tick window.
	s.GenerateSignals(momentumTick(48, 52))
	s.GenerateSignals(momentumTick(50, 54))
	sigs, err := s.GenerateSignals(momentumTick(52, 56))
	if err != nil {
		t.Fatalf("GenerateSignals: %v", err)
	}
	if len(sigs) != 1 {
		t.Fatalf("signals = %d, want 1", len(sigs))
	}
	sig := sigs[0]
	if sig.Side != types.YES {
		t.Errorf("Side = %s, want YES", sig.Side)
	}
	if sig.CurrentPrice != 56 || sig.TargetPrice != 60 {
		t.Errorf("prices = %d → %d, want 56 → 60", sig.CurrentPrice, sig.TargetPrice)
	}
	if sig.Contracts != 15 {
		t.Errorf("Contracts = %d, want 15", sig.Contracts)
	}
}

func TestMomentumFollowsFallingMid(t *testing.T) {
	t.Parallel()
	s := initMomentum(t)

	s.GenerateSignals(momentumTick(52, 56))
	s.GenerateSignals(momentumTick(50, 54))
	sigs, _ := s.GenerateSignals(momentumTick(48, 52))
	if len(sigs) != 1 {
		t.Fatalf("signals = %d, want 1", len(sigs))
	}
	if sigs[0].Side != types.NO {
		t.Errorf("Side = %s, want NO on a falling mid", sigs[0].Side)
	}
}

func TestMomentumChoppyMarketStaysSilent(t *testing.T) {
	t.Parallel()
	s := initMomentum(t)

	s.GenerateSignals(momentumTick(48, 52))
	s.GenerateSignals(momentumTick(52, 56))
	sigs, _ := s.GenerateSignals(momentumTick(48, 52))
	if len(sigs) != 0 {
		t.Errorf("choppy mids should stay silent, got %+v", sigs)
	}
}

func TestMomentumNeedsFullWindow(t *testing.T) {
	t.Parallel()
	s := initMomentum(t)

	s.GenerateSignals(momentumTick(48, 52))
	sigs, _ := s.GenerateSignals(momentumTick(52, 56))
	if len(sigs) != 0 {
		t.Errorf("window not full, got %+v", sigs)
	}
}

func TestMomentumInitializeValidation(t *testing.T) {
	t.Parallel()
	s := NewMomentum("mom-bad")
	if err := s.Initialize(config.StrategyConfig{Params: map[string]float64{"window": 1, "min_move": 3}}); err == nil {
		t.Error("window 1 should fail")
	}
	if err := s.Initialize(config.StrategyConfig{Params: map[string]float64{"window": 3}}); err == nil {
		t.Error("missing min_move should fail")
	}
}

func TestDefaultRegistryBuiltins(t *testing.T) {
	t.Parallel()
	reg := DefaultRegistry()
	for _, typ := range []string{TypeMeanReversion, TypeMomentum} {
		f, err := reg.Lookup(typ)
		if err != nil {
			t.Fatalf("Lookup(%s): %v", typ, err)
		}
		s := f(typ + "-1")
		merged := reg.Merged(config.StrategyConfig{Type: typ, Enabled: true})
		if err := s.Initialize(merged); err != nil {
			t.Errorf("%s defaults do not initialize: %v", typ, err)
		}
	}
}
