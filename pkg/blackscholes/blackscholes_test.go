package blackscholes

import (
	"math"
	"testing"
)

func TestPriceKnownValues(t *testing.T) {
	// classic textbook case: S=100 K=100 r=5% vol=20% T=1y
	call := Price(Call, 100, 100, 0.05, 0.20, 1)
	if math.Abs(call-10.4506) > 0.01 {
		t.Errorf("call price = %.4f, want ~10.4506", call)
	}
	put := Price(Put, 100, 100, 0.05, 0.20, 1)
	if math.Abs(put-5.5735) > 0.01 {
		t.Errorf("put price = %.4f, want ~5.5735", put)
	}
}

func TestPutCallParity(t *testing.T) {
	spot, strike, rate, vol, tte := 22500.0, 22600.0, 0.065, 0.14, 30.0/365
	call := Price(Call, spot, strike, rate, vol, tte)
	put := Price(Put, spot, strike, rate, vol, tte)
	parity := call - put - (spot - strike*math.Exp(-rate*tte))
	if math.Abs(parity) > 1e-6 {
		t.Errorf("put-call parity violated by %g", parity)
	}
}

func TestImpliedVolRoundTrip(t *testing.T) {
	cases := []struct {
		typ    OptionType
		spot   float64
		strike float64
		vol    float64
		tte    float64
	}{
		{Call, 22500, 22500, 0.12, 7.0 / 365},
		{Call, 22500, 23000, 0.18, 30.0 / 365},
		{Put, 48000, 47500, 0.22, 14.0 / 365},
		{Put, 100, 100, 0.80, 1.0},
	}
	for _, tc := range cases {
		price := Price(tc.typ, tc.spot, tc.strike, 0.065, tc.vol, tc.tte)
		iv, ok := ImpliedVol(tc.typ, price, tc.spot, tc.strike, 0.065, tc.tte)
		if !ok {
			t.Errorf("ImpliedVol(%v K=%v vol=%v) did not converge", tc.typ, tc.strike, tc.vol)
			continue
		}
		if math.Abs(iv-tc.vol) > 1e-3 {
			t.Errorf("ImpliedVol = %.4f, want %.4f", iv, tc.vol)
		}
	}
}

func TestImpliedVolOutOfBracket(t *testing.T) {
	// price below intrinsic floor of the bracket
	if _, ok := ImpliedVol(Call, 0.0001, 22500, 30000, 0.065, 1.0/365); ok {
		t.Error("expected no convergence for an unreachable price")
	}
	if _, ok := ImpliedVol(Call, -1, 100, 100, 0.065, 0.1); ok {
		t.Error("expected failure for negative price")
	}
}

func TestGreeksSanity(t *testing.T) {
	g := ComputeGreeks(Call, 100, 100, 0.05, 0.20, 1)
	if g.Delta < 0.5 || g.Delta > 0.7 {
		t.Errorf("ATM call delta = %.4f, want in (0.5, 0.7)", g.Delta)
	}
	if g.Gamma <= 0 || g.Vega <= 0 {
		t.Errorf("gamma=%.6f vega=%.4f, want both positive", g.Gamma, g.Vega)
	}
	if g.Theta >= 0 {
		t.Errorf("call theta = %.4f, want negative", g.Theta)
	}

	p := ComputeGreeks(Put, 100, 100, 0.05, 0.20, 1)
	if p.Delta >= 0 || p.Delta <= -1 {
		t.Errorf("put delta = %.4f, want in (-1, 0)", p.Delta)
	}
	// gamma and vega are identical for calls and puts
	if math.Abs(p.Gamma-g.Gamma) > 1e-12 || math.Abs(p.Vega-g.Vega) > 1e-12 {
		t.Error("put gamma/vega differ from call")
	}
}
