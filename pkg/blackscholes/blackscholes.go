// Package blackscholes implements European option pricing and the
// first-order Greeks, plus implied-volatility root finding by bisection.
// Time is expressed in years, rates and volatility as annualized decimals.
package blackscholes

import "math"

// OptionType selects the payoff
type OptionType int

const (
	Call OptionType = iota
	Put
)

// Bisection search bounds for implied volatility.
const (
	IVLow        = 0.01
	IVHigh       = 5.0
	IVTolerance  = 1e-4
	IVMaxIterate = 60
)

func normPDF(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}

func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

func d1d2(spot, strike, rate, vol, tte float64) (float64, float64) {
	d1 := (math.Log(spot/strike) + (rate+vol*vol/2)*tte) / (vol * math.Sqrt(tte))
	return d1, d1 - vol*math.Sqrt(tte)
}

// Price returns the Black-Scholes price of a European option
func Price(typ OptionType, spot, strike, rate, vol, tte float64) float64 {
	if tte <= 0 || vol <= 0 || spot <= 0 || strike <= 0 {
		// intrinsic value at expiry
		if typ == Call {
			return math.Max(spot-strike, 0)
		}
		return math.Max(strike-spot, 0)
	}
	d1, d2 := d1d2(spot, strike, rate, vol, tte)
	if typ == Call {
		return spot*normCDF(d1) - strike*math.Exp(-rate*tte)*normCDF(d2)
	}
	return strike*math.Exp(-rate*tte)*normCDF(-d2) - spot*normCDF(-d1)
}

// Greeks holds the four first-order sensitivities. Theta is per
// calendar day, vega per 1% volatility move.
type Greeks struct {
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
}

// ComputeGreeks returns delta, gamma, theta and vega at the given vol
func ComputeGreeks(typ OptionType, spot, strike, rate, vol, tte float64) Greeks {
	if tte <= 0 || vol <= 0 || spot <= 0 || strike <= 0 {
		return Greeks{}
	}
	d1, d2 := d1d2(spot, strike, rate, vol, tte)
	pdf := normPDF(d1)

	g := Greeks{
		Gamma: pdf / (spot * vol * math.Sqrt(tte)),
		Vega:  spot * pdf * math.Sqrt(tte) / 100,
	}

	if typ == Call {
		g.Delta = normCDF(d1)
		g.Theta = (-spot*pdf*vol/(2*math.Sqrt(tte)) - rate*strike*math.Exp(-rate*tte)*normCDF(d2)) / 365
	} else {
		g.Delta = normCDF(d1) - 1
		g.Theta = (-spot*pdf*vol/(2*math.Sqrt(tte)) + rate*strike*math.Exp(-rate*tte)*normCDF(-d2)) / 365
	}
	return g
}

// ImpliedVol finds the volatility matching the observed option price by
// bisection in [IVLow, IVHigh]. Returns ok=false when the price is
// outside the bracket or the search does not converge within
// IVMaxIterate iterations.
func ImpliedVol(typ OptionType, price, spot, strike, rate, tte float64) (float64, bool) {
	if price <= 0 || tte <= 0 || spot <= 0 || strike <= 0 {
		return 0, false
	}

	lo, hi := IVLow, IVHigh
	fLo := Price(typ, spot, strike, rate, lo, tte) - price
	fHi := Price(typ, spot, strike, rate, hi, tte) - price
	if fLo*fHi > 0 {
		return 0, false
	}

	for i := 0; i < IVMaxIterate; i++ {
		mid := (lo + hi) / 2
		fMid := Price(typ, spot, strike, rate, mid, tte) - price
		if math.Abs(fMid) < IVTolerance || (hi-lo)/2 < IVTolerance {
			return mid, true
		}
		if fLo*fMid < 0 {
			hi = mid
		} else {
			lo = mid
			fLo = fMid
		}
	}
	return 0, false
}
