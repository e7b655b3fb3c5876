// normalize.go converts a desired notional and raw TP/SL levels into the
// exact quantity and price strings the exchange accepts.
//
// All step arithmetic runs on decimals, not floats: flooring 0.417075 to a
// 0.0001 tick must yield exactly "0.4170", and binary float division is not
// trustworthy at that granularity.
package exchange

import (
	"fmt"

	"github.com/shopspring/decimal"

	"bybit-correlation-bot/pkg/types"
)

// FloorToStep rounds v down to the nearest multiple of step.
// step <= 0 returns v unchanged.
func FloorToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	dv, ds := decimal.NewFromFloat(v), decimal.NewFromFloat(step)
	f, _ := dv.Div(ds).Floor().Mul(ds).Float64()
	return f
}

// CeilToStep rounds v up to the nearest multiple of step.
// step <= 0 returns v unchanged.
func CeilToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	dv, ds := decimal.NewFromFloat(v), decimal.NewFromFloat(step)
	f, _ := dv.Div(ds).Ceil().Mul(ds).Float64()
	return f
}

// DecimalPlaces returns the number of fractional digits needed to render
// step exactly: 1.0 -> 0, 0.01 -> 2, 0.0001 -> 4.
func DecimalPlaces(step float64) int {
	places := -decimal.NewFromFloat(step).Exponent()
	if places < 0 {
		return 0
	}
	return int(places)
}

// NormalizedOrder is the exchange-ready rendering of one order: quantity
// and prices snapped to the instrument's granularity and formatted with
// exactly the digits the step sizes call for.
type NormalizedOrder struct {
	Qty        float64
	TakeProfit float64
	StopLoss   float64

	QtyStr string
	TPStr  string
	SLStr  string
}

// NormalizeOrder computes the order quantity for a notional position size
// and snaps TP/SL to the instrument's tick size. Quantity is floored to
// the qty step, raised to the minimum quantity, then raised again if the
// resulting value is below the minimum notional.
//
// TP/SL rounding is side-aware: the take-profit is rounded toward entry
// and the stop-loss away from it, so rounding never widens the profit
// target or tightens the stop past its configured level.
func NormalizeOrder(side types.Side, lastPrice, notional, tp, sl float64, spec types.InstrumentSpec) (NormalizedOrder, error) {
	if lastPrice < 1e-12 {
		lastPrice = 1e-12
	}

	qty := FloorToStep(notional/lastPrice, spec.QtyStep)
	if qty < spec.MinOrderQty {
		qty = spec.MinOrderQty
	}
	if qty*lastPrice < spec.MinNotional {
		qty = CeilToStep(spec.MinNotional/lastPrice, spec.QtyStep)
	}
	if qty <= 0 {
		return NormalizedOrder{}, fmt.Errorf("normalize order: non-positive qty for notional %.4f at price %.8f", notional, lastPrice)
	}

	var tpAdj, slAdj float64
	if side == types.Buy {
		tpAdj = FloorToStep(tp, spec.TickSize)
		slAdj = CeilToStep(sl, spec.TickSize)
	} else {
		tpAdj = CeilToStep(tp, spec.TickSize)
		slAdj = FloorToStep(sl, spec.TickSize)
	}

	qtyPlaces := int32(DecimalPlaces(spec.QtyStep))
	pricePlaces := int32(DecimalPlaces(spec.TickSize))

	return NormalizedOrder{
		Qty:        qty,
		TakeProfit: tpAdj,
		StopLoss:   slAdj,
		QtyStr:     decimal.NewFromFloat(qty).StringFixed(qtyPlaces),
		TPStr:      decimal.NewFromFloat(tpAdj).StringFixed(pricePlaces),
		SLStr:      decimal.NewFromFloat(slAdj).StringFixed(pricePlaces),
	}, nil
}
