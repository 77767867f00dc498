// Package evaluator implements the Trigger Evaluator: a pure function of
// rules, tracking state, and a live price that decides whether a strategy
// should buy, sell, or hold. It performs no I/O and holds no state of its
// own — every side effect it wants (a trailing-stop update, a circuit
// breaker pause) comes back as part of the Decision for the caller to
// persist.
package evaluator

import (
	"strconv"
	"time"

	"strategyengine/pkg/db"
)

// Action is what the evaluator decided to do.
type Action string

const (
	ActionNone Action = ""
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Reason identifies which rule produced the decision.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonTakeProfit    Reason = "TAKE_PROFIT"
	ReasonStopLoss      Reason = "STOP_LOSS"
	ReasonTrailingStop  Reason = "TRAILING_STOP"
	ReasonBuyDip        Reason = "BUY_DIP"
	ReasonDCA           Reason = "DCA"
)

// MarketData carries the optional ticker fields the volume gate consults.
// A nil pointer means the field is unknown, so that gate is skipped rather
// than treated as a failure.
type MarketData struct {
	Volume24h *float64
	Change24h *float64
}

// TrailingUpdate is the side-effect request rule 6 emits: the worker must
// persist this via the Strategy Store's UpdateTrailing before acting on
// should_trigger.
type TrailingUpdate struct {
	IsActive         bool
	HighestPriceSeen float64
	CurrentStopPrice float64
	ActivatedAt      *time.Time
	Changed          bool
}

// CircuitBreakerTrip is the side-effect request rule 2 emits when a PnL
// window has breached its configured limit and pause_on_limit is set.
type CircuitBreakerTrip struct {
	Window        string // "daily", "weekly", or "monthly"
	ShouldPause   bool
}

// Decision is the evaluator's verdict for one evaluation.
type Decision struct {
	ShouldTrigger   bool
	Action          Action
	Reason          Reason
	Level           int // 1-based index into the matched TP/DCA level list, 0 if n/a
	QuantityPercent float64
	Metadata        map[string]string

	Trailing       *TrailingUpdate
	CircuitBreaker *CircuitBreakerTrip
}

// ReasonCode renders the reason the way it's persisted and surfaced to
// callers: TAKE_PROFIT_L<i> and DCA_L<i> for leveled rules, the bare
// reason otherwise.
func (d Decision) ReasonCode() string {
	switch d.Reason {
	case ReasonTakeProfit:
		return ReasonTakeProfit.leveled(d.Level)
	case ReasonDCA:
		return ReasonDCA.leveled(d.Level)
	default:
		return string(d.Reason)
	}
}

func (r Reason) leveled(level int) string {
	return string(r) + "_L" + strconv.Itoa(level)
}

func blocked(meta map[string]string) Decision {
	return Decision{ShouldTrigger: false, Action: ActionNone, Reason: ReasonNone, Metadata: meta}
}

const epsilon = 1e-9

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// applySizing is the last step before any triggering Decision leaves
// Evaluate: it caps quantity_percent at execution.max_order_size_percent,
// then values the resulting order against the current holding (or, for a
// buy against an empty position, the min_order_size_usd floor as a stand-in
// budget) and demotes the decision to should_trigger=false with
// metadata.reason=below_min_size when that value doesn't clear
// execution.min_order_size_usd. quantity_percent is always resolved against
// the current holding_amount, never the original entry size.
func applySizing(d Decision, rules db.ExecutionRule, currentPrice, holdingAmount float64) Decision {
	if !d.ShouldTrigger || d.Action == ActionNone {
		return d
	}

	pct := d.QuantityPercent
	if pct <= 0 {
		pct = 100
	}
	if rules.MaxOrderSizePercent > 0 && pct > rules.MaxOrderSizePercent {
		pct = rules.MaxOrderSizePercent
	}
	d.QuantityPercent = pct

	base := holdingAmount
	if base <= 0 {
		base = rules.MinOrderSizeUSD / maxFloat(currentPrice, epsilon)
	}
	orderValueUSD := base * currentPrice * (pct / 100)

	if rules.MinOrderSizeUSD > 0 && orderValueUSD < rules.MinOrderSizeUSD {
		meta := map[string]string{}
		for k, v := range d.Metadata {
			meta[k] = v
		}
		meta["reason"] = "below_min_size"
		return Decision{ShouldTrigger: false, Action: ActionNone, Reason: ReasonNone, Metadata: meta, Trailing: d.Trailing}
	}

	return d
}

// Evaluate runs the ten-rule priority chain in §4.5's exact order. The
// first rule that produces a decision or a block wins; nothing later is
// consulted. now is injected so tests and replay are deterministic. Every
// triggering decision passes through applySizing before it's returned,
// which caps quantity_percent against holdingAmount and rules.Execution
// and can still demote the decision to a no-op.
func Evaluate(rules db.Rules, tracking db.Tracking, entryPrice, currentPrice, holdingAmount float64, market MarketData, now time.Time) Decision {
	// 1. Cooldown gate.
	if rules.Cooldown.Enabled && tracking.Cooldown.CooldownUntil != nil && now.Before(*tracking.Cooldown.CooldownUntil) {
		return blocked(map[string]string{"cooldown": "blocked"})
	}

	// 2. Circuit-breaker gate.
	if rules.RiskManagement.Enabled {
		if d, hit := evaluateCircuitBreaker(rules, tracking); hit {
			return d
		}
	}

	// 3. Trading-hours gate.
	if rules.TradingHours.Enabled {
		if !withinTradingHours(rules.TradingHours, now) {
			return blocked(map[string]string{"trading_hours": "blocked"})
		}
	}

	// 4. Blackout gate.
	for _, b := range rules.BlackoutPeriods {
		if b.Enabled && !b.Start.IsZero() && !b.End.IsZero() && !now.Before(b.Start) && now.Before(b.End) {
			return blocked(map[string]string{"blackout": "blocked"})
		}
	}

	// 5. Volume gate.
	if rules.VolumeCheck.Enabled && market.Volume24h != nil && *market.Volume24h < rules.VolumeCheck.Min24hVolumeUSD {
		return blocked(map[string]string{"volume_check": "blocked"})
	}

	// 6. Trailing-stop update (and possible SELL). A state change that
	// doesn't fire is carried forward as a side effect rather than
	// returned immediately, since updating the trailing high is not
	// itself a block on the remaining rules.
	var trailing *TrailingUpdate
	if rules.StopLoss.TrailingEnabled && entryPrice > 0 {
		if d := evaluateTrailingStop(rules, tracking, entryPrice, currentPrice, now); d != nil {
			if d.ShouldTrigger {
				return applySizing(*d, rules.Execution, currentPrice, holdingAmount)
			}
			trailing = d.Trailing
		}
	}

	// 7. Take-profit levels, ascending by percent, skipping executed ones.
	if entryPrice > 0 {
		if d, ok := evaluateTakeProfit(rules, tracking, entryPrice, currentPrice); ok {
			d.Trailing = trailing
			return applySizing(d, rules.Execution, currentPrice, holdingAmount)
		}
	}

	// 8. Stop-loss (fixed).
	if rules.StopLoss.Enabled && entryPrice > 0 {
		threshold := entryPrice * (1 - rules.StopLoss.Percent/100)
		if currentPrice <= threshold {
			d := Decision{ShouldTrigger: true, Action: ActionSell, Reason: ReasonStopLoss, QuantityPercent: 100, Trailing: trailing}
			return applySizing(d, rules.Execution, currentPrice, holdingAmount)
		}
	}

	// 9. Buy-dip / DCA.
	if rules.BuyDip.Enabled && entryPrice > 0 {
		if d, ok := evaluateBuyDip(rules, tracking, entryPrice, currentPrice); ok {
			d.Trailing = trailing
			return applySizing(d, rules.Execution, currentPrice, holdingAmount)
		}
	}

	// 10. No-op.
	return Decision{ShouldTrigger: false, Action: ActionNone, Reason: ReasonNone, Trailing: trailing}
}

func evaluateCircuitBreaker(rules db.Rules, tracking db.Tracking) (Decision, bool) {
	rm := rules.RiskManagement
	stats := tracking.Stats
	windows := []struct {
		name  string
		pnl   float64
		limit *float64
	}{
		{"daily", stats.DailyPnLUSD, rm.MaxDailyLossUSD},
		{"weekly", stats.WeeklyPnLUSD, rm.MaxWeeklyLossUSD},
		{"monthly", stats.MonthlyPnLUSD, rm.MaxMonthlyLossUSD},
	}
	for _, w := range windows {
		if w.limit == nil {
			continue
		}
		if w.pnl <= -*w.limit {
			d := blocked(map[string]string{"circuit_breaker": w.name})
			d.CircuitBreaker = &CircuitBreakerTrip{Window: w.name, ShouldPause: rm.PauseOnLimit}
			return d, true
		}
	}
	return Decision{}, false
}

func withinTradingHours(th db.TradingHoursRule, now time.Time) bool {
	loc := time.UTC
	if th.Timezone != "" {
		if l, err := time.LoadLocation(th.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	hour := local.Hour()
	day := int(local.Weekday())

	if len(th.AllowedHours) > 0 && !containsInt(th.AllowedHours, hour) {
		return false
	}
	if len(th.AllowedDays) > 0 && !containsInt(th.AllowedDays, day) {
		return false
	}
	return true
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// evaluateTrailingStop implements rule 6. It returns a triggering SELL
// *Decision when the trailing stop fires, a non-triggering *Decision whose
// Trailing field carries the new state when the state changed without
// firing, and nil when nothing changed. Evaluate folds a non-firing state
// change into its own return.
func evaluateTrailingStop(rules db.Rules, tracking db.Tracking, entryPrice, currentPrice float64, now time.Time) *Decision {
	sl := rules.StopLoss
	state := tracking.Trailing

	gain := (currentPrice - entryPrice) / entryPrice
	active := state.IsActive
	highest := state.HighestPriceSeen
	stop := state.CurrentStopPrice
	activatedAt := state.ActivatedAt
	changed := false

	if !active && gain >= sl.TrailingActivationPercent/100 {
		active = true
		highest = currentPrice
		t := now
		activatedAt = &t
		changed = true
	}

	if active {
		if currentPrice > highest {
			highest = currentPrice
			changed = true
		}
		newStop := highest * (1 - sl.TrailingPercent/100)
		if newStop != stop {
			stop = newStop
			changed = true
		}
	}

	update := &TrailingUpdate{
		IsActive:         active,
		HighestPriceSeen: highest,
		CurrentStopPrice: stop,
		ActivatedAt:      activatedAt,
		Changed:          changed,
	}

	if active && currentPrice <= stop {
		return &Decision{
			ShouldTrigger:   true,
			Action:          ActionSell,
			Reason:          ReasonTrailingStop,
			QuantityPercent: 100,
			Trailing:        update,
		}
	}

	if changed {
		return &Decision{ShouldTrigger: false, Action: ActionNone, Reason: ReasonNone, Trailing: update}
	}
	return nil
}

func evaluateTakeProfit(rules db.Rules, tracking db.Tracking, entryPrice, currentPrice float64) (Decision, bool) {
	levels := append([]db.TPLevel(nil), rules.TakeProfitLevels...)
	sortTPAscending(levels)

	for i, lvl := range levels {
		if !lvl.Enabled || lvl.Percent <= 0 {
			continue
		}
		if floatInSlice(tracking.Stats.ExecutedTPLevels, lvl.Percent) {
			continue
		}
		threshold := entryPrice * (1 + lvl.Percent/100)
		if currentPrice >= threshold {
			return Decision{
				ShouldTrigger:   true,
				Action:          ActionSell,
				Reason:          ReasonTakeProfit,
				Level:           i + 1,
				QuantityPercent: lvl.QuantityPercent,
				Metadata:        map[string]string{"tp_percent": formatFloat(lvl.Percent)},
			}, true
		}
	}
	return Decision{}, false
}

func evaluateBuyDip(rules db.Rules, tracking db.Tracking, entryPrice, currentPrice float64) (Decision, bool) {
	bd := rules.BuyDip

	if bd.DCAEnabled {
		levels := append([]db.DCALevel(nil), bd.DCALevels...)
		sortDCAAscending(levels)
		for i, lvl := range levels {
			if floatInSlice(tracking.Stats.ExecutedDCALevels, lvl.Percent) {
				continue
			}
			threshold := entryPrice * (1 - lvl.Percent/100)
			if currentPrice <= threshold {
				return Decision{
					ShouldTrigger:   true,
					Action:          ActionBuy,
					Reason:          ReasonDCA,
					Level:           i + 1,
					QuantityPercent: lvl.QuantityPercent,
					Metadata:        map[string]string{"dca_percent": formatFloat(lvl.Percent)},
				}, true
			}
		}
		return Decision{}, false
	}

	threshold := entryPrice * (1 - bd.Percent/100)
	if currentPrice <= threshold {
		return Decision{ShouldTrigger: true, Action: ActionBuy, Reason: ReasonBuyDip, QuantityPercent: 100}, true
	}
	return Decision{}, false
}

func sortTPAscending(levels []db.TPLevel) {
	for i := 1; i < len(levels); i++ {
		for j := i; j > 0 && levels[j].Percent < levels[j-1].Percent; j-- {
			levels[j], levels[j-1] = levels[j-1], levels[j]
		}
	}
}

func sortDCAAscending(levels []db.DCALevel) {
	for i := 1; i < len(levels); i++ {
		for j := i; j > 0 && levels[j].Percent < levels[j-1].Percent; j-- {
			levels[j], levels[j-1] = levels[j-1], levels[j]
		}
	}
}

func floatInSlice(xs []float64, v float64) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
