package strategy

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"strategyengine/pkg/db"
)

//go:embed templates.yaml
var templatesYAML []byte

// LegacyRules is the flat, deprecated rule shape accepted alongside the
// structured Rules document on strategy creation.
type LegacyRules struct {
	TakeProfitPercent *float64
	StopLossPercent   *float64
	BuyDipPercent     *float64
}

// DefaultRules returns the conservative defaults applied when a caller
// supplies neither a template, legacy fields, nor a full Rules document.
func DefaultRules() db.Rules {
	return db.Rules{
		TakeProfitLevels: []db.TPLevel{{Percent: 5.0, QuantityPercent: 100, Enabled: true}},
		StopLoss:         db.StopLossRule{Percent: 2.0, Enabled: true},
		BuyDip:           db.BuyDipRule{Percent: 3.0, Enabled: true},
		Execution:        db.ExecutionRule{MinOrderSizeUSD: 10, MaxOrderSizePercent: 100, AllowPartialFills: true},
	}
}

// NormalizeLegacyRules converts the flat legacy fields into the structured
// Rules document, filling every other subtree with conservative defaults
// (disabled except the fields the caller explicitly set).
func NormalizeLegacyRules(legacy LegacyRules) db.Rules {
	rules := db.Rules{
		StopLoss: db.StopLossRule{Percent: 2.0},
		BuyDip:   db.BuyDipRule{Percent: 3.0},
	}
	if legacy.TakeProfitPercent != nil {
		rules.TakeProfitLevels = []db.TPLevel{{Percent: *legacy.TakeProfitPercent, QuantityPercent: 100, Enabled: true}}
	}
	if legacy.StopLossPercent != nil {
		rules.StopLoss.Percent = *legacy.StopLossPercent
		rules.StopLoss.Enabled = true
	}
	if legacy.BuyDipPercent != nil {
		rules.BuyDip.Percent = *legacy.BuyDipPercent
		rules.BuyDip.Enabled = true
	}
	return rules
}

// Template names accepted by TemplateRules.
const (
	TemplateSimple       = "simple"
	TemplateConservative = "conservative"
	TemplateAggressive   = "aggressive"
)

// TemplateRules returns pre-configured rules for a named template, loaded
// from the embedded templates.yaml fixture. Mirrors the three risk
// postures the strategy service offers: simple (one TP, no protection
// beyond a fixed stop), conservative (tight stops, trailing, cooldown, low
// loss caps), aggressive (wide TP ladder, DCA, higher caps).
func TemplateRules(template string) (db.Rules, error) {
	name := strings.ToLower(template)
	switch name {
	case TemplateSimple, TemplateConservative, TemplateAggressive:
	default:
		return db.Rules{}, fmt.Errorf("strategy: unknown template %q, use simple, conservative or aggressive", template)
	}

	var presets map[string]db.Rules
	if err := yaml.Unmarshal(templatesYAML, &presets); err != nil {
		return db.Rules{}, fmt.Errorf("strategy: parse templates.yaml: %w", err)
	}
	rules, ok := presets[name]
	if !ok {
		return db.Rules{}, fmt.Errorf("strategy: template %q missing from templates.yaml", name)
	}
	return rules, nil
}

// ValidateRules checks the structural invariants on a Rules document:
// take-profit and DCA quantity splits summing to 100, positive percents,
// and well-formed blackout intervals. It assumes the document has already
// passed through NormalizeLegacyRules if needed.
func ValidateRules(r db.Rules) error {
	if len(r.TakeProfitLevels) == 0 {
		return fmt.Errorf("at least one take_profit_levels entry is required")
	}
	if err := validateLevelSplit("take_profit_levels", tpLevelsAsGeneric(r.TakeProfitLevels)); err != nil {
		return err
	}

	if r.StopLoss.Percent <= 0 {
		return fmt.Errorf("stop_loss.percent must be positive")
	}
	if r.StopLoss.TrailingEnabled {
		if r.StopLoss.TrailingPercent <= 0 {
			return fmt.Errorf("stop_loss.trailing_percent must be positive when trailing is enabled")
		}
	}

	if r.BuyDip.Percent <= 0 {
		return fmt.Errorf("buy_dip.percent must be positive")
	}
	if r.BuyDip.DCAEnabled {
		if len(r.BuyDip.DCALevels) == 0 {
			return fmt.Errorf("buy_dip.dca_levels must have at least one level when dca is enabled")
		}
		if err := validateLevelSplit("buy_dip.dca_levels", dcaLevelsAsGeneric(r.BuyDip.DCALevels)); err != nil {
			return err
		}
	}

	for _, field := range []struct {
		name string
		val  *float64
	}{
		{"max_daily_loss_usd", r.RiskManagement.MaxDailyLossUSD},
		{"max_weekly_loss_usd", r.RiskManagement.MaxWeeklyLossUSD},
		{"max_monthly_loss_usd", r.RiskManagement.MaxMonthlyLossUSD},
	} {
		if field.val != nil && *field.val <= 0 {
			return fmt.Errorf("risk_management.%s must be positive", field.name)
		}
	}

	if r.Cooldown.Enabled {
		if r.Cooldown.MinutesAfterSell < 0 || r.Cooldown.MinutesAfterBuy < 0 {
			return fmt.Errorf("cooldown minutes cannot be negative")
		}
	}

	if r.TradingHours.Enabled {
		for _, h := range r.TradingHours.AllowedHours {
			if h < 0 || h > 23 {
				return fmt.Errorf("trading_hours.allowed_hours must be in 0..23")
			}
		}
		for _, d := range r.TradingHours.AllowedDays {
			if d < 0 || d > 6 {
				return fmt.Errorf("trading_hours.allowed_days must be in 0..6")
			}
		}
	}

	for i, b := range r.BlackoutPeriods {
		if !b.Enabled {
			continue
		}
		if b.Start.IsZero() || b.End.IsZero() {
			return fmt.Errorf("blackout_periods[%d]: start and end are required", i)
		}
		if !b.End.After(b.Start) {
			return fmt.Errorf("blackout_periods[%d]: end must be after start", i)
		}
	}

	if r.VolumeCheck.Enabled && r.VolumeCheck.Min24hVolumeUSD < 0 {
		return fmt.Errorf("volume_check.min_24h_volume_usd cannot be negative")
	}

	if r.Execution.MinOrderSizeUSD < 0 {
		return fmt.Errorf("execution.min_order_size_usd cannot be negative")
	}
	if r.Execution.MaxOrderSizePercent != 0 && (r.Execution.MaxOrderSizePercent <= 0 || r.Execution.MaxOrderSizePercent > 100) {
		return fmt.Errorf("execution.max_order_size_percent must be in (0,100]")
	}

	return nil
}

type genericLevel struct {
	percent         float64
	quantityPercent float64
	enabled         bool
}

func tpLevelsAsGeneric(levels []db.TPLevel) []genericLevel {
	out := make([]genericLevel, len(levels))
	for i, l := range levels {
		out[i] = genericLevel{percent: l.Percent, quantityPercent: l.QuantityPercent, enabled: l.Enabled}
	}
	return out
}

func dcaLevelsAsGeneric(levels []db.DCALevel) []genericLevel {
	out := make([]genericLevel, len(levels))
	for i, l := range levels {
		out[i] = genericLevel{percent: l.Percent, quantityPercent: l.QuantityPercent, enabled: true}
	}
	return out
}

// validateLevelSplit checks that every enabled level has a positive
// percent and a quantity_percent in (0,100], and that enabled quantity
// percents sum to exactly 100.
func validateLevelSplit(field string, levels []genericLevel) error {
	var total float64
	for i, l := range levels {
		if l.percent <= 0 {
			return fmt.Errorf("%s[%d]: percent must be positive", field, i)
		}
		if l.quantityPercent <= 0 || l.quantityPercent > 100 {
			return fmt.Errorf("%s[%d]: quantity_percent must be in (0,100]", field, i)
		}
		if l.enabled {
			total += l.quantityPercent
		}
	}
	if total != 100 {
		return fmt.Errorf("%s: enabled quantity_percent values must sum to 100, got %v", field, total)
	}
	return nil
}
