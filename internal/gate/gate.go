// Package gate decides whether a transaction needs step-up biometric
// verification before the pipeline proceeds. Built-in checks run in a fixed
// order; operator-defined CEL rules run after them.
package gate

import (
	"fmt"

	"github.com/opensource-finance/fraudguard/internal/domain"
)

// Built-in reason codes, in evaluation order.
const (
	ReasonHighValueDeviation = "high_value_deviation"
	ReasonMLHighRisk         = "ml_high_risk"
	ReasonNewDeviceHighAmt   = "new_device_high_amount"
	ReasonUnusualHour        = "unusual_hour"
	ReasonGeographicAnomaly  = "geographic_anomaly"
)

// Decision is the gate outcome: whether verification is required and the
// ordered list of reason codes that fired.
type Decision struct {
	RequiresVerification bool     `json:"requiresVerification"`
	Reasons              []string `json:"reasons"`
}

// Gate evaluates the step-up policy. All checks are independently evaluated;
// any one firing requires verification. Evaluation has no side effects and is
// deterministic given identical inputs.
type Gate struct {
	cfg    domain.GateConfig
	hours  map[int]bool
	custom []*compiledRule
}

// New compiles the gate from configuration. Custom rule compilation errors
// fail construction so a bad expression is caught at startup, not at
// evaluation time.
func New(cfg domain.GateConfig) (*Gate, error) {
	hours := make(map[int]bool, len(cfg.UnusualHours))
	for _, h := range cfg.UnusualHours {
		hours[h] = true
	}

	g := &Gate{cfg: cfg, hours: hours}

	if len(cfg.CustomRules) > 0 {
		env, err := newRuleEnv()
		if err != nil {
			return nil, err
		}
		for _, rc := range cfg.CustomRules {
			if !rc.Enabled {
				continue
			}
			compiled, err := compileRule(env, rc)
			if err != nil {
				return nil, fmt.Errorf("compiling gate rule %s: %w", rc.ID, err)
			}
			g.custom = append(g.custom, compiled)
		}
	}

	return g, nil
}

// Evaluate runs every check against the transaction, the classifier
// probability and the user baseline.
func (g *Gate) Evaluate(tx *domain.Transaction, probability float64, baseline *domain.UserBaseline) *Decision {
	d := &Decision{Reasons: []string{}}
	add := func(reason string) {
		d.RequiresVerification = true
		d.Reasons = append(d.Reasons, reason)
	}

	// A user with no history still gets the baseline rules: the average
	// falls back to the configured default, and an empty known-device set
	// means every device is new.
	avg := baseline.AvgAmount
	if baseline.TotalTransactions == 0 {
		avg = g.cfg.DefaultAvgAmount
	}

	if tx.Amount > g.cfg.DeviationMultiplier*avg &&
		tx.Amount > g.cfg.DeviationFloor {
		add(ReasonHighValueDeviation)
	}

	if probability > g.cfg.MLThreshold {
		add(ReasonMLHighRisk)
	}

	if !baseline.KnowsDevice(tx.DeviceType) &&
		tx.Amount > g.cfg.NewDeviceFloor {
		add(ReasonNewDeviceHighAmt)
	}

	if g.hours[tx.Timestamp.Hour()] && tx.Amount > g.cfg.UnusualHourFloor {
		add(ReasonUnusualHour)
	}

	if tx.Distance > g.cfg.DistanceFloor && tx.Amount > g.cfg.DistanceAmountFloor {
		add(ReasonGeographicAnomaly)
	}

	for _, rule := range g.custom {
		fired, err := rule.eval(tx, probability, avg, baseline)
		if err != nil {
			// A runtime evaluation error never blocks the pipeline.
			continue
		}
		if fired {
			add(rule.reason)
		}
	}

	return d
}
