package gate

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/fraudguard/internal/domain"
)

// newRuleEnv builds the CEL environment for operator-defined gate rules.
func newRuleEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("probability", cel.DoubleType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("distance", cel.DoubleType),
		cel.Variable("baseline_avg", cel.DoubleType),
		cel.Variable("history_count", cel.IntType),
		cel.Variable("is_new_device", cel.BoolType),
		cel.Variable("is_new_location", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

type compiledRule struct {
	id      string
	reason  string
	program cel.Program
}

func compileRule(env *cel.Env, rc domain.GateRule) (*compiledRule, error) {
	ast, issues := env.Compile(rc.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	reason := rc.Reason
	if reason == "" {
		reason = rc.ID
	}
	return &compiledRule{id: rc.ID, reason: reason, program: program}, nil
}

func (r *compiledRule) eval(tx *domain.Transaction, probability, avg float64, baseline *domain.UserBaseline) (bool, error) {
	activation := map[string]any{
		"tx": map[string]any{
			"id":                tx.ID,
			"user_id":           tx.UserID,
			"type":              tx.Type,
			"merchant_category": tx.MerchantCategory,
			"card_type":         tx.CardType,
			"device_type":       tx.DeviceType,
			"location":          tx.Location,
			"auth_method":       tx.AuthMethod,
			"amount":            tx.Amount,
		},
		"amount":          tx.Amount,
		"probability":     probability,
		"hour":            tx.Timestamp.Hour(),
		"distance":        tx.Distance,
		"baseline_avg":    avg,
		"history_count":   baseline.TotalTransactions,
		"is_new_device":   !baseline.KnowsDevice(tx.DeviceType),
		"is_new_location": !baseline.KnowsLocation(tx.Location),
	}

	out, _, err := r.program.Eval(activation)
	if err != nil {
		return false, err
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("rule %s: non-bool result", r.id)
	}
	return bool(b), nil
}
