package engine

import (
	"fmt"
	"time"

	"github.com/elspeth-run/elspeth/contract"
	"github.com/elspeth-run/elspeth/expr"
)

// TriggerConfig declares when an aggregation batch flushes. Any combination
// may be set; a zero value disables that trigger.
type TriggerConfig struct {
	// Count flushes when the batch holds this many rows.
	Count int

	// Timeout flushes when the oldest buffered row reaches this age.
	Timeout time.Duration

	// Condition is a boolean expression over batch_count and
	// batch_age_seconds, plus any scope fields the aggregation exposes.
	Condition string
}

// TriggerEvaluator decides when one aggregation node's batch flushes.
// Triggers are checked in a fixed order (count, timeout, condition) and the
// first to fire wins; the winner is kept for the audit record until Reset.
//
// The evaluator is not safe for concurrent use. The coordinator owns it,
// like every other piece of scheduling state.
type TriggerEvaluator struct {
	cfg   TriggerConfig
	cond  *expr.Expr
	clock Clock

	count   int
	started time.Time
	fired   contract.TriggerType
}

// Condition expressions see the batch itself as a row.
var triggerScope = func() *contract.Contract {
	c, err := contract.ParseSchemaSpec(contract.SchemaFlexible, []string{
		"batch_count: int",
		"batch_age_seconds: float",
	})
	if err != nil {
		panic(err)
	}
	return c
}()

// NewTriggerEvaluator compiles the condition (if any) so a malformed
// expression fails at pipeline build, not mid-run.
func NewTriggerEvaluator(cfg TriggerConfig, clock Clock) (*TriggerEvaluator, error) {
	if cfg.Count < 0 {
		return nil, fmt.Errorf("count trigger must be >= 0, got %d", cfg.Count)
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout trigger must be >= 0, got %s", cfg.Timeout)
	}
	if cfg.Count == 0 && cfg.Timeout == 0 && cfg.Condition == "" {
		return nil, fmt.Errorf("aggregation declares no flush trigger")
	}
	if clock == nil {
		clock = RealClock()
	}
	ev := &TriggerEvaluator{cfg: cfg, clock: clock}
	if cfg.Condition != "" {
		cond, err := expr.Compile(cfg.Condition)
		if err != nil {
			return nil, fmt.Errorf("condition trigger: %w", err)
		}
		ev.cond = cond
	}
	return ev, nil
}

// RowAdded records one row entering the batch and returns the new count.
// The first row starts the age clock.
func (ev *TriggerEvaluator) RowAdded() int {
	if ev.count == 0 {
		ev.started = ev.clock.Now()
	}
	ev.count++
	return ev.count
}

// Count returns the rows currently buffered.
func (ev *TriggerEvaluator) Count() int { return ev.count }

// Age returns how long the oldest buffered row has waited. Zero for an
// empty batch.
func (ev *TriggerEvaluator) Age() time.Duration {
	if ev.count == 0 {
		return 0
	}
	return ev.clock.Now().Sub(ev.started)
}

// Evaluate checks the triggers in declared order and returns the first that
// fires. A condition that fails to evaluate never fires and never stops the
// other triggers; the error comes back so the caller can record it against
// the aggregation node.
func (ev *TriggerEvaluator) Evaluate(scope map[string]any) (contract.TriggerType, bool, error) {
	if ev.count == 0 {
		return "", false, nil
	}
	if ev.cfg.Count > 0 && ev.count >= ev.cfg.Count {
		ev.fired = contract.TriggerCount
		return contract.TriggerCount, true, nil
	}
	if ev.cfg.Timeout > 0 && ev.Age() >= ev.cfg.Timeout {
		ev.fired = contract.TriggerTimeout
		return contract.TriggerTimeout, true, nil
	}
	if ev.cond == nil {
		return "", false, nil
	}

	data := map[string]any{
		"batch_count":       ev.count,
		"batch_age_seconds": ev.Age().Seconds(),
	}
	shape := triggerScope
	if len(scope) > 0 {
		names := make([]string, 0, len(scope))
		for name := range scope {
			norm := contract.NormalizeName(name)
			if norm == "" || norm == "batch_count" || norm == "batch_age_seconds" {
				continue
			}
			names = append(names, name)
			data[norm] = scope[name]
		}
		expanded, err := triggerScope.WithInferredFields(names)
		if err != nil {
			return "", false, fmt.Errorf("condition trigger scope: %w", err)
		}
		shape = expanded
	}

	fired, err := ev.cond.Eval(contract.NewRow(data, shape))
	if err != nil {
		return "", false, fmt.Errorf("condition trigger %q: %w", ev.cond.Source(), err)
	}
	if fired {
		ev.fired = contract.TriggerCondition
		return contract.TriggerCondition, true, nil
	}
	return "", false, nil
}

// WhichTriggered reports the trigger that caused the pending flush. Empty
// until a trigger fires; Reset clears it.
func (ev *TriggerEvaluator) WhichTriggered() contract.TriggerType { return ev.fired }

// Reset clears the batch state after a flush. The next RowAdded restarts
// the age clock.
func (ev *TriggerEvaluator) Reset() {
	ev.count = 0
	ev.started = time.Time{}
	ev.fired = ""
}
