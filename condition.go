package autoflow

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// maxConditionLength bounds condition expression size.
const maxConditionLength = 4096

// conditionCache compiles condition expressions once and reuses the
// programs across dispatches.
type conditionCache struct {
	mu       sync.RWMutex
	compiled map[string]*vm.Program
}

func newConditionCache() *conditionCache {
	return &conditionCache{compiled: make(map[string]*vm.Program)}
}

// eval evaluates a When expression against the run environment
// {params, run_id}.
func (c *conditionCache) eval(expression string, rc *RunContext) (bool, error) {
	if len(expression) > maxConditionLength {
		return false, fmt.Errorf("condition exceeds maximum length of %d characters", maxConditionLength)
	}

	env := map[string]any{
		"params": rc.Params,
		"run_id": rc.RunID,
	}

	c.mu.RLock()
	prog, ok := c.compiled[expression]
	c.mu.RUnlock()

	if !ok {
		var err error
		prog, err = expr.Compile(expression, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
		if err != nil {
			return false, fmt.Errorf("compile condition %q: %w", expression, err)
		}
		c.mu.Lock()
		c.compiled[expression] = prog
		c.mu.Unlock()
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", expression, err)
	}

	switch v := result.(type) {
	case bool:
		return v, nil
	case nil:
		return false, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	case string:
		return v != "", nil
	default:
		return false, fmt.Errorf("condition %q returned %T, expected bool", expression, result)
	}
}
