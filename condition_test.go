package autoflow

import (
	"strings"
	"testing"
)

func TestConditionEval(t *testing.T) {
	c := newConditionCache()
	rc := &RunContext{RunID: "r1", Params: map[string]any{"n": 3, "name": "x"}}

	cases := []struct {
		expr string
		want bool
	}{
		{`params.n > 2`, true},
		{`params.n > 5`, false},
		{`params.name == "x"`, true},
		{`run_id == "r1"`, true},
		{`params.missing`, false},
	}
	for _, tc := range cases {
		got, err := c.eval(tc.expr, rc)
		if err != nil {
			t.Errorf("eval(%q): %v", tc.expr, err)
			continue
		}
		if got != tc.want {
			t.Errorf("eval(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestConditionCompileCached(t *testing.T) {
	c := newConditionCache()
	rc := &RunContext{Params: map[string]any{}}

	if _, err := c.eval(`1 == 1`, rc); err != nil {
		t.Fatalf("eval: %v", err)
	}
	if len(c.compiled) != 1 {
		t.Errorf("compiled cache size = %d, want 1", len(c.compiled))
	}
	if _, err := c.eval(`1 == 1`, rc); err != nil {
		t.Fatalf("second eval: %v", err)
	}
	if len(c.compiled) != 1 {
		t.Errorf("compiled cache grew on reuse: %d", len(c.compiled))
	}
}

func TestConditionBadExpression(t *testing.T) {
	c := newConditionCache()
	rc := &RunContext{Params: map[string]any{}}

	if _, err := c.eval(`((`, rc); err == nil {
		t.Error("malformed expression accepted")
	}
}

func TestConditionTooLong(t *testing.T) {
	c := newConditionCache()
	rc := &RunContext{Params: map[string]any{}}

	_, err := c.eval(strings.Repeat("1+", 4096)+"1", rc)
	if err == nil || !strings.Contains(err.Error(), "maximum length") {
		t.Errorf("err = %v, want length guard", err)
	}
}
