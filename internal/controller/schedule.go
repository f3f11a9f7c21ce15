package controller

import (
	"fmt"
	"strings"
	"time"

	"github.com/Knetic/govaluate"

	"github.com/softcane/vm-power-agent/internal/powerstate"
)

// Schedule is a compiled per-target power expression. Evaluated once per
// cycle, a true result asks for ON and a false result for OFF.
//
// Available variables: hour (0-23), weekday (0=Sunday), weekend (bool) and
// cpu_percent (VM utilization; -1 when the idle detector has no sample, so
// expressions using it should guard for negative values).
type Schedule struct {
	expression *govaluate.EvaluableExpression
	vars       []string
}

var scheduleVars = map[string]struct{}{
	"hour":        {},
	"weekday":     {},
	"weekend":     {},
	"cpu_percent": {},
}

// NewSchedule compiles a schedule expression. Unknown variables are
// rejected here rather than failing every cycle at evaluation time.
func NewSchedule(expr string) (*Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("schedule expression is empty")
	}

	evaluable, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}

	for _, name := range evaluable.Vars() {
		if _, ok := scheduleVars[name]; !ok {
			return nil, fmt.Errorf("schedule references unknown variable %q", name)
		}
	}

	return &Schedule{
		expression: evaluable,
		vars:       evaluable.Vars(),
	}, nil
}

// UsesCPU reports whether the expression reads cpu_percent.
func (s *Schedule) UsesCPU() bool {
	for _, name := range s.vars {
		if name == "cpu_percent" {
			return true
		}
	}
	return false
}

// ScheduleInputs carries the evaluation parameters for one cycle.
type ScheduleInputs struct {
	Now        time.Time
	CPUPercent float64
}

// Desired evaluates the schedule against the cycle inputs.
func (s *Schedule) Desired(in ScheduleInputs) (powerstate.DesiredPower, error) {
	weekday := in.Now.Weekday()
	params := map[string]interface{}{
		"hour":        float64(in.Now.Hour()),
		"weekday":     float64(weekday),
		"weekend":     weekday == time.Saturday || weekday == time.Sunday,
		"cpu_percent": in.CPUPercent,
	}

	result, err := s.expression.Evaluate(params)
	if err != nil {
		return powerstate.ON, fmt.Errorf("evaluate schedule: %w", err)
	}

	on, ok := result.(bool)
	if !ok {
		return powerstate.ON, fmt.Errorf("schedule evaluated to %T, want a boolean", result)
	}

	if on {
		return powerstate.ON, nil
	}
	return powerstate.OFF, nil
}
