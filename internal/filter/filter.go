// Package filter drops completed spans that fail a user-supplied expression
// before they reach the converter. Expressions see the span name, duration,
// thread, unterminated flag and field map:
//
//	atrace --filter 'duration_ns > 1000000 && name startsWith "db."'
//	atrace --filter 'fields["table"] == "users"'
//
// Only span entries are filtered; instants, scheduler slices and overflow
// markers always pass through.
package filter

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/sirupsen/logrus"

	"atrace/internal/span"
)

// exprEnv is the type-checking environment for compilation.
var exprEnv = map[string]interface{}{
	"name":         "",
	"duration_ns":  int64(0),
	"thread":       int64(0),
	"unterminated": false,
	"fields":       map[string]string{},
}

// Filter is a span.Handler decorator.
type Filter struct {
	program    *vm.Program
	next       span.Handler
	dropped    uint64
	evalErrors uint64
}

// New compiles expression and wraps next. A compile failure is a setup
// failure: a capture with a broken filter would silently produce the wrong
// trace.
func New(expression string, next span.Handler) (*Filter, error) {
	program, err := expr.Compile(expression, expr.Env(exprEnv), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compiling filter expression: %w", err)
	}
	return &Filter{program: program, next: next}, nil
}

// Dropped reports how many spans the filter removed.
func (f *Filter) Dropped() uint64 { return f.dropped }

// HandleTimelineEvent implements span.Handler. Evaluation errors keep the
// span: losing data to a runtime quirk in the expression is worse than a
// noisy trace.
func (f *Filter) HandleTimelineEvent(ev *span.TimelineEvent) error {
	if ev.Kind != span.KindSpan {
		return f.next.HandleTimelineEvent(ev)
	}

	fields := ev.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	out, err := expr.Run(f.program, map[string]interface{}{
		"name":         ev.Name,
		"duration_ns":  int64(ev.Duration),
		"thread":       int64(ev.ThreadID),
		"unterminated": ev.Unterminated,
		"fields":       fields,
	})
	if err != nil {
		f.evalErrors++
		logrus.WithError(err).WithField("span", ev.Name).Debug("filter evaluation failed; keeping span")
		return f.next.HandleTimelineEvent(ev)
	}
	if keep, ok := out.(bool); ok && !keep {
		f.dropped++
		return nil
	}
	return f.next.HandleTimelineEvent(ev)
}
