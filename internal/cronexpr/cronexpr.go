// Package cronexpr parses cron expressions and computes trigger instants.
//
// An expression has five fields (minute, hour, day-of-month, month,
// day-of-week) or six with a leading seconds field. `*`, ranges, lists, and
// step values are supported, as are month and weekday names. Descriptor
// shorthands such as @daily are deliberately not accepted: the control
// protocol stores the expression verbatim and descriptors hide the schedule
// from `list` output.
package cronexpr

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseError reports a rejected cron expression together with the reason.
type ParseError struct {
	Spec string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid cron expression %q: %v", e.Spec, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// parser accepts standard five-field specs plus an optional leading seconds
// field. Field ranges: seconds 0-59, minutes 0-59, hours 0-23, day-of-month
// 1-31, month 1-12, day-of-week 0-6.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Expression is an immutable parsed cron expression.
//
// Day-of-month and day-of-week combine per the standard cron rule: when both
// fields are restricted a time matches if EITHER does; when at least one is
// `*` both must match.
type Expression struct {
	source string
	sched  *cron.SpecSchedule
}

// Parse validates spec and returns its canonical matcher. Failures are
// returned as a *ParseError carrying the parser's diagnostic; nothing about
// the error is fatal to the caller.
func Parse(spec string) (*Expression, error) {
	trimmed := strings.TrimSpace(spec)
	if trimmed == "" {
		return nil, &ParseError{Spec: spec, Err: errors.New("empty expression")}
	}

	sched, err := parser.Parse(trimmed)
	if err != nil {
		return nil, &ParseError{Spec: trimmed, Err: err}
	}

	// Without the Descriptor option the parser only produces *SpecSchedule.
	ss, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return nil, &ParseError{Spec: trimmed, Err: errors.New("unsupported schedule form")}
	}

	return &Expression{source: trimmed, sched: ss}, nil
}

// MustParse is Parse for tests and compiled-in defaults.
func MustParse(spec string) *Expression {
	expr, err := Parse(spec)
	if err != nil {
		panic(err)
	}
	return expr
}

// Next returns the earliest instant strictly after `after` that satisfies
// every field of the expression, evaluated in after's location unless the
// expression pins a zone via a CRON_TZ prefix.
//
// ok is false when no such instant exists within the search horizon (about
// five years), which is how impossible dates such as `0 0 30 2 *` terminate
// instead of searching forever.
func (e *Expression) Next(after time.Time) (next time.Time, ok bool) {
	next = e.sched.Next(after)
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

// String returns the source text the expression was parsed from.
func (e *Expression) String() string { return e.source }

// Equal reports whether two expressions match the same instants. Equality is
// defined on the parsed field sets and location, not the source text, so
// `1,2,3 * * * *` equals `1-3 * * * *`.
func (e *Expression) Equal(other *Expression) bool {
	if e == nil || other == nil {
		return e == other
	}
	a, b := e.sched, other.sched
	return a.Second == b.Second &&
		a.Minute == b.Minute &&
		a.Hour == b.Hour &&
		a.Dom == b.Dom &&
		a.Month == b.Month &&
		a.Dow == b.Dow &&
		a.Location.String() == b.Location.String()
}
