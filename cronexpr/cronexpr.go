// Package cronexpr parses standard five-field cron expressions and computes
// the next matching instant.
//
// Supported grammar per field: `*`, bare values, ranges (`a-b`), steps
// (`*/n`, `a/n`, `a-b/n`) and comma-separated lists of those. Month and
// weekday fields accept three-letter names (JAN..DEC, SUN..SAT,
// case-insensitive). The day-of-month field may be the single token `L`,
// meaning the last calendar day of the month. Weekday 0 and 7 both denote
// Sunday.
package cronexpr

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Field boundaries.
const (
	minMinute, maxMinute   = 0, 59
	minHour, maxHour       = 0, 23
	minDay, maxDay         = 1, 31
	minMonth, maxMonth     = 1, 12
	minWeekday, maxWeekday = 0, 7
)

var monthNames = map[string]int{
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
}

var weekdayNames = map[string]int{
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

// Fields is the normalized form of a parsed cron expression. Each slice is
// sorted, deduplicated and restricted to the field's range. DayOfMonth is
// empty when LastDayOfMonth is set.
type Fields struct {
	Minute     []int
	Hour       []int
	DayOfMonth []int
	Month      []int
	DayOfWeek  []int

	// LastDayOfMonth is set when the day-of-month field was the token L.
	LastDayOfMonth bool

	// DayOfMonthStar and DayOfWeekStar record whether the user wrote a bare
	// wildcard. A wildcard still produces the full value range, but the
	// day/weekday matching rule needs to know which fields were restricted.
	DayOfMonthStar bool
	DayOfWeekStar  bool
}

// ParseError describes a rejected expression. Field names the cron field
// ("minute", "hour", "day", "month", "weekday" or "expression" for
// structural problems) and Token is the offending input fragment.
type ParseError struct {
	Field  string
	Token  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cron: invalid %s field %q: %s", e.Field, e.Token, e.Reason)
}

type fieldSpec struct {
	name     string
	min, max int
	names    map[string]int
}

var fieldSpecs = [5]fieldSpec{
	{name: "minute", min: minMinute, max: maxMinute},
	{name: "hour", min: minHour, max: maxHour},
	{name: "day", min: minDay, max: maxDay},
	{name: "month", min: minMonth, max: maxMonth, names: monthNames},
	{name: "weekday", min: minWeekday, max: maxWeekday, names: weekdayNames},
}

// Parse tokenizes and normalizes a five-field cron expression.
func Parse(expr string) (*Fields, error) {
	tokens := strings.Fields(expr)
	if len(tokens) != 5 {
		return nil, &ParseError{
			Field:  "expression",
			Token:  expr,
			Reason: fmt.Sprintf("expected 5 fields, got %d", len(tokens)),
		}
	}

	f := &Fields{}

	for i, tok := range tokens {
		spec := fieldSpecs[i]

		// Day-of-month L is only valid as the entire field token.
		if i == 2 && strings.EqualFold(tok, "L") {
			f.LastDayOfMonth = true
			f.DayOfMonth = nil
			continue
		}

		values, err := parseField(tok, spec)
		if err != nil {
			return nil, err
		}

		switch i {
		case 0:
			f.Minute = values
		case 1:
			f.Hour = values
		case 2:
			f.DayOfMonth = values
			f.DayOfMonthStar = tok == "*"
		case 3:
			f.Month = values
		case 4:
			f.DayOfWeek = normalizeWeekdays(values)
			f.DayOfWeekStar = tok == "*"
		}
	}

	return f, nil
}

// parseField expands one comma-separated field into a sorted, deduplicated
// value set.
func parseField(tok string, spec fieldSpec) ([]int, error) {
	set := map[int]struct{}{}

	for _, term := range strings.Split(tok, ",") {
		if term == "" {
			return nil, &ParseError{Field: spec.name, Token: tok, Reason: "empty list element"}
		}
		if err := expandTerm(term, spec, set); err != nil {
			return nil, err
		}
	}

	values := make([]int, 0, len(set))
	for v := range set {
		values = append(values, v)
	}
	slices.Sort(values)

	if len(values) == 0 {
		return nil, &ParseError{Field: spec.name, Token: tok, Reason: "produces no values"}
	}
	return values, nil
}

// expandTerm handles a single list element: value, range, or step form.
func expandTerm(term string, spec fieldSpec, set map[int]struct{}) error {
	base := term
	step := 1
	hasStep := false

	if idx := strings.IndexByte(term, '/'); idx >= 0 {
		base = term[:idx]
		stepStr := term[idx+1:]
		if base == "" || stepStr == "" {
			return &ParseError{Field: spec.name, Token: term, Reason: "malformed step"}
		}
		n, err := strconv.Atoi(stepStr)
		if err != nil {
			return &ParseError{Field: spec.name, Token: term, Reason: "step is not an integer"}
		}
		if n <= 0 {
			return &ParseError{Field: spec.name, Token: term, Reason: "step must be positive"}
		}
		step = n
		hasStep = true
	}

	lo, hi, singleValue, err := parseBase(base, spec)
	if err != nil {
		return err
	}

	// A single value with a step expands upward to the field maximum,
	// e.g. minute 5/15 means 5,20,35,50.
	if singleValue && hasStep {
		hi = spec.max
	}

	for v := lo; v <= hi; v += step {
		set[v] = struct{}{}
	}
	return nil
}

// parseBase resolves the base of a term: `*`, a bare value, or `a-b`.
// singleValue reports that base was a bare value rather than a range.
func parseBase(base string, spec fieldSpec) (lo, hi int, singleValue bool, err error) {
	if base == "*" {
		return spec.min, spec.max, false, nil
	}

	if idx := strings.IndexByte(base, '-'); idx >= 0 {
		loStr, hiStr := base[:idx], base[idx+1:]
		if loStr == "" || hiStr == "" {
			return 0, 0, false, &ParseError{Field: spec.name, Token: base, Reason: "range endpoint missing"}
		}
		lo, err = resolveValue(loStr, spec)
		if err != nil {
			return 0, 0, false, err
		}
		hi, err = resolveValue(hiStr, spec)
		if err != nil {
			return 0, 0, false, err
		}
		if lo > hi {
			return 0, 0, false, &ParseError{Field: spec.name, Token: base, Reason: "range start greater than end"}
		}
		return lo, hi, false, nil
	}

	v, err := resolveValue(base, spec)
	if err != nil {
		return 0, 0, false, err
	}
	return v, v, true, nil
}

// resolveValue parses a bare value: an integer in range, or a name for the
// month/weekday fields.
func resolveValue(s string, spec fieldSpec) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n < spec.min || n > spec.max {
			return 0, &ParseError{
				Field:  spec.name,
				Token:  s,
				Reason: fmt.Sprintf("value out of range %d-%d", spec.min, spec.max),
			}
		}
		return n, nil
	}

	if spec.names != nil {
		if n, ok := spec.names[strings.ToLower(s)]; ok {
			return n, nil
		}
		return 0, &ParseError{Field: spec.name, Token: s, Reason: "unknown name"}
	}

	return 0, &ParseError{Field: spec.name, Token: s, Reason: "not an integer"}
}

// normalizeWeekdays folds 7 into 0 and re-deduplicates.
func normalizeWeekdays(values []int) []int {
	out := make([]int, 0, len(values))
	for _, v := range values {
		if v == 7 {
			v = 0
		}
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return out
}
