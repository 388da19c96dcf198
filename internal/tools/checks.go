package tools

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mvaldes-io/tabletalk/internal/frame"
)

// ValidationError is the first declared check an artifact failed.
// Retryable through the repair loop.
type ValidationError struct {
	Check  string
	Actual string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s (actual: %s)", e.Check, e.Actual)
}

var rowCountRe = regexp.MustCompile(`^row_count\s*(==|!=|>=|<=|>|<)\s*(\d+)$`)

// EvalChecks runs declared checks against a frame artifact, short-circuiting
// on the first failure. Supported forms:
//
//	row_count<op><n>     e.g. row_count>0
//	no_nulls:<column>
//	has_columns:<a,b,c>  schema match
func EvalChecks(checks []string, f *frame.Frame) error {
	for _, check := range checks {
		if err := evalCheck(strings.TrimSpace(check), f); err != nil {
			return err
		}
	}
	return nil
}

func evalCheck(check string, f *frame.Frame) error {
	switch {
	case rowCountRe.MatchString(check):
		m := rowCountRe.FindStringSubmatch(check)
		want, _ := strconv.Atoi(m[2])
		got := f.NRow()
		if !compareInts(got, m[1], want) {
			return &ValidationError{Check: check, Actual: fmt.Sprintf("row_count=%d", got)}
		}
	case strings.HasPrefix(check, "no_nulls:"):
		col := strings.TrimPrefix(check, "no_nulls:")
		n, err := f.NullCount(col)
		if err != nil {
			return &ValidationError{Check: check, Actual: err.Error()}
		}
		if n > 0 {
			return &ValidationError{Check: check, Actual: fmt.Sprintf("%d nulls in %s", n, col)}
		}
	case strings.HasPrefix(check, "has_columns:"):
		for _, col := range strings.Split(strings.TrimPrefix(check, "has_columns:"), ",") {
			col = strings.TrimSpace(col)
			if !f.HasColumn(col) {
				return &ValidationError{Check: check, Actual: fmt.Sprintf("missing column %s", col)}
			}
		}
	default:
		return &ValidationError{Check: check, Actual: "unknown check"}
	}
	return nil
}

func compareInts(got int, op string, want int) bool {
	switch op {
	case "==":
		return got == want
	case "!=":
		return got != want
	case ">":
		return got > want
	case ">=":
		return got >= want
	case "<":
		return got < want
	case "<=":
		return got <= want
	}
	return false
}
