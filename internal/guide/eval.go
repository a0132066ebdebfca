package guide

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"mindloop/internal/model"
)

// Matches reports whether every clause holds for the thought. Invalid
// clauses evaluate false, so a condition containing one can never match.
func (c Condition) Matches(th *model.Thought, logger *zap.Logger) bool {
	if len(c.Clauses) == 0 {
		return false
	}
	for _, clause := range c.Clauses {
		if !clause.matches(th, logger) {
			return false
		}
	}
	return true
}

func (cl Clause) matches(th *model.Thought, logger *zap.Logger) bool {
	switch cl.Kind {
	case ClauseTags:
		member := slices.Contains(th.Metadata.Tags, cl.Value)
		if cl.Op == OpNe || cl.Op == OpNotContains {
			return !member
		}
		return member

	case ClauseField:
		actual, ok := resolveField(th, cl)
		if !ok {
			return false
		}
		return compare(actual, cl.Op, cl.Value)

	default:
		logger.Debug("skipping malformed guide clause",
			zap.String("clause", cl.Raw),
			zap.Error(cl.Err))
		return false
	}
}

// resolveField looks a clause key up on the thought. The second return is
// false when the field does not exist.
func resolveField(th *model.Thought, cl Clause) (any, bool) {
	if cl.Meta {
		switch cl.Key {
		case "status":
			return string(th.Metadata.Status), true
		case "created_at":
			return th.Metadata.CreatedAt.Format(time.RFC3339Nano), true
		case "updated_at":
			return th.Metadata.UpdatedAt.Format(time.RFC3339Nano), true
		default:
			v, ok := th.Metadata.Extra[cl.Key]
			return v, ok
		}
	}
	switch cl.Key {
	case "id":
		return th.ID, true
	case "content":
		return th.Content, true
	case "priority":
		return th.Priority, true
	case "type":
		return th.Type, true
	case "status":
		// status lives in metadata but reads naturally as a field
		return string(th.Metadata.Status), true
	default:
		return nil, false
	}
}

func compare(actual any, op Op, want string) bool {
	switch op {
	case OpGt, OpLt, OpGe, OpLe:
		a, aok := asNumber(actual)
		w, werr := strconv.ParseFloat(want, 64)
		if !aok || werr != nil {
			return false
		}
		switch op {
		case OpGt:
			return a > w
		case OpLt:
			return a < w
		case OpGe:
			return a >= w
		default:
			return a <= w
		}

	case OpContains:
		return strings.Contains(asString(actual), want)
	case OpNotContains:
		return !strings.Contains(asString(actual), want)

	case OpNe:
		return !valueEquals(actual, want)
	default:
		return valueEquals(actual, want)
	}
}

// valueEquals compares numerically when both sides are numbers, so that
// "priority = 0.50" matches 0.5.
func valueEquals(actual any, want string) bool {
	if a, ok := asNumber(actual); ok {
		if w, err := strconv.ParseFloat(want, 64); err == nil {
			return a == w
		}
	}
	return asString(actual) == want
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}
