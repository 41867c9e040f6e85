package routing

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// EvaluateConditions folds conditions left to right. Each condition after the
// first is combined with the accumulated result using its own joiner.
// An empty list matches everything.
func EvaluateConditions(e Event, conds []Condition) bool {
	if len(conds) == 0 {
		return true
	}
	acc := Evaluate(e, conds[0])
	for _, c := range conds[1:] {
		v := Evaluate(e, c)
		if c.Joiner == JoinOr {
			acc = acc || v
		} else {
			acc = acc && v
		}
	}
	return acc
}

// Evaluate checks one condition against e. Malformed values (bad regex,
// non-numeric operands, wrong value shape, a missing string operand)
// evaluate to false.
func Evaluate(e Event, c Condition) bool {
	fv, present := fieldValue(e, c.Field)

	switch c.Operator {
	case OpIsNull:
		return !present
	case OpIsNotNull:
		return present
	}
	if !present {
		return false
	}

	switch c.Operator {
	case OpContains, OpNotContains, OpStartsWith, OpEndsWith, OpRegex:
		// String operators need an operand.
		if c.Value == nil {
			return false
		}
	}

	switch c.Operator {
	case OpEquals:
		return looseEqual(fv, c.Value)
	case OpNotEquals:
		return !looseEqual(fv, c.Value)
	case OpContains:
		return strings.Contains(lowerString(fv), lowerString(c.Value))
	case OpNotContains:
		return !strings.Contains(lowerString(fv), lowerString(c.Value))
	case OpStartsWith:
		return strings.HasPrefix(lowerString(fv), lowerString(c.Value))
	case OpEndsWith:
		return strings.HasSuffix(lowerString(fv), lowerString(c.Value))
	case OpGreaterThan:
		a, okA := toNumber(fv)
		b, okB := toNumber(c.Value)
		return okA && okB && a > b
	case OpLessThan:
		a, okA := toNumber(fv)
		b, okB := toNumber(c.Value)
		return okA && okB && a < b
	case OpBetween:
		bounds, ok := toSlice(c.Value)
		if !ok || len(bounds) != 2 {
			return false
		}
		n, okN := toNumber(fv)
		lo, okLo := toNumber(bounds[0])
		hi, okHi := toNumber(bounds[1])
		return okN && okLo && okHi && n >= lo && n <= hi
	case OpIn, OpNotIn:
		items, ok := toSlice(c.Value)
		if !ok {
			return false
		}
		found := false
		for _, it := range items {
			if looseEqual(fv, it) {
				found = true
				break
			}
		}
		if c.Operator == OpIn {
			return found
		}
		return !found
	case OpRegex:
		re := compileCached(toString(c.Value))
		if re == nil {
			return false
		}
		return re.MatchString(toString(fv))
	default:
		return false
	}
}

// fieldValue extracts the field from e. Empty strings, zero times and nil
// metadata values count as absent.
func fieldValue(e Event, f Field) (any, bool) {
	str := func(s string) (any, bool) { return s, s != "" }
	switch f {
	case FieldID:
		return str(e.ID)
	case FieldType:
		return str(e.Type)
	case FieldSeverity:
		return str(e.Severity)
	case FieldTitle:
		return str(e.Title)
	case FieldMessage:
		return str(e.Message)
	case FieldBranchID:
		return str(e.BranchID)
	case FieldUserID:
		return str(e.UserID)
	case FieldPriority:
		return e.Priority, true
	case FieldTimestamp:
		return e.Timestamp, !e.Timestamp.IsZero()
	case FieldIsRead:
		return e.IsRead, true
	case FieldActionRequired:
		return e.ActionRequired, true
	}
	key, ok := f.MetadataKey()
	if !ok || e.Metadata == nil {
		return nil, false
	}
	v, ok := e.Metadata[key]
	if !ok || v == nil {
		return nil, false
	}
	if s, isStr := v.(string); isStr && s == "" {
		return nil, false
	}
	return v, true
}

func looseEqual(a, b any) bool {
	if isNumeric(a) || isNumeric(b) {
		x, okX := toNumber(a)
		y, okY := toNumber(b)
		if okX && okY {
			return x == y
		}
	}
	return toString(a) == toString(b)
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number, time.Time:
		return true
	}
	return false
}

// toNumber accepts numeric kinds, numeric strings and timestamps (unix millis).
func toNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), !math.IsNaN(float64(x))
	case float64:
		return x, !math.IsNaN(x)
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case time.Time:
		if x.IsZero() {
			return 0, false
		}
		return float64(x.UnixMilli()), true
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) {
			return f, true
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return float64(t.UnixMilli()), true
		}
		return 0, false
	}
	return 0, false
}

func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}

func lowerString(v any) string { return strings.ToLower(toString(v)) }

func toSlice(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// regexCache memoizes compiled patterns; failed compiles are cached as nil.
var regexCache sync.Map // pattern -> *regexp.Regexp

func compileCached(pattern string) *regexp.Regexp {
	if v, ok := regexCache.Load(pattern); ok {
		re, _ := v.(*regexp.Regexp)
		return re
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		re = nil
	}
	regexCache.Store(pattern, re)
	return re
}
