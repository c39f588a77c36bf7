package event

import (
	"fmt"
	"math/big"
	"strings"
)

// Predicate evaluates whether a record's args satisfy a condition.
type Predicate func(args map[string]any) (bool, error)

// CompileWhere parses simple expressions into executable predicates.
// Supported operators: ==, !=, >=, <=, >, <, in, contains.
// Examples:
//
//	"amount > 1e18"
//	"newStatus in 3,4"
//	"reason contains late"
func CompileWhere(exprs []string) ([]Predicate, error) {
	var preds []Predicate
	for _, raw := range exprs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p, err := compile(raw)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}

// MatchAll reports whether r satisfies every predicate. The record type is exposed as "type".
func MatchAll(preds []Predicate, r Record) (bool, error) {
	if len(preds) == 0 {
		return true, nil
	}
	args := map[string]any{"type": r.Type.String()}
	if r.Payload != nil {
		for k, v := range r.Payload.Args() {
			args[k] = v
		}
	}
	for _, p := range preds {
		ok, err := p(args)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func compile(expr string) (Predicate, error) {
	if strings.Contains(expr, " in ") {
		parts := strings.SplitN(expr, " in ", 2)
		field := strings.TrimSpace(parts[0])
		rawList := strings.Split(parts[1], ",")
		values := make(map[string]struct{}, len(rawList))
		for _, v := range rawList {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "" {
				continue
			}
			values[v] = struct{}{}
		}
		return func(args map[string]any) (bool, error) {
			arg, ok := args[field]
			if !ok {
				return false, nil
			}
			_, hit := values[strings.ToLower(fmt.Sprint(arg))]
			return hit, nil
		}, nil
	}

	if strings.Contains(expr, " contains ") {
		parts := strings.SplitN(expr, " contains ", 2)
		field := strings.TrimSpace(parts[0])
		needle := strings.TrimSpace(parts[1])
		return func(args map[string]any) (bool, error) {
			val, ok := args[field]
			if !ok {
				return false, nil
			}
			return strings.Contains(fmt.Sprint(val), needle), nil
		}, nil
	}

	var op string
	switch {
	case strings.Contains(expr, "=="):
		op = "=="
	case strings.Contains(expr, "!="):
		op = "!="
	case strings.Contains(expr, ">="):
		op = ">="
	case strings.Contains(expr, "<="):
		op = "<="
	case strings.Contains(expr, ">"):
		op = ">"
	case strings.Contains(expr, "<"):
		op = "<"
	default:
		return nil, fmt.Errorf("unsupported expression: %s", expr)
	}

	parts := strings.SplitN(expr, op, 2)
	field := strings.TrimSpace(parts[0])
	rhsRaw := strings.TrimSpace(parts[1])
	if field == "" || rhsRaw == "" {
		return nil, fmt.Errorf("invalid expression: %s", expr)
	}

	numRHS, rhsIsNum := parseNumber(rhsRaw)

	return func(args map[string]any) (bool, error) {
		val, ok := args[field]
		if !ok {
			return false, nil
		}

		if rhsIsNum {
			if lhs, ok := toNumber(val); ok {
				c := lhs.Cmp(numRHS)
				switch op {
				case "==":
					return c == 0, nil
				case "!=":
					return c != 0, nil
				case ">":
					return c > 0, nil
				case "<":
					return c < 0, nil
				case ">=":
					return c >= 0, nil
				case "<=":
					return c <= 0, nil
				}
			}
		}

		lhs := fmt.Sprint(val)
		switch op {
		case "==":
			return strings.EqualFold(lhs, rhsRaw), nil
		case "!=":
			return !strings.EqualFold(lhs, rhsRaw), nil
		default:
			return false, nil
		}
	}, nil
}

// parseNumber accepts integers, underscores and scientific notation ("1e18", "1_000").
// Values are compared as big floats so token amounts in wei keep their precision.
func parseNumber(s string) (*big.Float, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "_", "")
	f, _, err := big.ParseFloat(s, 10, 256, big.ToNearestEven)
	if err != nil {
		return nil, false
	}
	return f, true
}

func toNumber(v any) (*big.Float, bool) {
	switch n := v.(type) {
	case int:
		return new(big.Float).SetInt64(int64(n)), true
	case int64:
		return new(big.Float).SetInt64(n), true
	case uint64:
		return new(big.Float).SetUint64(n), true
	case float64:
		return big.NewFloat(n), true
	case *big.Int:
		return new(big.Float).SetInt(n), true
	case string:
		if strings.HasPrefix(n, "0x") {
			return nil, false
		}
		return parseNumber(n)
	default:
		return nil, false
	}
}
