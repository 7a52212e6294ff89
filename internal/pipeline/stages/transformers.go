package stages

import (
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Transformer converts one mapped value. Transformers are pure; a failure
// falls back to the rule's default, or drops the target when there is none.
type Transformer func(v any) (any, error)

var transformers = map[string]Transformer{
	"to_string":        toStringTransform,
	"to_int":           toIntTransform,
	"to_float":         toFloatTransform,
	"to_bool":          toBoolTransform,
	"to_lower":         stringTransform(strings.ToLower),
	"to_upper":         stringTransform(strings.ToUpper),
	"trim":             stringTransform(strings.TrimSpace),
	"hex_to_int":       hexToIntTransform,
	"wei_to_eth":       weiToEthTransform,
	"format_address":   formatAddressTransform,
	"format_amount":    formatAmountTransform,
	"timestamp_to_iso": timestampToISOTransform,
}

// LookupTransformer resolves a transformer by name.
func LookupTransformer(name string) (Transformer, bool) {
	t, ok := transformers[name]
	return t, ok
}

// Validator checks a mapped value after transformation. A validator failure
// drops the rule's target from the output.
type Validator func(v any) bool

var validators = map[string]Validator{
	"is_not_empty":       isNotEmpty,
	"is_valid_address":   regexValidator(`^0x[a-fA-F0-9]{40}$`),
	"is_valid_hash":      regexValidator(`^0x[a-fA-F0-9]{64}$`),
	"is_positive_number": isPositiveNumber,
}

// LookupValidator resolves a validator by name.
func LookupValidator(name string) (Validator, bool) {
	v, ok := validators[name]
	return v, ok
}

func isNotEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}

func regexValidator(pattern string) Validator {
	re := regexp.MustCompile(pattern)
	return func(v any) bool {
		s, ok := v.(string)
		return ok && re.MatchString(s)
	}
}

func isPositiveNumber(v any) bool {
	switch n := v.(type) {
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return err == nil && parsed > 0
	case *big.Int:
		return n.Sign() > 0
	default:
		f, ok := toFloat(n)
		return ok && f > 0
	}
}

func toStringTransform(v any) (any, error) {
	if v == nil {
		return "", nil
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprintf("%v", v), nil
}

func toIntTransform(v any) (any, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("to_int: %q is not an integer", n)
		}
		return parsed, nil
	default:
		return nil, fmt.Errorf("to_int: unsupported type %T", v)
	}
}

func toFloatTransform(v any) (any, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil, fmt.Errorf("to_float: %q is not a number", n)
		}
		return parsed, nil
	default:
		return nil, fmt.Errorf("to_float: unsupported type %T", v)
	}
}

func toBoolTransform(v any) (any, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return nil, fmt.Errorf("to_bool: %q is not a bool", b)
		}
		return parsed, nil
	case int64:
		return b != 0, nil
	case float64:
		return b != 0, nil
	default:
		return nil, fmt.Errorf("to_bool: unsupported type %T", v)
	}
}

func stringTransform(fn func(string) string) Transformer {
	return func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("string transform: got %T", v)
		}
		return fn(s), nil
	}
}

func hexToIntTransform(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("hex_to_int: got %T", v)
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("hex_to_int: %q is not hex", v)
	}
	if n.IsInt64() {
		return n.Int64(), nil
	}
	return n.String(), nil
}

// weiToEthTransform divides by 10^18 and returns a decimal string, keeping
// precision that float64 would lose on large balances.
func weiToEthTransform(v any) (any, error) {
	var wei *big.Int
	switch n := v.(type) {
	case int64:
		wei = big.NewInt(n)
	case string:
		parsed, ok := new(big.Int).SetString(n, 10)
		if !ok {
			return nil, fmt.Errorf("wei_to_eth: %q is not an integer", n)
		}
		wei = parsed
	case *big.Int:
		wei = n
	default:
		return nil, fmt.Errorf("wei_to_eth: unsupported type %T", v)
	}

	eth := new(big.Rat).SetFrac(wei, big.NewInt(1e18))
	return strings.TrimRight(strings.TrimRight(eth.FloatString(18), "0"), "."), nil
}

// formatAddressTransform lowercases hex addresses; values without the 0x
// prefix pass through with only surrounding whitespace trimmed.
func formatAddressTransform(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("format_address: got %T", v)
	}
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strings.ToLower(s), nil
	}
	return s, nil
}

// formatAmountTransform renders a wei amount as ether with six decimal
// places, matching the human-readable form downstream consumers display.
func formatAmountTransform(v any) (any, error) {
	var wei *big.Int
	switch n := v.(type) {
	case int64:
		wei = big.NewInt(n)
	case int:
		wei = big.NewInt(int64(n))
	case uint64:
		wei = new(big.Int).SetUint64(n)
	case float64:
		wei = big.NewInt(int64(n))
	case string:
		parsed, ok := new(big.Int).SetString(strings.TrimSpace(n), 10)
		if !ok {
			return nil, fmt.Errorf("format_amount: %q is not an integer", n)
		}
		wei = parsed
	case *big.Int:
		wei = n
	default:
		return nil, fmt.Errorf("format_amount: unsupported type %T", v)
	}

	eth := new(big.Rat).SetFrac(wei, big.NewInt(1e18))
	return eth.FloatString(6), nil
}

func timestampToISOTransform(v any) (any, error) {
	var sec int64
	switch n := v.(type) {
	case int64:
		sec = n
	case uint64:
		sec = int64(n)
	case float64:
		sec = int64(n)
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("timestamp_to_iso: %q is not a unix timestamp", n)
		}
		sec = parsed
	default:
		return nil, fmt.Errorf("timestamp_to_iso: unsupported type %T", v)
	}
	return time.Unix(sec, 0).UTC().Format(time.RFC3339), nil
}
