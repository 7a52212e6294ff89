package abi

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Normalize converts a decoded ABI value into a JSON-safe representation.
// Addresses become lowercase hex strings, byte blobs become 0x-prefixed hex,
// and big integers that do not fit int64 become decimal strings so they
// survive JSON encoding without precision loss.
func Normalize(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case *big.Int:
		if val == nil {
			return nil
		}
		if val.IsInt64() {
			return val.Int64()
		}
		return val.String()
	case common.Address:
		return strings.ToLower(val.Hex())
	case common.Hash:
		return strings.ToLower(val.Hex())
	case []byte:
		return hexutil.Encode(val)
	case bool, string, int64, uint64, int, uint8, uint16, uint32, int8, int16, int32, float64:
		return val
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Array:
		// Fixed byte arrays (bytes4, bytes32) encode as hex.
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			buf := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(buf), rv)
			return hexutil.Encode(buf)
		}
		return normalizeSequence(rv)
	case reflect.Slice:
		return normalizeSequence(rv)
	case reflect.Struct:
		// Tuples decode into anonymous structs with exported field names.
		out := make(map[string]any, rv.NumField())
		for i := 0; i < rv.NumField(); i++ {
			name := rv.Type().Field(i).Name
			key := strings.ToLower(name[:1]) + name[1:]
			out[key] = Normalize(rv.Field(i).Interface())
		}
		return out
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return Normalize(rv.Elem().Interface())
	}

	return fmt.Sprintf("%v", v)
}

func normalizeSequence(rv reflect.Value) []any {
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = Normalize(rv.Index(i).Interface())
	}
	return out
}

// NormalizeMap applies Normalize to every value in place.
func NormalizeMap(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = Normalize(v)
	}
	return m
}
