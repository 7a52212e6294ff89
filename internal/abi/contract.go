// Package abi wraps go-ethereum's ABI codec with the coercions the pipeline
// needs: loosely typed context values in, JSON-safe values out.
package abi

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum"
	ethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/openchainlab/eventpipe/internal/chain"
)

// Contract is a parsed ABI bound to nothing; the target address is supplied
// per call so one parsed ABI can serve many deployments.
type Contract struct {
	parsed ethabi.ABI
}

// Parse loads an ABI from its JSON definition.
func Parse(abiJSON string) (*Contract, error) {
	parsed, err := ethabi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	return &Contract{parsed: parsed}, nil
}

// HasMethod reports whether the ABI declares the named method.
func (c *Contract) HasMethod(name string) bool {
	_, ok := c.parsed.Methods[name]
	return ok
}

// MethodInputNames returns the argument names of a method in ABI order.
func (c *Contract) MethodInputNames(name string) ([]string, error) {
	m, ok := c.parsed.Methods[name]
	if !ok {
		return nil, fmt.Errorf("abi: method %q not found", name)
	}
	names := make([]string, len(m.Inputs))
	for i, input := range m.Inputs {
		names[i] = input.Name
	}
	return names, nil
}

// Call packs args, executes a read-only call through the reader, and returns
// the normalized result. A single unnamed output is returned bare; multiple
// or named outputs come back as a map keyed by output name.
func (c *Contract) Call(ctx context.Context, reader chain.Reader, address common.Address, method string, args []any, blockNumber *big.Int) (any, error) {
	m, ok := c.parsed.Methods[method]
	if !ok {
		return nil, fmt.Errorf("abi: method %q not found", method)
	}
	if len(args) != len(m.Inputs) {
		return nil, fmt.Errorf("abi: method %q wants %d args, got %d", method, len(m.Inputs), len(args))
	}

	coerced := make([]any, len(args))
	for i, arg := range args {
		v, err := coerceArg(m.Inputs[i].Type, arg)
		if err != nil {
			return nil, fmt.Errorf("abi: method %q arg %s: %w", method, m.Inputs[i].Name, err)
		}
		coerced[i] = v
	}

	input, err := c.parsed.Pack(method, coerced...)
	if err != nil {
		return nil, fmt.Errorf("abi: pack %q: %w", method, err)
	}

	output, err := reader.CallContract(ctx, ethereum.CallMsg{To: &address, Data: input}, blockNumber)
	if err != nil {
		return nil, err
	}

	values, err := c.parsed.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("abi: unpack %q: %w", method, err)
	}

	if len(values) == 1 && m.Outputs[0].Name == "" {
		return Normalize(values[0]), nil
	}
	result := make(map[string]any, len(values))
	for i, v := range values {
		name := m.Outputs[i].Name
		if name == "" {
			name = fmt.Sprintf("output_%d", i)
		}
		result[name] = Normalize(v)
	}
	return result, nil
}

// coerceArg converts a context value into the Go type the packer expects for
// the given ABI type.
func coerceArg(t ethabi.Type, v any) (any, error) {
	switch t.T {
	case ethabi.AddressTy:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("address wants string, got %T", v)
		}
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		return common.HexToAddress(s), nil

	case ethabi.UintTy, ethabi.IntTy:
		n, err := toBigInt(v)
		if err != nil {
			return nil, err
		}
		return sizedInt(t, n)

	case ethabi.BoolTy:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, fmt.Errorf("bool wants true/false, got %q", b)
			}
			return parsed, nil
		default:
			return nil, fmt.Errorf("bool wants bool, got %T", v)
		}

	case ethabi.StringTy:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("string wants string, got %T", v)
		}
		return s, nil

	case ethabi.BytesTy:
		return toBytes(v)

	case ethabi.FixedBytesTy:
		b, err := toBytes(v)
		if err != nil {
			return nil, err
		}
		if len(b) != t.Size {
			return nil, fmt.Errorf("bytes%d wants %d bytes, got %d", t.Size, t.Size, len(b))
		}
		return fixedBytesValue(t.Size, b), nil

	case ethabi.SliceTy, ethabi.ArrayTy:
		items, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("array wants list, got %T", v)
		}
		return coerceSlice(t, items)

	default:
		return nil, fmt.Errorf("unsupported abi type %s", t.String())
	}
}

func sizedInt(t ethabi.Type, n *big.Int) (any, error) {
	if t.Size > 64 {
		return n, nil
	}
	if t.T == ethabi.UintTy {
		if n.Sign() < 0 || n.BitLen() > t.Size {
			return nil, fmt.Errorf("value %s out of range for uint%d", n, t.Size)
		}
		u := n.Uint64()
		switch t.Size {
		case 8:
			return uint8(u), nil
		case 16:
			return uint16(u), nil
		case 32:
			return uint32(u), nil
		case 64:
			return u, nil
		default:
			// Odd widths (uint24, uint48) pack as *big.Int.
			return n, nil
		}
	}
	if !n.IsInt64() {
		return nil, fmt.Errorf("value %s out of range for int%d", n, t.Size)
	}
	i := n.Int64()
	switch t.Size {
	case 8:
		return int8(i), nil
	case 16:
		return int16(i), nil
	case 32:
		return int32(i), nil
	case 64:
		return i, nil
	default:
		return n, nil
	}
}

func toBigInt(v any) (*big.Int, error) {
	switch n := v.(type) {
	case *big.Int:
		return n, nil
	case int:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case float64:
		if n != float64(int64(n)) {
			return nil, fmt.Errorf("integer wants whole number, got %v", n)
		}
		return big.NewInt(int64(n)), nil
	case string:
		s := strings.TrimSpace(n)
		base := 10
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			s = s[2:]
			base = 16
		}
		out, ok := new(big.Int).SetString(s, base)
		if !ok {
			return nil, fmt.Errorf("integer wants number, got %q", n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("integer wants number, got %T", v)
	}
}

func toBytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		if !strings.HasPrefix(b, "0x") {
			return nil, fmt.Errorf("bytes want 0x-prefixed hex, got %q", b)
		}
		decoded, err := hexutil.Decode(b)
		if err != nil {
			return nil, fmt.Errorf("decode hex %q: %w", b, err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("bytes want hex string, got %T", v)
	}
}

func fixedBytesValue(size int, b []byte) any {
	switch size {
	case 4:
		var out [4]byte
		copy(out[:], b)
		return out
	case 8:
		var out [8]byte
		copy(out[:], b)
		return out
	case 16:
		var out [16]byte
		copy(out[:], b)
		return out
	case 32:
		var out [32]byte
		copy(out[:], b)
		return out
	default:
		return b
	}
}

func coerceSlice(t ethabi.Type, items []any) (any, error) {
	if t.Elem == nil {
		return nil, fmt.Errorf("array type missing element type")
	}
	switch t.Elem.T {
	case ethabi.AddressTy:
		out := make([]common.Address, len(items))
		for i, item := range items {
			v, err := coerceArg(*t.Elem, item)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out[i] = v.(common.Address)
		}
		return out, nil
	case ethabi.UintTy, ethabi.IntTy:
		if t.Elem.Size > 64 || t.Elem.Size == 24 || t.Elem.Size == 40 || t.Elem.Size == 48 || t.Elem.Size == 56 {
			out := make([]*big.Int, len(items))
			for i, item := range items {
				n, err := toBigInt(item)
				if err != nil {
					return nil, fmt.Errorf("element %d: %w", i, err)
				}
				out[i] = n
			}
			return out, nil
		}
		return coerceNumericSlice(t, items)
	case ethabi.StringTy:
		out := make([]string, len(items))
		for i, item := range items {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("element %d: string wants string, got %T", i, item)
			}
			out[i] = s
		}
		return out, nil
	case ethabi.BoolTy:
		out := make([]bool, len(items))
		for i, item := range items {
			b, ok := item.(bool)
			if !ok {
				return nil, fmt.Errorf("element %d: bool wants bool, got %T", i, item)
			}
			out[i] = b
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported array element type %s", t.Elem.String())
	}
}

func coerceNumericSlice(t ethabi.Type, items []any) (any, error) {
	if t.Elem.T == ethabi.UintTy {
		switch t.Elem.Size {
		case 8:
			return coerceTo(items, func(n *big.Int) uint8 { return uint8(n.Uint64()) })
		case 16:
			return coerceTo(items, func(n *big.Int) uint16 { return uint16(n.Uint64()) })
		case 32:
			return coerceTo(items, func(n *big.Int) uint32 { return uint32(n.Uint64()) })
		default:
			return coerceTo(items, func(n *big.Int) uint64 { return n.Uint64() })
		}
	}
	switch t.Elem.Size {
	case 8:
		return coerceTo(items, func(n *big.Int) int8 { return int8(n.Int64()) })
	case 16:
		return coerceTo(items, func(n *big.Int) int16 { return int16(n.Int64()) })
	case 32:
		return coerceTo(items, func(n *big.Int) int32 { return int32(n.Int64()) })
	default:
		return coerceTo(items, func(n *big.Int) int64 { return n.Int64() })
	}
}

func coerceTo[T any](items []any, conv func(*big.Int) T) ([]T, error) {
	out := make([]T, len(items))
	for i, item := range items {
		n, err := toBigInt(item)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = conv(n)
	}
	return out, nil
}
