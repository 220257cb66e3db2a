package chain

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	lerrors "ledgerbridge/core/errors"
)

var bigIntType = reflect.TypeOf((*big.Int)(nil))

// CoerceArgs converts loosely typed values (as produced by a JSON decoder
// running with UseNumber) into the Go types the ABI packer expects for
// method's inputs.
func CoerceArgs(method abi.Method, raw []any) ([]any, error) {
	if len(raw) != len(method.Inputs) {
		return nil, lerrors.New(lerrors.KindInvalidArguments, "%s expects %d arguments, got %d", method.Name, len(method.Inputs), len(raw))
	}
	out := make([]any, len(raw))
	for i, input := range method.Inputs {
		value, err := coerce(input.Type, raw[i])
		if err != nil {
			name := input.Name
			if name == "" {
				name = fmt.Sprintf("arg%d", i)
			}
			return nil, lerrors.Wrap(lerrors.KindInvalidArguments, err, "%s argument %d (%s %s)", method.Name, i, name, input.Type.String())
		}
		out[i] = value
	}
	return out, nil
}

func coerce(t abi.Type, v any) (any, error) {
	switch t.T {
	case abi.AddressTy:
		return coerceAddress(v)
	case abi.BoolTy:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			return strconv.ParseBool(strings.TrimSpace(b))
		}
	case abi.StringTy:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case abi.IntTy, abi.UintTy:
		return coerceInteger(t, v)
	case abi.BytesTy:
		return coerceBytes(v)
	case abi.FixedBytesTy:
		raw, err := coerceBytes(v)
		if err != nil {
			return nil, err
		}
		if len(raw) != t.Size {
			return nil, fmt.Errorf("expected %d bytes, got %d", t.Size, len(raw))
		}
		arr := reflect.New(t.GetType()).Elem()
		reflect.Copy(arr, reflect.ValueOf(raw))
		return arr.Interface(), nil
	case abi.SliceTy, abi.ArrayTy:
		items, ok := v.([]any)
		if !ok {
			break
		}
		if t.T == abi.ArrayTy && len(items) != t.Size {
			return nil, fmt.Errorf("expected %d elements, got %d", t.Size, len(items))
		}
		var container reflect.Value
		if t.T == abi.SliceTy {
			container = reflect.MakeSlice(t.GetType(), len(items), len(items))
		} else {
			container = reflect.New(t.GetType()).Elem()
		}
		for i, item := range items {
			elem, err := coerce(*t.Elem, item)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			container.Index(i).Set(reflect.ValueOf(elem))
		}
		return container.Interface(), nil
	default:
		return nil, fmt.Errorf("unsupported abi type %s", t.String())
	}
	return nil, fmt.Errorf("cannot use %T as %s", v, t.String())
}

func coerceAddress(v any) (common.Address, error) {
	switch a := v.(type) {
	case common.Address:
		return a, nil
	case string:
		trimmed := strings.TrimSpace(a)
		if !common.IsHexAddress(trimmed) {
			return common.Address{}, fmt.Errorf("invalid address %q", a)
		}
		return common.HexToAddress(trimmed), nil
	}
	return common.Address{}, fmt.Errorf("cannot use %T as address", v)
}

func coerceBytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		decoded, err := hexutil.Decode(strings.TrimSpace(b))
		if err != nil {
			return nil, fmt.Errorf("invalid hex bytes %q: %w", b, err)
		}
		return decoded, nil
	}
	return nil, fmt.Errorf("cannot use %T as bytes", v)
}

func coerceInteger(t abi.Type, v any) (any, error) {
	n, err := toBig(v)
	if err != nil {
		return nil, err
	}
	if t.T == abi.UintTy {
		if n.Sign() < 0 {
			return nil, fmt.Errorf("negative value %s for %s", n, t.String())
		}
		if n.BitLen() > t.Size {
			return nil, fmt.Errorf("value %s overflows %s", n, t.String())
		}
	} else {
		limit := new(big.Int).Lsh(big.NewInt(1), uint(t.Size-1))
		minimum := new(big.Int).Neg(limit)
		if n.Cmp(minimum) < 0 || n.Cmp(limit) >= 0 {
			return nil, fmt.Errorf("value %s overflows %s", n, t.String())
		}
	}
	goType := t.GetType()
	if goType == bigIntType {
		return n, nil
	}
	if t.T == abi.UintTy {
		return reflect.ValueOf(n.Uint64()).Convert(goType).Interface(), nil
	}
	return reflect.ValueOf(n.Int64()).Convert(goType).Interface(), nil
}

func toBig(v any) (*big.Int, error) {
	switch n := v.(type) {
	case *big.Int:
		if n == nil {
			return nil, fmt.Errorf("nil integer")
		}
		return new(big.Int).Set(n), nil
	case json.Number:
		return parseBig(n.String())
	case string:
		return parseBig(n)
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) {
			return nil, fmt.Errorf("non-integral number %v", n)
		}
		out, _ := big.NewFloat(n).Int(nil)
		return out, nil
	case int:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	}
	return nil, fmt.Errorf("cannot use %T as integer", v)
}

// parseBig reads a decimal integer, or hex with an explicit 0x prefix.
// Leading zeros stay decimal.
func parseBig(s string) (*big.Int, error) {
	trimmed := strings.TrimSpace(s)
	digits, neg := strings.CutPrefix(trimmed, "-")
	if !neg {
		digits = strings.TrimPrefix(digits, "+")
	}
	base := 10
	if hex, ok := strings.CutPrefix(strings.ToLower(digits), "0x"); ok {
		digits, base = hex, 16
	}
	if digits == "" || strings.ContainsAny(digits, "_+-") {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	out, ok := new(big.Int).SetString(digits, base)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	if neg {
		out.Neg(out)
	}
	return out, nil
}
