package events

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// NormalizeValue converts decoded ABI values into JSON friendly forms:
// addresses and byte arrays become 0x-prefixed hex, integers stay numeric.
func NormalizeValue(v any) any {
	switch value := v.(type) {
	case nil:
		return nil
	case common.Address:
		return value.Hex()
	case common.Hash:
		return value.Hex()
	case []byte:
		return hexutil.Encode(value)
	case *big.Int:
		if value == nil {
			return nil
		}
		return json.Number(value.String())
	case string, bool:
		return value
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			buf := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(buf), rv)
			return hexutil.Encode(buf)
		}
		fallthrough
	case reflect.Slice:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = NormalizeValue(rv.Index(i).Interface())
		}
		return out
	}
	return v
}

func asAddress(v any) (common.Address, error) {
	switch value := v.(type) {
	case common.Address:
		return value, nil
	case string:
		trimmed := strings.TrimSpace(value)
		if !common.IsHexAddress(trimmed) {
			return common.Address{}, fmt.Errorf("invalid address %q", value)
		}
		return common.HexToAddress(trimmed), nil
	default:
		return common.Address{}, fmt.Errorf("expected address, got %T", v)
	}
}

// asObligationID accepts the integer shapes the ABI decoder produces and
// requires the value to fit a signed 64-bit column.
func asObligationID(v any) (int64, error) {
	var n *big.Int
	switch value := v.(type) {
	case *big.Int:
		if value == nil {
			return 0, fmt.Errorf("nil identifier")
		}
		n = value
	case uint8:
		n = new(big.Int).SetUint64(uint64(value))
	case uint16:
		n = new(big.Int).SetUint64(uint64(value))
	case uint32:
		n = new(big.Int).SetUint64(uint64(value))
	case uint64:
		n = new(big.Int).SetUint64(value)
	case int8:
		n = big.NewInt(int64(value))
	case int16:
		n = big.NewInt(int64(value))
	case int32:
		n = big.NewInt(int64(value))
	case int64:
		n = big.NewInt(value)
	case int:
		n = big.NewInt(int64(value))
	default:
		return 0, fmt.Errorf("expected integer identifier, got %T", v)
	}
	if n.Sign() < 0 || n.Cmp(big.NewInt(math.MaxInt64)) > 0 {
		return 0, fmt.Errorf("identifier %s out of range", n.String())
	}
	return n.Int64(), nil
}
