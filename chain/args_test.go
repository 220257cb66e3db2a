package chain

import (
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"ledgerbridge/chain/chaintest"
	lerrors "ledgerbridge/core/errors"
)

func testContract(t *testing.T) *Contract {
	t.Helper()
	contract, err := ParseContract(strings.NewReader(chaintest.SupplyChainABI), chaintest.ContractAddress)
	if err != nil {
		t.Fatalf("parse contract: %v", err)
	}
	return contract
}

func TestCoerceArgsConvertsJSONValues(t *testing.T) {
	contract := testContract(t)
	method, err := contract.Method("buyInventory")
	if err != nil {
		t.Fatalf("method: %v", err)
	}
	seller := "0x00000000000000000000000000000000000000b0"
	args, err := CoerceArgs(method, []any{seller, "widget", json.Number("1500")})
	if err != nil {
		t.Fatalf("coerce: %v", err)
	}
	if args[0].(common.Address) != common.HexToAddress(seller) {
		t.Fatalf("unexpected seller %v", args[0])
	}
	if args[1].(string) != "widget" {
		t.Fatalf("unexpected sku %v", args[1])
	}
	if args[2].(*big.Int).Cmp(big.NewInt(1500)) != 0 {
		t.Fatalf("unexpected amount %v", args[2])
	}
	if _, err := contract.ABI.Pack("buyInventory", args...); err != nil {
		t.Fatalf("pack coerced args: %v", err)
	}
}

func TestCoerceArgsSizedIntegers(t *testing.T) {
	contract := testContract(t)
	method, _ := contract.Method("restock")
	args, err := CoerceArgs(method, []any{"widget", float64(12)})
	if err != nil {
		t.Fatalf("coerce: %v", err)
	}
	if got, ok := args[1].(uint64); !ok || got != 12 {
		t.Fatalf("expected uint64 12, got %T %v", args[1], args[1])
	}
	if _, err := contract.ABI.Pack("restock", args...); err != nil {
		t.Fatalf("pack: %v", err)
	}
}

func TestCoerceArgsIntegerStringBases(t *testing.T) {
	contract := testContract(t)
	buy, _ := contract.Method("buyInventory")
	seller := "0x00000000000000000000000000000000000000b0"

	for raw, want := range map[string]int64{
		"010":   10,
		"0009":  9,
		" 42 ":  42,
		"0x1f":  31,
		"0X1F":  31,
		"+0x10": 16,
	} {
		args, err := CoerceArgs(buy, []any{seller, "widget", raw})
		if err != nil {
			t.Fatalf("%q: %v", raw, err)
		}
		if got := args[2].(*big.Int); got.Cmp(big.NewInt(want)) != 0 {
			t.Fatalf("%q: expected %d, got %v", raw, want, got)
		}
	}
	for _, raw := range []string{"0b101", "0o17", "1_000", "0x", "--1", "0x-1"} {
		if _, err := CoerceArgs(buy, []any{seller, "widget", raw}); lerrors.KindOf(err) != lerrors.KindInvalidArguments {
			t.Fatalf("%q: expected InvalidArguments, got %v", raw, err)
		}
	}
}

func TestCoerceArgsRejectsBadInput(t *testing.T) {
	contract := testContract(t)
	buy, _ := contract.Method("buyInventory")
	restock, _ := contract.Method("restock")

	cases := map[string]struct {
		method abi.Method
		args   []any
	}{
		"arity":          {buy, []any{"0x00000000000000000000000000000000000000b0"}},
		"bad address":    {buy, []any{"not-an-address", "widget", json.Number("1")}},
		"negative uint":  {buy, []any{"0x00000000000000000000000000000000000000b0", "widget", json.Number("-1")}},
		"fractional":     {restock, []any{"widget", float64(1.5)}},
		"overflow":       {restock, []any{"widget", json.Number("18446744073709551616")}},
		"string for int": {restock, []any{"widget", "twelve"}},
		"int for string": {restock, []any{json.Number("7"), json.Number("1")}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := CoerceArgs(tc.method, tc.args)
			if lerrors.KindOf(err) != lerrors.KindInvalidArguments {
				t.Fatalf("expected InvalidArguments, got %v", err)
			}
		})
	}
}
