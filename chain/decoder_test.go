package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"ledgerbridge/chain/chaintest"
	lerrors "ledgerbridge/core/errors"
	"ledgerbridge/core/events"
	"ledgerbridge/core/types"
)

var (
	buyer  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	seller = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	bank   = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

func mustLog(t *testing.T, contract *Contract, address common.Address, name string, args ...any) *gethtypes.Log {
	t.Helper()
	lg, err := chaintest.PackLog(contract.ABI, address, name, args...)
	if err != nil {
		t.Fatalf("pack %s: %v", name, err)
	}
	return lg
}

func TestDecodeEventsInLogOrder(t *testing.T) {
	contract := testContract(t)
	decoder := NewDecoder(contract, nil)
	txHash := common.HexToHash("0xfeed")

	sold := mustLog(t, contract, contract.Address, "Sold", buyer, seller, "widget", big.NewInt(100), big.NewInt(7), big.NewInt(8))
	foreign := mustLog(t, contract, common.HexToAddress("0xdead"), "Sold", buyer, seller, "widget", big.NewInt(1), big.NewInt(1), big.NewInt(1))
	unknown := &gethtypes.Log{Address: contract.Address, Topics: []common.Hash{common.HexToHash("0x01")}}
	transfer := mustLog(t, contract, contract.Address, "ReceivableTransferred", seller, bank, big.NewInt(8), big.NewInt(1700000000))
	logs := []*gethtypes.Log{sold, foreign, unknown, transfer}
	for i, lg := range logs {
		lg.TxHash = txHash
		lg.Index = uint(i)
	}

	ret, evts, err := decoder.Decode(&types.Receipt{TxHash: txHash, Status: 1, Logs: logs}, "buyInventory")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(ret) != 0 {
		t.Fatalf("expected empty return without output, got %v", ret)
	}
	if len(evts) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evts))
	}
	if evts[0].Name != events.TypeSold || evts[1].Name != events.TypeReceivableTransferred {
		t.Fatalf("unexpected order: %s, %s", evts[0].Name, evts[1].Name)
	}
	if evts[1].LogIndex != 3 || evts[1].TxHash != txHash {
		t.Fatalf("unexpected source: %d %s", evts[1].LogIndex, evts[1].TxHash.Hex())
	}

	data := evts[0].Data()
	if len(data) != 6 {
		t.Fatalf("expected 6 fields, got %d", len(data))
	}
	if data[0].(common.Address) != buyer || data[1].(common.Address) != seller {
		t.Fatalf("unexpected parties %v %v", data[0], data[1])
	}
	if data[2].(string) != "widget" {
		t.Fatalf("unexpected sku %v", data[2])
	}
	if data[5].(*big.Int).Int64() != 8 {
		t.Fatalf("unexpected receivable id %v", data[5])
	}
	if evts[0].Fields[4].Name != "payableId" || evts[0].Fields[4].Type != "uint256" {
		t.Fatalf("unexpected field metadata %+v", evts[0].Fields[4])
	}

	typed, err := events.Parse(evts[0])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sale := typed.(events.Sold)
	if sale.PayableID != 7 || sale.ReceivableID != 8 || sale.Buyer != buyer {
		t.Fatalf("unexpected sale %+v", sale)
	}
}

func TestDecodeReturnValue(t *testing.T) {
	contract := testContract(t)
	decoder := NewDecoder(contract, nil)
	method, _ := contract.Method("registerCompany")
	output, err := method.Outputs.Pack(big.NewInt(42))
	if err != nil {
		t.Fatalf("pack output: %v", err)
	}
	ret, _, err := decoder.Decode(&types.Receipt{Status: 1, Output: output}, "registerCompany")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ret.Single().(*big.Int).Int64() != 42 {
		t.Fatalf("unexpected return %v", ret.Single())
	}

	if _, _, err := decoder.Decode(&types.Receipt{Status: 1, Output: output[:7]}, "registerCompany"); lerrors.KindOf(err) != lerrors.KindMalformedReceipt {
		t.Fatalf("expected MalformedReceipt for truncated output, got %v", err)
	}
}

func TestDecodeUnknownFunction(t *testing.T) {
	decoder := NewDecoder(testContract(t), nil)
	_, _, err := decoder.Decode(&types.Receipt{Status: 1}, "mintMoney")
	if lerrors.KindOf(err) != lerrors.KindUnknownFunction {
		t.Fatalf("expected UnknownFunction, got %v", err)
	}
}

func TestDecodeMalformedLogs(t *testing.T) {
	contract := testContract(t)
	decoder := NewDecoder(contract, nil)

	missingTopic := mustLog(t, contract, contract.Address, "Sold", buyer, seller, "widget", big.NewInt(1), big.NewInt(2), big.NewInt(3))
	missingTopic.Topics = missingTopic.Topics[:2]
	if _, err := decoder.DecodeLogs([]*gethtypes.Log{missingTopic}); lerrors.KindOf(err) != lerrors.KindMalformedReceipt {
		t.Fatalf("expected MalformedReceipt for missing topic, got %v", err)
	}

	truncated := mustLog(t, contract, contract.Address, "ReceivableTransferred", seller, bank, big.NewInt(8), big.NewInt(1))
	truncated.Data = truncated.Data[:40]
	if _, err := decoder.DecodeLogs([]*gethtypes.Log{truncated}); lerrors.KindOf(err) != lerrors.KindMalformedReceipt {
		t.Fatalf("expected MalformedReceipt for truncated data, got %v", err)
	}
}
