package chain

import (
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	lerrors "ledgerbridge/core/errors"
	"ledgerbridge/core/events"
	"ledgerbridge/core/types"
)

// Decoder interprets receipts using the contract ABI.
type Decoder struct {
	contract *Contract
	logger   *slog.Logger
}

// NewDecoder constructs a decoder. A nil logger falls back to slog.Default.
func NewDecoder(contract *Contract, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{contract: contract, logger: logger}
}

// Decode extracts the return value of function and every recognised event
// from receipt, preserving log order. Logs emitted by other contracts or with
// unknown signatures are skipped. The return value is nil when the receipt's
// return data could not be recovered.
func (d *Decoder) Decode(receipt *types.Receipt, function string) (types.ReturnValue, []events.Event, error) {
	if receipt == nil {
		return nil, nil, lerrors.New(lerrors.KindMalformedReceipt, "receipt required")
	}
	method, err := d.contract.Method(function)
	if err != nil {
		return nil, nil, err
	}
	var ret types.ReturnValue
	if receipt.OutputSource != types.OutputUnavailable || len(method.Outputs) == 0 {
		ret, err = d.DecodeOutput(method, receipt.Output)
		if err != nil {
			return nil, nil, lerrors.Wrap(lerrors.KindMalformedReceipt, err, "decode %s output", function).WithTx(receipt.TxHash.Hex())
		}
	}
	evts, err := d.DecodeLogs(receipt.Logs)
	if err != nil {
		return nil, nil, err
	}
	return ret, evts, nil
}

// DecodeOutput unpacks raw return data for method. Empty data yields an empty
// return value.
func (d *Decoder) DecodeOutput(method abi.Method, output []byte) (types.ReturnValue, error) {
	if len(method.Outputs) == 0 || len(output) == 0 {
		return types.ReturnValue{}, nil
	}
	values, err := method.Outputs.Unpack(output)
	if err != nil {
		return nil, err
	}
	return types.ReturnValue(values), nil
}

// DecodeLogs decodes every recognised log in order.
func (d *Decoder) DecodeLogs(logs []*gethtypes.Log) ([]events.Event, error) {
	out := make([]events.Event, 0, len(logs))
	for _, lg := range logs {
		evt, ok, err := d.DecodeLog(lg)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, evt)
		}
	}
	return out, nil
}

// DecodeLog decodes a single log. The boolean is false for logs the contract
// ABI does not describe.
func (d *Decoder) DecodeLog(lg *gethtypes.Log) (events.Event, bool, error) {
	if lg == nil || len(lg.Topics) == 0 {
		return events.Event{}, false, nil
	}
	if d.contract.Address != (common.Address{}) && lg.Address != d.contract.Address {
		d.logger.Debug("skipping foreign log",
			slog.String("address", lg.Address.Hex()),
			slog.String("tx_hash", lg.TxHash.Hex()))
		return events.Event{}, false, nil
	}
	abiEvent, err := d.contract.ABI.EventByID(lg.Topics[0])
	if err != nil {
		d.logger.Debug("skipping unrecognised log",
			slog.String("topic", lg.Topics[0].Hex()),
			slog.String("tx_hash", lg.TxHash.Hex()))
		return events.Event{}, false, nil
	}

	inputs := make(abi.Arguments, len(abiEvent.Inputs))
	var indexed abi.Arguments
	for i, input := range abiEvent.Inputs {
		if input.Name == "" {
			input.Name = fmt.Sprintf("arg%d", i)
		}
		inputs[i] = input
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	malformed := func(err error, format string, args ...any) error {
		return lerrors.Wrap(lerrors.KindMalformedReceipt, err, format, args...).WithTx(lg.TxHash.Hex())
	}
	if len(lg.Topics)-1 != len(indexed) {
		return events.Event{}, false, malformed(nil, "%s log %d carries %d topics, expected %d", abiEvent.Name, lg.Index, len(lg.Topics)-1, len(indexed))
	}

	values := make(map[string]any, len(inputs))
	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(values, indexed, lg.Topics[1:]); err != nil {
			return events.Event{}, false, malformed(err, "%s log %d topics", abiEvent.Name, lg.Index)
		}
	}
	if err := inputs.UnpackIntoMap(values, lg.Data); err != nil {
		return events.Event{}, false, malformed(err, "%s log %d data", abiEvent.Name, lg.Index)
	}

	fields := make([]events.Field, len(inputs))
	for i, input := range inputs {
		fields[i] = events.Field{Name: input.Name, Type: input.Type.String(), Value: values[input.Name]}
	}
	name := abiEvent.RawName
	if name == "" {
		name = abiEvent.Name
	}
	return events.Event{
		Name:     name,
		Fields:   fields,
		TxHash:   lg.TxHash,
		LogIndex: lg.Index,
	}, true, nil
}
