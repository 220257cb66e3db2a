package events

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
)

// Field is one decoded event argument.
type Field struct {
	Name  string
	Type  string
	Value any
}

// Event represents a named fact emitted by the contract, decoded from a
// receipt log. Fields keep the ABI declaration order.
type Event struct {
	Name   string
	Fields []Field
	// TxHash and LogIndex identify the log the event was decoded from. Both
	// are zero for events that were not read from a receipt.
	TxHash   common.Hash
	LogIndex uint
}

// Data returns the field values in declaration order.
func (e Event) Data() []any {
	out := make([]any, len(e.Fields))
	for i, f := range e.Fields {
		out[i] = f.Value
	}
	return out
}

// HasSource reports whether the event is bound to a specific receipt log.
func (e Event) HasSource() bool {
	return e.TxHash != (common.Hash{})
}

// MarshalJSON renders the event in the `{name, data}` response shape.
func (e Event) MarshalJSON() ([]byte, error) {
	data := make([]any, len(e.Fields))
	for i, f := range e.Fields {
		data[i] = NormalizeValue(f.Value)
	}
	return json.Marshal(struct {
		Name string `json:"name"`
		Data []any  `json:"data"`
	}{Name: e.Name, Data: data})
}

// Typed is implemented by the closed set of events the reconciler acts on.
type Typed interface {
	EventType() string
}
