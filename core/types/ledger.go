package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Account is the acting identity for a submission: an address together with
// the capability to sign transactions for it.
type Account interface {
	Address() common.Address
	SignTx(tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error)
}

// Invocation names a contract function, its positional arguments and the
// account it is sent as.
type Invocation struct {
	function string
	args     []any
	account  Account
}

// NewInvocation builds an immutable invocation. The argument slice is copied.
func NewInvocation(function string, args []any, account Account) Invocation {
	copied := make([]any, len(args))
	copy(copied, args)
	return Invocation{function: function, args: copied, account: account}
}

// Function returns the invoked function name.
func (i Invocation) Function() string { return i.function }

// Args returns a copy of the positional arguments.
func (i Invocation) Args() []any {
	out := make([]any, len(i.args))
	copy(out, i.args)
	return out
}

// Account returns the signing account.
func (i Invocation) Account() Account { return i.account }

// Receipt is the ledger's proof of execution for one submitted invocation.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	Status      uint64
	Logs        []*gethtypes.Log
	// Output holds the raw ABI-encoded return data of the invoked function.
	Output       []byte
	OutputSource OutputSource
}

// OutputSource records how a receipt's return data was obtained. The zero
// value means Output was supplied directly.
type OutputSource string

const (
	// OutputTraced data comes from tracing the transaction itself.
	OutputTraced OutputSource = "trace"
	// OutputReplayed data comes from re-running the call on the parent block.
	// It differs from the real result when earlier transactions in the same
	// block changed the state the function reads.
	OutputReplayed OutputSource = "replay"
	// OutputUnavailable means no return data could be recovered.
	OutputUnavailable OutputSource = "unavailable"
)

// Succeeded reports whether the ledger executed the transaction successfully.
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == gethtypes.ReceiptStatusSuccessful
}

// ReturnValue holds the decoded outputs of a function in declaration order.
type ReturnValue []any

// Single returns the sole output for single-valued functions, nil when the
// function returns nothing, and the full slice otherwise.
func (v ReturnValue) Single() any {
	switch len(v) {
	case 0:
		return nil
	case 1:
		return v[0]
	default:
		return []any(v)
	}
}
