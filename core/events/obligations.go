package events

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	lerrors "ledgerbridge/core/errors"
)

const (
	// TypeSold is emitted when a buyer purchases inventory on credit, creating
	// a payable for the buyer and a receivable for the seller.
	TypeSold = "Sold"
	// TypeReceivableTransferred is emitted when a receivable changes holder.
	TypeReceivableTransferred = "ReceivableTransferred"
)

// Sold carries the parties and obligation identifiers of a sale. The buyer
// and seller occupy the first two positions, the payable and receivable ids
// the last two.
type Sold struct {
	Buyer        common.Address
	Seller       common.Address
	PayableID    int64
	ReceivableID int64
}

func (Sold) EventType() string { return TypeSold }

// ReceivableTransferred moves a receivable to a new holder. The recipient is
// the second field and the receivable id the second-to-last.
type ReceivableTransferred struct {
	From         common.Address
	To           common.Address
	ReceivableID int64
}

func (ReceivableTransferred) EventType() string { return TypeReceivableTransferred }

// Parse maps a decoded event onto the closed set of typed events. Events with
// other names return (nil, nil).
func Parse(e Event) (Typed, error) {
	switch e.Name {
	case TypeSold:
		return parseSold(e)
	case TypeReceivableTransferred:
		return parseReceivableTransferred(e)
	default:
		return nil, nil
	}
}

func parseSold(e Event) (Typed, error) {
	data := e.Data()
	if len(data) < 4 {
		return nil, malformed(e, "expected at least 4 fields, got %d", len(data))
	}
	buyer, err := asAddress(data[0])
	if err != nil {
		return nil, malformed(e, "buyer: %v", err)
	}
	seller, err := asAddress(data[1])
	if err != nil {
		return nil, malformed(e, "seller: %v", err)
	}
	payableID, err := asObligationID(data[len(data)-2])
	if err != nil {
		return nil, malformed(e, "payable id: %v", err)
	}
	receivableID, err := asObligationID(data[len(data)-1])
	if err != nil {
		return nil, malformed(e, "receivable id: %v", err)
	}
	return Sold{Buyer: buyer, Seller: seller, PayableID: payableID, ReceivableID: receivableID}, nil
}

func parseReceivableTransferred(e Event) (Typed, error) {
	data := e.Data()
	if len(data) < 3 {
		return nil, malformed(e, "expected at least 3 fields, got %d", len(data))
	}
	from, err := asAddress(data[0])
	if err != nil {
		return nil, malformed(e, "from: %v", err)
	}
	to, err := asAddress(data[1])
	if err != nil {
		return nil, malformed(e, "to: %v", err)
	}
	receivableID, err := asObligationID(data[len(data)-2])
	if err != nil {
		return nil, malformed(e, "receivable id: %v", err)
	}
	return ReceivableTransferred{From: from, To: to, ReceivableID: receivableID}, nil
}

func malformed(e Event, format string, args ...any) error {
	return lerrors.New(lerrors.KindMalformedReceipt, "%s event: %s", e.Name, fmt.Sprintf(format, args...))
}
