package recon

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	lerrors "ledgerbridge/core/errors"
	"ledgerbridge/core/events"
	"ledgerbridge/services/ledgerbridge/identity"
	"ledgerbridge/services/ledgerbridge/models"
)

var (
	addrA       = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	addrB       = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	addrC       = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	addrUnknown = common.HexToAddress("0x00000000000000000000000000000000000000ff")
)

type fixture struct {
	db    *gorm.DB
	users map[common.Address]uint
}

func setupReconDB(t *testing.T) *fixture {
	t.Helper()
	db, err := models.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))

	f := &fixture{db: db, users: make(map[common.Address]uint)}
	for name, addr := range map[string]common.Address{"alice": addrA, "bob": addrB, "carol": addrC} {
		user := models.User{Username: name, Address: addr.Hex()}
		require.NoError(t, db.Create(&user).Error)
		f.users[addr] = user.ID
	}
	return f
}

func (f *fixture) reconciler(t *testing.T, policy Policy) *Reconciler {
	t.Helper()
	resolver, err := identity.NewResolver(f.db)
	require.NoError(t, err)
	r, err := NewReconciler(Config{
		DB:       f.db,
		Resolver: resolver,
		Policy:   policy,
		Now:      func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) holders(t *testing.T, model any, column string, id int64) []uint {
	t.Helper()
	var out []uint
	require.NoError(t, f.db.Model(model).Where(column+" = ?", id).Order("user_id").Pluck("user_id", &out).Error)
	return out
}

func soldEvent(buyer, seller common.Address, payableID, receivableID int64) events.Event {
	return events.Event{
		Name: events.TypeSold,
		Fields: []events.Field{
			{Name: "buyer", Type: "address", Value: buyer},
			{Name: "seller", Type: "address", Value: seller},
			{Name: "sku", Type: "string", Value: "widget"},
			{Name: "amount", Type: "uint256", Value: big.NewInt(100)},
			{Name: "payableId", Type: "uint256", Value: big.NewInt(payableID)},
			{Name: "receivableId", Type: "uint256", Value: big.NewInt(receivableID)},
		},
	}
}

func transferEvent(from, to common.Address, receivableID int64) events.Event {
	return events.Event{
		Name: events.TypeReceivableTransferred,
		Fields: []events.Field{
			{Name: "from", Type: "address", Value: from},
			{Name: "to", Type: "address", Value: to},
			{Name: "receivableId", Type: "uint256", Value: big.NewInt(receivableID)},
			{Name: "timestamp", Type: "uint256", Value: big.NewInt(1700000000)},
		},
	}
}

func withSource(evt events.Event, tx string, index uint) events.Event {
	evt.TxHash = common.HexToHash(tx)
	evt.LogIndex = index
	return evt
}

func TestReconcileSoldIsIdempotent(t *testing.T) {
	f := setupReconDB(t)
	r := f.reconciler(t, PolicyMove)
	sold := soldEvent(addrA, addrB, 7, 9)

	outcomes := r.Reconcile(context.Background(), []events.Event{sold, sold})
	require.Len(t, outcomes, 2)
	require.Equal(t, StatusApplied, outcomes[0].Status)
	require.Equal(t, []Effect{
		{Kind: KindPayable, ObligationID: 7, UserID: f.users[addrA], Action: ActionInserted},
		{Kind: KindReceivable, ObligationID: 9, UserID: f.users[addrB], Action: ActionInserted},
	}, outcomes[0].Effects)
	require.Equal(t, StatusApplied, outcomes[1].Status)
	require.Equal(t, ActionExists, outcomes[1].Effects[0].Action)
	require.Equal(t, ActionExists, outcomes[1].Effects[1].Action)

	require.Equal(t, []uint{f.users[addrA]}, f.holders(t, &models.Payable{}, "payable_id", 7))
	require.Equal(t, []uint{f.users[addrB]}, f.holders(t, &models.Receivable{}, "receivable_id", 9))
}

func TestReconcileSourcedEventAppliedOnce(t *testing.T) {
	f := setupReconDB(t)
	r := f.reconciler(t, PolicyMove)
	sold := withSource(soldEvent(addrA, addrB, 1, 2), "0xaa", 0)

	first := r.Reconcile(context.Background(), []events.Event{sold})
	require.Equal(t, StatusApplied, first[0].Status)
	second := r.Reconcile(context.Background(), []events.Event{sold})
	require.Equal(t, StatusDuplicate, second[0].Status)
	require.Empty(t, second[0].Effects)

	var markers int64
	require.NoError(t, f.db.Model(&models.AppliedEvent{}).Count(&markers).Error)
	require.EqualValues(t, 1, markers)
}

func TestTransferMovePolicyLeavesSingleHolder(t *testing.T) {
	f := setupReconDB(t)
	r := f.reconciler(t, PolicyMove)

	outcomes := r.Reconcile(context.Background(), []events.Event{
		soldEvent(addrA, addrB, 1, 1),
		transferEvent(addrB, addrC, 1),
	})
	require.Equal(t, StatusApplied, outcomes[1].Status)
	require.Equal(t, []Effect{
		{Kind: KindReceivable, ObligationID: 1, UserID: f.users[addrB], Action: ActionRemoved},
		{Kind: KindReceivable, ObligationID: 1, UserID: f.users[addrC], Action: ActionInserted},
	}, outcomes[1].Effects)
	require.Equal(t, []uint{f.users[addrC]}, f.holders(t, &models.Receivable{}, "receivable_id", 1))

	again := r.Reconcile(context.Background(), []events.Event{transferEvent(addrB, addrC, 1)})
	require.Equal(t, []Effect{{Kind: KindReceivable, ObligationID: 1, UserID: f.users[addrC], Action: ActionExists}}, again[0].Effects)
}

func TestTransferAppendPolicyKeepsPreviousHolder(t *testing.T) {
	f := setupReconDB(t)
	r := f.reconciler(t, PolicyAppend)

	r.Reconcile(context.Background(), []events.Event{
		soldEvent(addrA, addrB, 1, 1),
		transferEvent(addrB, addrC, 1),
	})
	require.ElementsMatch(t, []uint{f.users[addrB], f.users[addrC]}, f.holders(t, &models.Receivable{}, "receivable_id", 1))
}

func TestLateSaleDoesNotReviveTransferredReceivable(t *testing.T) {
	f := setupReconDB(t)
	r := f.reconciler(t, PolicyMove)

	transfer := withSource(transferEvent(addrB, addrC, 1), "0x02", 0)
	sold := withSource(soldEvent(addrA, addrB, 1, 1), "0x01", 0)
	outcomes := r.Reconcile(context.Background(), []events.Event{transfer})
	require.Equal(t, StatusApplied, outcomes[0].Status)

	outcomes = r.Reconcile(context.Background(), []events.Event{sold})
	require.Equal(t, StatusApplied, outcomes[0].Status)
	require.Equal(t, []Effect{
		{Kind: KindPayable, ObligationID: 1, UserID: f.users[addrA], Action: ActionInserted},
		{Kind: KindReceivable, ObligationID: 1, UserID: f.users[addrB], Action: ActionSuperseded},
	}, outcomes[0].Effects)
	require.Equal(t, []uint{f.users[addrC]}, f.holders(t, &models.Receivable{}, "receivable_id", 1))
	require.Equal(t, []uint{f.users[addrA]}, f.holders(t, &models.Payable{}, "payable_id", 1))
}

func TestMovePolicySingleHolderInAnyOrder(t *testing.T) {
	base := []events.Event{
		withSource(soldEvent(addrA, addrB, 4, 4), "0x0a", 0),
		withSource(transferEvent(addrB, addrC, 4), "0x0b", 0),
		withSource(transferEvent(addrC, addrA, 4), "0x0c", 0),
	}
	orders := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for _, order := range orders {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			f := setupReconDB(t)
			r := f.reconciler(t, PolicyMove)
			for _, i := range order {
				outcomes := r.Reconcile(context.Background(), []events.Event{base[i]})
				require.NoError(t, outcomes[0].Err)
			}
			require.Len(t, f.holders(t, &models.Receivable{}, "receivable_id", 4), 1)
		})
	}
}

func TestAppendPolicyLateSaleStillRecordsSeller(t *testing.T) {
	f := setupReconDB(t)
	r := f.reconciler(t, PolicyAppend)

	r.Reconcile(context.Background(), []events.Event{transferEvent(addrB, addrC, 2)})
	outcomes := r.Reconcile(context.Background(), []events.Event{soldEvent(addrA, addrB, 2, 2)})
	require.Equal(t, ActionInserted, outcomes[0].Effects[1].Action)
	require.ElementsMatch(t, []uint{f.users[addrB], f.users[addrC]}, f.holders(t, &models.Receivable{}, "receivable_id", 2))
}

func TestUnknownPartyFailsOnlyThatEvent(t *testing.T) {
	f := setupReconDB(t)
	r := f.reconciler(t, PolicyMove)

	outcomes := r.Reconcile(context.Background(), []events.Event{
		soldEvent(addrUnknown, addrB, 3, 4),
		soldEvent(addrA, addrB, 5, 6),
		transferEvent(addrB, addrUnknown, 6),
	})
	require.Equal(t, StatusFailed, outcomes[0].Status)
	require.Equal(t, lerrors.KindUnknownParty, lerrors.KindOf(outcomes[0].Err))
	require.Equal(t, StatusApplied, outcomes[1].Status)
	require.Equal(t, StatusFailed, outcomes[2].Status)
	require.Equal(t, lerrors.KindUnknownParty, lerrors.KindOf(outcomes[2].Err))

	require.Empty(t, f.holders(t, &models.Payable{}, "payable_id", 3))
	require.Empty(t, f.holders(t, &models.Receivable{}, "receivable_id", 4))
	require.Equal(t, []uint{f.users[addrB]}, f.holders(t, &models.Receivable{}, "receivable_id", 6))
}

func TestUnknownPartyDoesNotConsumeSourceMarker(t *testing.T) {
	f := setupReconDB(t)
	r := f.reconciler(t, PolicyMove)
	sold := withSource(soldEvent(addrA, addrUnknown, 1, 2), "0xbb", 3)

	require.Equal(t, StatusFailed, r.Reconcile(context.Background(), []events.Event{sold})[0].Status)

	require.NoError(t, f.db.Create(&models.User{Username: "dave", Address: addrUnknown.Hex()}).Error)
	require.Equal(t, StatusApplied, r.Reconcile(context.Background(), []events.Event{sold})[0].Status)
}

func TestUniqueViolationFailsAsStorageConflict(t *testing.T) {
	f := setupReconDB(t)
	r := f.reconciler(t, PolicyMove)
	require.NoError(t, f.db.Callback().Create().Before("gorm:create").Register("reject_payable_7", func(tx *gorm.DB) {
		if payable, ok := tx.Statement.Dest.(*models.Payable); ok && payable.PayableID == 7 {
			_ = tx.AddError(fmt.Errorf("UNIQUE constraint failed: payables.payable_id: %w", gorm.ErrDuplicatedKey))
		}
	}))

	sold := withSource(soldEvent(addrA, addrB, 7, 8), "0xcc", 0)
	outcomes := r.Reconcile(context.Background(), []events.Event{sold, soldEvent(addrA, addrB, 9, 10)})
	require.Equal(t, StatusFailed, outcomes[0].Status)
	require.Equal(t, lerrors.KindStorageConflict, lerrors.KindOf(outcomes[0].Err))
	require.Equal(t, StatusApplied, outcomes[1].Status)

	require.Empty(t, f.holders(t, &models.Receivable{}, "receivable_id", 8))
	var markers int64
	require.NoError(t, f.db.Model(&models.AppliedEvent{}).Count(&markers).Error)
	require.Zero(t, markers, "a failed event must stay retryable")
}

func TestStorageErrorClassification(t *testing.T) {
	f := setupReconDB(t)
	evt := soldEvent(addrA, addrB, 1, 2)

	dup := f.db.Create(&models.User{Username: "alice", Address: addrUnknown.Hex()}).Error
	require.ErrorIs(t, dup, gorm.ErrDuplicatedKey)
	require.Equal(t, lerrors.KindStorageConflict, lerrors.KindOf(storageError(evt, dup)))

	require.Equal(t, lerrors.KindInternal, lerrors.KindOf(storageError(evt, errors.New("disk I/O error"))))
	typed := lerrors.New(lerrors.KindUnknownParty, "no user owns %s", addrUnknown.Hex())
	require.Same(t, typed, storageError(evt, typed))
}

func TestIgnoredAndMalformedEvents(t *testing.T) {
	f := setupReconDB(t)
	r := f.reconciler(t, PolicyMove)

	bad := soldEvent(addrA, addrB, 1, 2)
	bad.Fields[0].Value = "not an address"
	outcomes := r.Reconcile(context.Background(), []events.Event{
		{Name: "CompanyRegistered", Fields: []events.Field{{Value: addrA}}},
		bad,
	})
	require.Equal(t, StatusIgnored, outcomes[0].Status)
	require.NoError(t, outcomes[0].Err)
	require.Equal(t, StatusFailed, outcomes[1].Status)
	require.Equal(t, lerrors.KindMalformedReceipt, lerrors.KindOf(outcomes[1].Err))
	require.Equal(t, 1, outcomes[1].Index)
}

func TestConcurrentReconcileSuppressesDuplicates(t *testing.T) {
	f := setupReconDB(t)
	r := f.reconciler(t, PolicyMove)
	sourced := withSource(soldEvent(addrA, addrB, 11, 12), "0xcc", 1)
	plain := soldEvent(addrC, addrB, 21, 22)

	const workers = 8
	statuses := make([][]Outcome, workers)
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			statuses[i] = r.Reconcile(context.Background(), []events.Event{sourced, plain})
			return nil
		})
	}
	require.NoError(t, g.Wait())

	applied := 0
	for _, outcomes := range statuses {
		require.NotEqual(t, StatusFailed, outcomes[0].Status, "%v", outcomes[0].Err)
		require.Equal(t, StatusApplied, outcomes[1].Status, "%v", outcomes[1].Err)
		if outcomes[0].Status == StatusApplied {
			applied++
		}
	}
	require.Equal(t, 1, applied)
	require.Len(t, f.holders(t, &models.Payable{}, "payable_id", 11), 1)
	require.Len(t, f.holders(t, &models.Payable{}, "payable_id", 21), 1)
	require.Len(t, f.holders(t, &models.Receivable{}, "receivable_id", 22), 1)
}

func TestObserveAndPolicyValidation(t *testing.T) {
	f := setupReconDB(t)
	resolver, _ := identity.NewResolver(f.db)
	var seen []Status
	r, err := NewReconciler(Config{DB: f.db, Resolver: resolver, Observe: func(o Outcome) { seen = append(seen, o.Status) }})
	require.NoError(t, err)
	require.Equal(t, PolicyMove, r.Policy())
	r.Reconcile(context.Background(), []events.Event{soldEvent(addrA, addrB, 1, 1), {Name: "Other"}})
	require.Equal(t, []Status{StatusApplied, StatusIgnored}, seen)

	_, err = NewReconciler(Config{DB: f.db, Resolver: resolver, Policy: "swap"})
	require.Error(t, err)
	_, err = NewReconciler(Config{Resolver: resolver})
	require.Error(t, err)

	p, err := ParsePolicy(" APPEND ")
	require.NoError(t, err)
	require.Equal(t, PolicyAppend, p)
}
