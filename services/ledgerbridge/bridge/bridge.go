package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"ledgerbridge/chain"
	lerrors "ledgerbridge/core/errors"
	"ledgerbridge/core/events"
	"ledgerbridge/core/types"
	"ledgerbridge/observability"
	"ledgerbridge/services/ledgerbridge/identity"
	"ledgerbridge/services/ledgerbridge/journal"
	"ledgerbridge/services/ledgerbridge/models"
	"ledgerbridge/services/ledgerbridge/recon"
)

// functionPublishInventory is recorded locally before it is submitted so the
// seller sees the listing immediately.
const functionPublishInventory = "publishInventory"

// Config captures the dependencies required to construct a Bridge.
type Config struct {
	DB            *gorm.DB
	Submitter     *chain.Submitter
	Caller        *chain.Caller
	Decoder       *chain.Decoder
	Reconciler    *recon.Reconciler
	Resolver      *identity.Resolver
	Journal       *journal.Journal
	SubmitTimeout time.Duration
	AbandonAfter  time.Duration
	Metrics       *observability.LedgerBridgeMetrics
	Logger        *slog.Logger
	Now           func() time.Time
}

// Result is what a submission or replay produced.
type Result struct {
	TxHash         common.Hash
	Returns        types.ReturnValue
	// ReturnSource says how Returns was recovered; OutputUnavailable leaves
	// Returns nil.
	ReturnSource   types.OutputSource
	Events         []events.Event
	Reconciliation []recon.Outcome
}

// Bridge orchestrates submit, decode and reconcile against one contract.
type Bridge struct {
	db            *gorm.DB
	submitter     *chain.Submitter
	caller        *chain.Caller
	decoder       *chain.Decoder
	reconciler    *recon.Reconciler
	resolver      *identity.Resolver
	journal       *journal.Journal
	submitTimeout time.Duration
	abandonAfter  time.Duration
	metrics       *observability.LedgerBridgeMetrics
	logger        *slog.Logger
	now           func() time.Time
	tracer        trace.Tracer
}

// New validates cfg and constructs a Bridge.
func New(cfg Config) (*Bridge, error) {
	switch {
	case cfg.DB == nil:
		return nil, fmt.Errorf("bridge: db is required")
	case cfg.Submitter == nil:
		return nil, fmt.Errorf("bridge: submitter is required")
	case cfg.Caller == nil:
		return nil, fmt.Errorf("bridge: caller is required")
	case cfg.Decoder == nil:
		return nil, fmt.Errorf("bridge: decoder is required")
	case cfg.Reconciler == nil:
		return nil, fmt.Errorf("bridge: reconciler is required")
	case cfg.Resolver == nil:
		return nil, fmt.Errorf("bridge: resolver is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	abandonAfter := cfg.AbandonAfter
	if abandonAfter <= 0 {
		abandonAfter = time.Hour
	}
	return &Bridge{
		db:            cfg.DB,
		submitter:     cfg.Submitter,
		caller:        cfg.Caller,
		decoder:       cfg.Decoder,
		reconciler:    cfg.Reconciler,
		resolver:      cfg.Resolver,
		journal:       cfg.Journal,
		submitTimeout: cfg.SubmitTimeout,
		abandonAfter:  abandonAfter,
		metrics:       cfg.Metrics,
		logger:        logger,
		now:           now,
		tracer:        otel.Tracer("ledgerbridge"),
	}, nil
}

// Submit sends function(args) as account, waits for the receipt, decodes it
// and reconciles the emitted events. Submission failures abort before any
// reconciliation; per-event failures are reported in the result.
func (b *Bridge) Submit(ctx context.Context, username string, account types.Account, function string, args []any) (result *Result, err error) {
	ctx, span := b.tracer.Start(ctx, "ledgerbridge.submit", trace.WithAttributes(
		attribute.String("function", function),
		attribute.String("username", username),
	))
	defer func() { endSpan(span, err) }()
	started := b.now()

	if account == nil {
		return nil, lerrors.New(lerrors.KindInvalidArguments, "no signing account for %q", username)
	}
	inv := types.NewInvocation(function, args, account)

	inventoryID, err := b.recordInventory(ctx, username, function, args)
	if err != nil {
		b.metrics.ObserveSubmission(function, string(lerrors.KindOf(err)), 0)
		return nil, err
	}

	pending, err := b.submitter.Send(ctx, inv)
	if err != nil {
		b.removeInventory(ctx, inventoryID)
		b.metrics.ObserveSubmission(function, string(lerrors.KindOf(err)), 0)
		return nil, err
	}
	span.SetAttributes(attribute.String("tx_hash", pending.TxHash.Hex()))
	b.recordJournal(pending, username, inventoryID)

	receipt, err := b.submitter.Wait(ctx, pending, b.submitTimeout)
	if err != nil {
		if lerrors.KindOf(err) == lerrors.KindRemoteRevert {
			b.removeInventory(ctx, inventoryID)
			b.markJournal(pending.TxHash, journal.StateReverted, err)
		}
		b.metrics.ObserveSubmission(function, string(lerrors.KindOf(err)), 0)
		return nil, err
	}
	b.metrics.ObserveSubmission(function, "ok", b.now().Sub(started))

	result, err = b.process(ctx, receipt, function)
	if err != nil {
		b.markJournal(pending.TxHash, journal.StateAbandoned, err)
		return nil, err
	}
	b.markJournal(pending.TxHash, journal.StateReconciled, nil)
	return result, nil
}

// Call evaluates a read-only function. No local state is touched.
func (b *Bridge) Call(ctx context.Context, account types.Account, function string, args []any) (ret types.ReturnValue, err error) {
	ctx, span := b.tracer.Start(ctx, "ledgerbridge.call", trace.WithAttributes(attribute.String("function", function)))
	defer func() { endSpan(span, err) }()

	ret, err = b.caller.CallReadOnly(ctx, function, args, account)
	outcome := "ok"
	if err != nil {
		outcome = string(lerrors.KindOf(err))
	}
	b.metrics.RecordCall(function, outcome)
	return ret, err
}

// Replay re-fetches the receipt of a broadcast transaction and reconciles it.
// The applied-event markers make repeated replays harmless.
func (b *Bridge) Replay(ctx context.Context, txHash string) (result *Result, err error) {
	ctx, span := b.tracer.Start(ctx, "ledgerbridge.replay", trace.WithAttributes(attribute.String("tx_hash", txHash)))
	defer func() { endSpan(span, err) }()

	hash, err := parseTxHash(txHash)
	if err != nil {
		return nil, err
	}
	entry, journaled := b.journalEntry(hash)

	pending, receipt, err := b.submitter.Lookup(ctx, hash)
	if err != nil {
		if lerrors.KindOf(err) == lerrors.KindRemoteRevert && receipt != nil {
			if journaled && entry.State != journal.StateReverted {
				b.removeInventory(ctx, entry.InventoryID)
			}
			b.markJournal(hash, journal.StateReverted, err)
			b.metrics.RecordReplay(string(journal.StateReverted))
		}
		return nil, err
	}
	if receipt == nil {
		return nil, lerrors.New(lerrors.KindSubmissionTimeout, "transaction not yet mined").WithTx(hash.Hex())
	}

	function := pending.Function
	if journaled && entry.Function != "" {
		function = entry.Function
	}
	result, err = b.process(ctx, receipt, function)
	if err != nil {
		b.markJournal(hash, journal.StateAbandoned, err)
		b.metrics.RecordReplay(string(journal.StateAbandoned))
		return nil, err
	}
	b.markJournal(hash, journal.StateReconciled, nil)
	b.metrics.RecordReplay(string(journal.StateReconciled))
	return result, nil
}

// Sweep replays every pending journal entry once. Entries still unmined after
// the abandon window are marked abandoned. It returns the number of entries
// left pending.
func (b *Bridge) Sweep(ctx context.Context) (int, error) {
	if b.journal == nil {
		return 0, nil
	}
	entries, err := b.journal.Pending()
	if err != nil {
		return 0, fmt.Errorf("list pending submissions: %w", err)
	}
	remaining := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		_, err := b.Replay(ctx, entry.TxHash)
		switch kind := lerrors.KindOf(err); {
		case err == nil, kind == lerrors.KindRemoteRevert, kind == lerrors.KindMalformedReceipt:
		case kind == lerrors.KindUnknownFunction, b.now().Sub(entry.SubmittedAt) >= b.abandonAfter:
			b.markJournal(common.HexToHash(entry.TxHash), journal.StateAbandoned, err)
			b.metrics.RecordReplay(string(journal.StateAbandoned))
		default:
			remaining++
			b.markJournal(common.HexToHash(entry.TxHash), journal.StatePending, err)
			b.logger.Debug("pending submission not reconciled",
				slog.String("tx_hash", entry.TxHash),
				slog.Any("error", err))
		}
	}
	b.metrics.SetJournalPending(remaining)
	return remaining, nil
}

// Payables lists the payables held by username.
func (b *Bridge) Payables(ctx context.Context, username string) ([]models.Payable, error) {
	user, err := b.resolver.ByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	var rows []models.Payable
	if err := b.db.WithContext(ctx).Where("user_id = ?", user.ID).Order("payable_id").Find(&rows).Error; err != nil {
		return nil, lerrors.Wrap(lerrors.KindInternal, err, "list payables")
	}
	return rows, nil
}

// Receivables lists the receivables held by username.
func (b *Bridge) Receivables(ctx context.Context, username string) ([]models.Receivable, error) {
	user, err := b.resolver.ByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	var rows []models.Receivable
	if err := b.db.WithContext(ctx).Where("user_id = ?", user.ID).Order("receivable_id").Find(&rows).Error; err != nil {
		return nil, lerrors.Wrap(lerrors.KindInternal, err, "list receivables")
	}
	return rows, nil
}

// Listing is an inventory row together with the user who published it.
type Listing struct {
	ID        uint      `json:"id"`
	SKU       string    `json:"sku"`
	Username  string    `json:"username"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
}

// Inventories lists published inventory, optionally restricted to one
// publisher. Rows of submissions still awaiting a receipt are included.
func (b *Bridge) Inventories(ctx context.Context, username string) ([]Listing, error) {
	query := b.db.WithContext(ctx).
		Table("inventories").
		Select("inventories.id, inventories.sku, users.username, users.address, inventories.created_at").
		Joins("JOIN users ON users.id = inventories.user_id").
		Order("inventories.id")
	if name := strings.TrimSpace(username); name != "" {
		query = query.Where("users.username = ?", identity.NormalizeUsername(name))
	}
	rows := []Listing{}
	if err := query.Scan(&rows).Error; err != nil {
		return nil, lerrors.Wrap(lerrors.KindInternal, err, "list inventories")
	}
	return rows, nil
}

func (b *Bridge) process(ctx context.Context, receipt *types.Receipt, function string) (*Result, error) {
	returns, evts, err := b.decoder.Decode(receipt, function)
	if err != nil {
		return nil, err
	}
	outcomes := b.reconciler.Reconcile(ctx, evts)
	b.logger.Info("receipt reconciled",
		slog.String("tx_hash", receipt.TxHash.Hex()),
		slog.String("function", function),
		slog.Int("events", len(evts)),
		slog.Uint64("block", receipt.BlockNumber),
		slog.String("returns_source", string(receipt.OutputSource)))
	return &Result{
		TxHash:         receipt.TxHash,
		Returns:        returns,
		ReturnSource:   receipt.OutputSource,
		Events:         evts,
		Reconciliation: outcomes,
	}, nil
}

// recordInventory inserts the optimistic inventory row for publishInventory.
func (b *Bridge) recordInventory(ctx context.Context, username, function string, args []any) (uint, error) {
	if function != functionPublishInventory || len(args) == 0 {
		return 0, nil
	}
	sku, ok := args[0].(string)
	if !ok || strings.TrimSpace(sku) == "" {
		return 0, lerrors.New(lerrors.KindInvalidArguments, "%s expects a non-empty sku", function)
	}
	user, err := b.resolver.ByUsername(ctx, username)
	if err != nil {
		return 0, err
	}
	row := models.Inventory{SKU: sku, UserID: user.ID, CreatedAt: b.now().UTC()}
	if err := b.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, lerrors.Wrap(lerrors.KindInternal, err, "record inventory")
	}
	return row.ID, nil
}

func (b *Bridge) removeInventory(ctx context.Context, id uint) {
	if id == 0 {
		return
	}
	if err := b.db.WithContext(context.WithoutCancel(ctx)).Delete(&models.Inventory{}, id).Error; err != nil {
		b.logger.Error("remove optimistic inventory", slog.Any("inventory_id", id), slog.Any("error", err))
	}
}

func (b *Bridge) recordJournal(pending *chain.Pending, username string, inventoryID uint) {
	if b.journal == nil {
		return
	}
	err := b.journal.Record(journal.Entry{
		TxHash:      pending.TxHash.Hex(),
		Function:    pending.Function,
		Account:     username,
		From:        pending.From.Hex(),
		InventoryID: inventoryID,
		SubmittedAt: pending.SentAt,
	})
	if err != nil {
		b.logger.Error("journal submission", slog.String("tx_hash", pending.TxHash.Hex()), slog.Any("error", err))
	}
}

func (b *Bridge) journalEntry(hash common.Hash) (journal.Entry, bool) {
	if b.journal == nil {
		return journal.Entry{}, false
	}
	entry, ok, err := b.journal.Get(hash.Hex())
	if err != nil {
		b.logger.Warn("read journal", slog.String("tx_hash", hash.Hex()), slog.Any("error", err))
		return journal.Entry{}, false
	}
	return entry, ok
}

func (b *Bridge) markJournal(hash common.Hash, state journal.State, cause error) {
	if b.journal == nil {
		return
	}
	if _, err := b.journal.Mark(hash.Hex(), state, cause, b.now()); err != nil && !errors.Is(err, journal.ErrNotFound) {
		b.logger.Error("update journal", slog.String("tx_hash", hash.Hex()), slog.Any("error", err))
	}
}

func parseTxHash(raw string) (common.Hash, error) {
	trimmed := strings.TrimSpace(raw)
	decoded, err := hexutil.Decode(trimmed)
	if err != nil || len(decoded) != common.HashLength {
		return common.Hash{}, lerrors.New(lerrors.KindInvalidArguments, "invalid transaction hash %q", raw)
	}
	return common.BytesToHash(decoded), nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(lerrors.KindOf(err)))
	}
	span.End()
}
