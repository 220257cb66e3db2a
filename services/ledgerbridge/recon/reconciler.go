package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	lerrors "ledgerbridge/core/errors"
	"ledgerbridge/core/events"
	"ledgerbridge/services/ledgerbridge/models"
)

// Policy selects how a receivable transfer treats the previous holder.
type Policy string

const (
	// PolicyMove removes the receivable from every other holder so exactly
	// one user holds it after a transfer.
	PolicyMove Policy = "move"
	// PolicyAppend only records the new holder; earlier holders remain.
	PolicyAppend Policy = "append"
)

// ParsePolicy validates a configured policy name. Empty selects move.
func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyMove:
		return PolicyMove, nil
	case PolicyAppend:
		return PolicyAppend, nil
	default:
		return "", fmt.Errorf("unknown transfer policy %q", raw)
	}
}

// Status summarises what happened to one event.
type Status string

const (
	StatusApplied   Status = "applied"
	StatusDuplicate Status = "duplicate"
	StatusIgnored   Status = "ignored"
	StatusFailed    Status = "failed"
)

// Obligation kinds and effect actions.
const (
	KindPayable    = "payable"
	KindReceivable = "receivable"

	ActionInserted   = "inserted"
	ActionExists     = "exists"
	ActionRemoved    = "removed"
	ActionSuperseded = "superseded"
)

// Effect is a single row-level change made (or found already made) while
// applying an event.
type Effect struct {
	Kind         string `json:"kind"`
	ObligationID int64  `json:"obligation_id"`
	UserID       uint   `json:"user_id"`
	Action       string `json:"action"`
}

// Outcome reports the result of reconciling one event.
type Outcome struct {
	Index   int
	Event   string
	Status  Status
	Effects []Effect
	Err     error
}

// Resolver maps on-chain addresses to local user ids.
type Resolver interface {
	ByAddress(ctx context.Context, address string) (uint, error)
}

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	DB       *gorm.DB
	Resolver Resolver
	Policy   Policy
	Now      func() time.Time
	Logger   *slog.Logger
	// Observe is invoked for every outcome, e.g. to feed metrics.
	Observe func(Outcome)
}

// Reconciler applies decoded ledger events to the local obligation tables.
// Applying the same event more than once has no further effect.
type Reconciler struct {
	db       *gorm.DB
	resolver Resolver
	policy   Policy
	now      func() time.Time
	logger   *slog.Logger
	observe  func(Outcome)
}

// NewReconciler validates cfg and constructs a reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("recon: db is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("recon: resolver is required")
	}
	policy := cfg.Policy
	if policy == "" {
		policy = PolicyMove
	}
	if policy != PolicyMove && policy != PolicyAppend {
		return nil, fmt.Errorf("recon: unknown transfer policy %q", policy)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		db:       cfg.DB,
		resolver: cfg.Resolver,
		policy:   policy,
		now:      now,
		logger:   logger,
		observe:  cfg.Observe,
	}, nil
}

// Policy reports the active transfer policy.
func (r *Reconciler) Policy() Policy { return r.policy }

// Reconcile applies each event independently and returns one outcome per
// event in input order. A failure on one event never blocks the others.
func (r *Reconciler) Reconcile(ctx context.Context, evts []events.Event) []Outcome {
	outcomes := make([]Outcome, len(evts))
	for i, evt := range evts {
		outcome := r.apply(ctx, evt)
		outcome.Index = i
		outcomes[i] = outcome
		if outcome.Err != nil {
			r.logger.Warn("event reconciliation failed",
				slog.String("event", evt.Name),
				slog.String("tx_hash", evt.TxHash.Hex()),
				slog.Any("log_index", evt.LogIndex),
				slog.String("kind", string(lerrors.KindOf(outcome.Err))),
				slog.Any("error", outcome.Err))
		} else {
			r.logger.Debug("event reconciled",
				slog.String("event", evt.Name),
				slog.String("status", string(outcome.Status)),
				slog.Int("effects", len(outcome.Effects)))
		}
		if r.observe != nil {
			r.observe(outcome)
		}
	}
	return outcomes
}

type plan func(tx *gorm.DB) ([]Effect, error)

func (r *Reconciler) apply(ctx context.Context, evt events.Event) Outcome {
	outcome := Outcome{Event: evt.Name}
	typed, err := events.Parse(evt)
	if err != nil {
		outcome.Status, outcome.Err = StatusFailed, err
		return outcome
	}
	if typed == nil {
		outcome.Status = StatusIgnored
		return outcome
	}

	var run plan
	switch e := typed.(type) {
	case events.Sold:
		run, err = r.planSold(ctx, e)
	case events.ReceivableTransferred:
		run, err = r.planTransfer(ctx, e)
	default:
		outcome.Status = StatusIgnored
		return outcome
	}
	if err != nil {
		outcome.Status, outcome.Err = StatusFailed, err
		return outcome
	}

	// Party resolution happens before the transaction: the closure must only
	// touch tx, since SQLite pools hold a single connection.
	duplicate := false
	var effects []Effect
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if evt.HasSource() {
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.AppliedEvent{
				TxHash:    evt.TxHash.Hex(),
				LogIndex:  evt.LogIndex,
				Name:      evt.Name,
				AppliedAt: r.now().UTC(),
			})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				duplicate = true
				return nil
			}
		}
		var err error
		effects, err = run(tx)
		return err
	})
	if err != nil {
		outcome.Status, outcome.Err = StatusFailed, storageError(evt, err)
		return outcome
	}
	if duplicate {
		outcome.Status = StatusDuplicate
		return outcome
	}
	outcome.Status = StatusApplied
	outcome.Effects = effects
	return outcome
}

func (r *Reconciler) planSold(ctx context.Context, e events.Sold) (plan, error) {
	buyerID, err := r.resolver.ByAddress(ctx, e.Buyer.Hex())
	if err != nil {
		return nil, err
	}
	sellerID, err := r.resolver.ByAddress(ctx, e.Seller.Hex())
	if err != nil {
		return nil, err
	}
	return func(tx *gorm.DB) ([]Effect, error) {
		payable, err := r.insertPayable(tx, e.PayableID, buyerID)
		if err != nil {
			return nil, err
		}
		receivable, err := r.assignSoldReceivable(tx, e.ReceivableID, sellerID)
		if err != nil {
			return nil, err
		}
		return []Effect{payable, receivable}, nil
	}, nil
}

// assignSoldReceivable gives the seller the receivable created by a sale.
// Under move, a receivable that already has a holder was transferred by a
// later event that reconciled first, so the seller's row is not created.
func (r *Reconciler) assignSoldReceivable(tx *gorm.DB, id int64, sellerID uint) (Effect, error) {
	if r.policy == PolicyMove {
		var holders []uint
		if err := tx.Model(&models.Receivable{}).Where("receivable_id = ?", id).Pluck("user_id", &holders).Error; err != nil {
			return Effect{}, err
		}
		for _, holder := range holders {
			if holder == sellerID {
				return Effect{Kind: KindReceivable, ObligationID: id, UserID: sellerID, Action: ActionExists}, nil
			}
		}
		if len(holders) > 0 {
			r.logger.Info("sale receivable already transferred",
				slog.Int64("receivable_id", id),
				slog.Any("holders", holders))
			return Effect{Kind: KindReceivable, ObligationID: id, UserID: sellerID, Action: ActionSuperseded}, nil
		}
	}
	return r.insertReceivable(tx, id, sellerID)
}

func (r *Reconciler) planTransfer(ctx context.Context, e events.ReceivableTransferred) (plan, error) {
	toID, err := r.resolver.ByAddress(ctx, e.To.Hex())
	if err != nil {
		return nil, err
	}
	return func(tx *gorm.DB) ([]Effect, error) {
		var effects []Effect
		if r.policy == PolicyMove {
			var holders []uint
			if err := tx.Model(&models.Receivable{}).
				Where("receivable_id = ? AND user_id <> ?", e.ReceivableID, toID).
				Pluck("user_id", &holders).Error; err != nil {
				return nil, err
			}
			if len(holders) > 0 {
				if err := tx.Where("receivable_id = ? AND user_id <> ?", e.ReceivableID, toID).
					Delete(&models.Receivable{}).Error; err != nil {
					return nil, err
				}
			}
			for _, holder := range holders {
				effects = append(effects, Effect{Kind: KindReceivable, ObligationID: e.ReceivableID, UserID: holder, Action: ActionRemoved})
			}
		}
		inserted, err := r.insertReceivable(tx, e.ReceivableID, toID)
		if err != nil {
			return nil, err
		}
		return append(effects, inserted), nil
	}, nil
}

func (r *Reconciler) insertPayable(tx *gorm.DB, id int64, userID uint) (Effect, error) {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.Payable{
		PayableID: id,
		UserID:    userID,
		CreatedAt: r.now().UTC(),
	})
	if res.Error != nil {
		return Effect{}, res.Error
	}
	return Effect{Kind: KindPayable, ObligationID: id, UserID: userID, Action: action(res.RowsAffected)}, nil
}

func (r *Reconciler) insertReceivable(tx *gorm.DB, id int64, userID uint) (Effect, error) {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.Receivable{
		ReceivableID: id,
		UserID:       userID,
		CreatedAt:    r.now().UTC(),
	})
	if res.Error != nil {
		return Effect{}, res.Error
	}
	return Effect{Kind: KindReceivable, ObligationID: id, UserID: userID, Action: action(res.RowsAffected)}, nil
}

func action(rowsAffected int64) string {
	if rowsAffected == 0 {
		return ActionExists
	}
	return ActionInserted
}

func storageError(evt events.Event, err error) error {
	var typed *lerrors.Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return lerrors.Wrap(lerrors.KindStorageConflict, err, "apply %s", evt.Name)
	}
	return lerrors.Wrap(lerrors.KindInternal, err, "apply %s", evt.Name)
}
