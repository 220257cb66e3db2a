package ledgerbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"ledgerbridge/chain"
	"ledgerbridge/observability"
	"ledgerbridge/services/ledgerbridge/bridge"
	"ledgerbridge/services/ledgerbridge/config"
	"ledgerbridge/services/ledgerbridge/identity"
	"ledgerbridge/services/ledgerbridge/journal"
	"ledgerbridge/services/ledgerbridge/models"
	"ledgerbridge/services/ledgerbridge/recon"
)

// Runtime bundles the components shared by the daemon and the operator CLI.
type Runtime struct {
	DB       *gorm.DB
	Contract *chain.Contract
	Resolver *identity.Resolver
	Bridge   *bridge.Bridge

	closers []func() error
}

// OpenRuntime connects storage and the ledger and wires the bridge. The
// journal holds an exclusive file lock, so only the daemon opens it.
func OpenRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger, withJournal bool) (_ *Runtime, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	db, err := models.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	rt.DB = db
	rt.closers = append(rt.closers, func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	contract, err := chain.LoadContract(cfg.Chain.ABIPath, cfg.Chain.ContractAddress)
	if err != nil {
		return nil, fmt.Errorf("load contract: %w", err)
	}
	rt.Contract = contract

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := chain.Dial(dialCtx, cfg.Chain.RPCURL)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("dial ledger: %w", err)
	}
	rt.closers = append(rt.closers, func() error { client.Close(); return nil })

	chainID, err := cfg.Chain.ParsedChainID()
	if err != nil {
		return nil, err
	}
	submitterOpts := []chain.SubmitterOption{
		chain.WithPollInterval(cfg.Chain.PollInterval.Duration),
		chain.WithDefaultTimeout(cfg.Chain.SubmitTimeout.Duration),
		chain.WithLogger(logger),
	}
	if chainID != nil {
		submitterOpts = append(submitterOpts, chain.WithChainID(chainID))
	}
	submitter, err := chain.NewSubmitter(client, contract, submitterOpts...)
	if err != nil {
		return nil, fmt.Errorf("init submitter: %w", err)
	}
	caller, err := chain.NewCaller(client, contract, cfg.Chain.CallTimeout.Duration)
	if err != nil {
		return nil, fmt.Errorf("init caller: %w", err)
	}

	resolver, err := identity.NewResolver(db)
	if err != nil {
		return nil, fmt.Errorf("init resolver: %w", err)
	}
	rt.Resolver = resolver
	policy, err := recon.ParsePolicy(cfg.Reconcile.TransferPolicy)
	if err != nil {
		return nil, err
	}
	metrics := observability.LedgerBridge()
	reconciler, err := recon.NewReconciler(recon.Config{
		DB:       db,
		Resolver: resolver,
		Policy:   policy,
		Logger:   logger,
		Observe: func(o recon.Outcome) {
			metrics.RecordReconciled(o.Event, string(o.Status))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init reconciler: %w", err)
	}

	var jrnl *journal.Journal
	if withJournal {
		jrnl, err = journal.Open(cfg.JournalPath, nil)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		rt.closers = append(rt.closers, jrnl.Close)
	}

	rt.Bridge, err = bridge.New(bridge.Config{
		DB:            db,
		Submitter:     submitter,
		Caller:        caller,
		Decoder:       chain.NewDecoder(contract, logger),
		Reconciler:    reconciler,
		Resolver:      resolver,
		Journal:       jrnl,
		SubmitTimeout: cfg.Chain.SubmitTimeout.Duration,
		AbandonAfter:  cfg.Reconcile.AbandonAfter.Duration,
		Metrics:       metrics,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init bridge: %w", err)
	}
	return rt, nil
}

// Close releases the runtime's resources in reverse order.
func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
