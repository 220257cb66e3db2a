package ledgerbridge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	lerrors "ledgerbridge/core/errors"
	"ledgerbridge/core/types"
	"ledgerbridge/crypto"
	"ledgerbridge/services/ledgerbridge/config"
	"ledgerbridge/services/ledgerbridge/identity"
	"ledgerbridge/services/ledgerbridge/models"
)

// AccountSet maps usernames to unlocked signing accounts. It is built once at
// startup and never mutated, so lookups need no locking.
type AccountSet struct {
	accounts map[string]types.Account
}

// NewAccountSet copies the supplied accounts into an immutable set.
func NewAccountSet(accounts map[string]types.Account) *AccountSet {
	copied := make(map[string]types.Account, len(accounts))
	for name, account := range accounts {
		if account == nil {
			continue
		}
		copied[identity.NormalizeUsername(name)] = account
	}
	return &AccountSet{accounts: copied}
}

// LoadAccounts decrypts every configured keystore.
func LoadAccounts(cfgs []config.AccountConfig, logger *slog.Logger) (*AccountSet, error) {
	if logger == nil {
		logger = slog.Default()
	}
	accounts := make(map[string]types.Account, len(cfgs))
	for _, cfg := range cfgs {
		passphrase, err := cfg.Passphrase()
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", cfg.Username, err)
		}
		account, err := crypto.LoadAccount(cfg.Keystore, passphrase)
		if err != nil {
			return nil, fmt.Errorf("account %s: unlock keystore: %w", cfg.Username, err)
		}
		accounts[cfg.Username] = account
		logger.Info("account unlocked",
			slog.String("username", cfg.Username),
			slog.String("address", account.Address().Hex()),
			slog.String("passphrase_env", cfg.PassphraseEnv))
	}
	return NewAccountSet(accounts), nil
}

// Lookup returns the account bound to username.
func (s *AccountSet) Lookup(username string) (types.Account, bool) {
	if s == nil {
		return nil, false
	}
	account, ok := s.accounts[identity.NormalizeUsername(username)]
	return account, ok
}

// Usernames lists the configured usernames in sorted order.
func (s *AccountSet) Usernames() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.accounts))
	for name := range s.accounts {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// UserDirectory looks up stored users by username.
type UserDirectory interface {
	ByUsername(ctx context.Context, username string) (models.User, error)
}

// VerifyAccounts checks every unlocked account against the user stored under
// the same username. A differing address would make the ledger attribute the
// account's transactions to another local user, so it fails startup. Users
// not seeded yet are only reported.
func VerifyAccounts(ctx context.Context, users UserDirectory, accounts *AccountSet, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for _, name := range accounts.Usernames() {
		account, _ := accounts.Lookup(name)
		user, err := users.ByUsername(ctx, name)
		if lerrors.KindOf(err) == lerrors.KindUnknownParty {
			logger.Warn("configured account has no local user",
				slog.String("username", name),
				slog.String("address", account.Address().Hex()))
			continue
		}
		if err != nil {
			return fmt.Errorf("account %s: %w", name, err)
		}
		if !strings.EqualFold(user.Address, account.Address().Hex()) {
			return fmt.Errorf("account %s: keystore address %s does not match stored address %s", name, account.Address().Hex(), user.Address)
		}
	}
	return nil
}
