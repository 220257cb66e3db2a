package ledgerbridge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	lerrors "ledgerbridge/core/errors"
	"ledgerbridge/core/types"
	"ledgerbridge/crypto"
	"ledgerbridge/services/ledgerbridge/models"
)

type userMap map[string]models.User

func (m userMap) ByUsername(_ context.Context, username string) (models.User, error) {
	user, ok := m[username]
	if !ok {
		return models.User{}, lerrors.New(lerrors.KindUnknownParty, "no user named %s", username)
	}
	return user, nil
}

type failingDirectory struct{}

func (failingDirectory) ByUsername(context.Context, string) (models.User, error) {
	return models.User{}, lerrors.Wrap(lerrors.KindInternal, errors.New("database is locked"), "lookup")
}

func newAccount(t *testing.T) *crypto.KeyAccount {
	t.Helper()
	account, err := crypto.GenerateAccount()
	require.NoError(t, err)
	return account
}

func TestVerifyAccountsRejectsAddressMismatch(t *testing.T) {
	alice, other := newAccount(t), newAccount(t)
	accounts := NewAccountSet(map[string]types.Account{"alice": alice})
	users := userMap{"alice": {ID: 1, Username: "alice", Address: other.Address().Hex()}}

	err := VerifyAccounts(context.Background(), users, accounts, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), alice.Address().Hex())
}

func TestVerifyAccountsAcceptsMatchingAddressAnyCase(t *testing.T) {
	alice := newAccount(t)
	accounts := NewAccountSet(map[string]types.Account{"alice": alice})
	users := userMap{"alice": {ID: 1, Username: "alice", Address: strings.ToLower(alice.Address().Hex())}}

	require.NoError(t, VerifyAccounts(context.Background(), users, accounts, nil))
}

func TestVerifyAccountsToleratesUnseededUser(t *testing.T) {
	accounts := NewAccountSet(map[string]types.Account{"bob": newAccount(t)})
	require.NoError(t, VerifyAccounts(context.Background(), userMap{}, accounts, nil))
}

func TestVerifyAccountsSurfacesLookupFailure(t *testing.T) {
	accounts := NewAccountSet(map[string]types.Account{"alice": newAccount(t)})
	err := VerifyAccounts(context.Background(), failingDirectory{}, accounts, nil)
	require.Equal(t, lerrors.KindInternal, lerrors.KindOf(err))
}

func TestAccountSetLookupNormalizesUsername(t *testing.T) {
	account := newAccount(t)
	accounts := NewAccountSet(map[string]types.Account{"jos\u00e9": account})

	got, ok := accounts.Lookup(" jose\u0301 ")
	require.True(t, ok)
	require.Equal(t, account.Address(), got.Address())
	require.Equal(t, []string{"jos\u00e9"}, accounts.Usernames())
}
