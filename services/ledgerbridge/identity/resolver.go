package identity

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	lerrors "ledgerbridge/core/errors"
	"ledgerbridge/services/ledgerbridge/models"
)

// Resolver maps on-chain addresses to local user ids.
type Resolver struct {
	db *gorm.DB
}

// NewResolver constructs a resolver backed by the users table.
func NewResolver(db *gorm.DB) (*Resolver, error) {
	if db == nil {
		return nil, fmt.Errorf("identity: db is required")
	}
	return &Resolver{db: db}, nil
}

// ByAddress returns the id of the single user owning address, compared
// case-insensitively.
func (r *Resolver) ByAddress(ctx context.Context, address string) (uint, error) {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return 0, lerrors.New(lerrors.KindUnknownParty, "empty address")
	}
	var users []models.User
	err := r.db.WithContext(ctx).
		Select("id").
		Where("LOWER(address) = LOWER(?)", trimmed).
		Limit(2).
		Find(&users).Error
	if err != nil {
		return 0, lerrors.Wrap(lerrors.KindInternal, err, "resolve %s", trimmed)
	}
	switch len(users) {
	case 0:
		return 0, lerrors.New(lerrors.KindUnknownParty, "no user owns address %s", trimmed)
	case 1:
		return users[0].ID, nil
	default:
		return 0, lerrors.New(lerrors.KindAmbiguousAddress, "multiple users own address %s", trimmed)
	}
}

// ByUsername returns the user with the supplied username.
func (r *Resolver) ByUsername(ctx context.Context, username string) (models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).Where("username = ?", NormalizeUsername(username)).Limit(1).Find(&user).Error
	if err != nil {
		return models.User{}, lerrors.Wrap(lerrors.KindInternal, err, "lookup %s", username)
	}
	if user.ID == 0 {
		return models.User{}, lerrors.New(lerrors.KindUnknownParty, "no user named %s", username)
	}
	return user, nil
}

// NormalizeUsername trims surrounding space and applies Unicode NFC so
// canonically equivalent spellings name the same user.
func NormalizeUsername(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}
