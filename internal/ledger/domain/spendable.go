package domain

import (
	"context"

	"gorm.io/gorm"
)

// Spendable returns the credits account may spend and the balance floor its
// debits must respect. Organization accounts keep credits reserved for
// members out of reach, so their floor is the encumbered total.
func Spendable(ctx context.Context, db *gorm.DB, repo Repository, account *Account) (available, floor int64, err error) {
	if account.Kind == AccountKindOrganization {
		floor, err = repo.SumEncumbered(ctx, db, account.ID, "")
		if err != nil {
			return 0, 0, err
		}
	}
	return account.Balance - floor, floor, nil
}

// HasAtLeast reports whether account can spend n credits on db.
func HasAtLeast(ctx context.Context, db *gorm.DB, repo Repository, account *Account, n int64) (bool, error) {
	available, _, err := Spendable(ctx, db, repo, account)
	if err != nil {
		return false, err
	}
	return available >= n, nil
}
