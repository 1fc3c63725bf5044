package domain

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type encumberedRepo struct {
	Repository
	encumbered int64
	err        error
	calls      int
}

func (r *encumberedRepo) SumEncumbered(context.Context, *gorm.DB, snowflake.ID, string) (int64, error) {
	r.calls++
	return r.encumbered, r.err
}

func TestSpendable(t *testing.T) {
	ctx := context.Background()

	user := &Account{ID: 1, Kind: AccountKindUser, Balance: 12}
	repo := &encumberedRepo{encumbered: 99}
	available, floor, err := Spendable(ctx, nil, repo, user)
	require.NoError(t, err)
	assert.Equal(t, int64(12), available)
	assert.Zero(t, floor)
	assert.Zero(t, repo.calls)

	org := &Account{ID: 2, Kind: AccountKindOrganization, Balance: 50}
	repo = &encumberedRepo{encumbered: 45}
	available, floor, err = Spendable(ctx, nil, repo, org)
	require.NoError(t, err)
	assert.Equal(t, int64(5), available)
	assert.Equal(t, int64(45), floor)

	ok, err := HasAtLeast(ctx, nil, repo, org, 5)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = HasAtLeast(ctx, nil, repo, org, 6)
	require.NoError(t, err)
	assert.False(t, ok)

	boom := errors.New("boom")
	_, err = HasAtLeast(ctx, nil, &encumberedRepo{err: boom}, org, 1)
	assert.ErrorIs(t, err, boom)
}
