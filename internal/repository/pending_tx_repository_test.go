package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etherisc/esusfarm/internal/model"
)

func newPendingTx(hash string, submittedAt, timeoutAt int64) *model.PendingTx {
	return &model.PendingTx{
		TxHash:        hash,
		TxType:        model.PendingTxTypeCreateRisk,
		EntityKind:    model.EntityKindRisk,
		RefID:         "jxmbyupsh1rv",
		WalletAddress: "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		ChainID:       31337,
		Nonce:         4,
		GasPrice:      "1000000000",
		GasLimit:      300000,
		SubmittedAt:   submittedAt,
		TimeoutAt:     timeoutAt,
	}
}

func TestPendingTxRepository_Lifecycle(t *testing.T) {
	repo := NewPendingTxRepository(setupTestDB(t))
	ctx := context.Background()
	now := time.Now().UnixMilli()

	older := newPendingTx("0x01", now-2000, now-1000)
	newer := newPendingTx("0x02", now-500, now+60_000)
	require.NoError(t, repo.Create(ctx, older))
	require.NoError(t, repo.Create(ctx, newer))
	assert.NotZero(t, older.ID)

	assert.ErrorIs(t, repo.Create(ctx, newPendingTx("0x01", now, now)), ErrDuplicatePendingTx)

	open, err := repo.GetOpenByRef(ctx, model.EntityKindRisk, "jxmbyupsh1rv", model.PendingTxTypeCreateRisk)
	require.NoError(t, err)
	assert.Equal(t, "0x02", open.TxHash)

	_, err = repo.GetOpenByRef(ctx, model.EntityKindRisk, "jxmbyupsh1rv", model.PendingTxTypePayoutFactor)
	assert.ErrorIs(t, err, ErrPendingTxNotFound)

	expired, err := repo.ListExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "0x01", expired[0].TxHash)

	count, err := repo.CountOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	require.NoError(t, repo.UpdateStatus(ctx, "0x02", model.PendingTxStatusPending, model.PendingTxStatusConfirmed))
	assert.ErrorIs(t, repo.UpdateStatus(ctx, "0x02", model.PendingTxStatusPending, model.PendingTxStatusFailed), ErrPendingTxStatusConflict)

	got, err := repo.GetByHash(ctx, "0x02")
	require.NoError(t, err)
	assert.Equal(t, model.PendingTxStatusConfirmed, got.Status)

	open, err = repo.GetOpenByRef(ctx, model.EntityKindRisk, "jxmbyupsh1rv", model.PendingTxTypeCreateRisk)
	require.NoError(t, err)
	assert.Equal(t, "0x01", open.TxHash)

	_, err = repo.GetByHash(ctx, "0xff")
	assert.ErrorIs(t, err, ErrPendingTxNotFound)
}
