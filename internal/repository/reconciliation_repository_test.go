package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etherisc/esusfarm/internal/model"
)

func TestReconciliationRunRepository(t *testing.T) {
	repo := NewReconciliationRunRepository(setupTestDB(t))
	ctx := context.Background()

	runs := []*model.ReconciliationRun{
		{RunID: "run-1", Checked: 2, Adopted: 2, StartedAt: 1000, CompletedAt: 1010},
		{RunID: "run-2", StartedAt: 2000, CompletedAt: 2001},
		{RunID: "run-3", Checked: 3, Replaced: 1, Errors: 2, StartedAt: 3000, CompletedAt: 3050},
	}
	for _, run := range runs {
		require.NoError(t, repo.Create(ctx, run))
	}

	got, err := repo.GetByRunID(ctx, "run-3")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Errors)
	assert.True(t, got.HasErrors())

	_, err = repo.GetByRunID(ctx, "missing")
	assert.ErrorIs(t, err, ErrReconciliationRunNotFound)

	page := &Pagination{Page: 1, PageSize: 10}
	recent, err := repo.ListRecent(ctx, page)
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total, "empty runs are skipped")
	require.Len(t, recent, 2)
	assert.Equal(t, "run-3", recent[0].RunID)
	assert.Equal(t, "run-1", recent[1].RunID)

	page = &Pagination{}
	failed, err := repo.ListWithErrors(ctx, page)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "run-3", failed[0].RunID)

	deleted, err := repo.DeleteBefore(ctx, 2500)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	_, err = repo.GetByRunID(ctx, "run-1")
	assert.ErrorIs(t, err, ErrReconciliationRunNotFound)
}

func TestPagination(t *testing.T) {
	page := &Pagination{}
	assert.Equal(t, 0, page.Offset())
	assert.Equal(t, 20, page.Limit())

	page = &Pagination{Page: 3, PageSize: 10}
	assert.Equal(t, 20, page.Offset())
	assert.Equal(t, 10, page.Limit())

	page = &Pagination{Page: 1, PageSize: 500}
	assert.Equal(t, 100, page.Limit())
}
