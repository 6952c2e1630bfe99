package service

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etherisc/esusfarm/internal/contract"
	apperrors "github.com/etherisc/esusfarm/internal/errors"
	"github.com/etherisc/esusfarm/internal/model"
)

func TestShortfall(t *testing.T) {
	tests := []struct {
		balance, minimum, want int64
	}{
		{50_000_000, 100_000_001, 50_000_001},
		{0, 100_000_001, 100_000_001},
		{100_000_001, 100_000_001, 0},
		{200_000_000, 100_000_001, 0},
	}
	for _, tt := range tests {
		got := Shortfall(big.NewInt(tt.balance), big.NewInt(tt.minimum))
		assert.Equal(t, 0, got.Cmp(big.NewInt(tt.want)), "balance %d", tt.balance)
	}
}

func TestSyncPerson_TransfersShortfall(t *testing.T) {
	env := newTestEnv(t)
	wallet := env.seed(t)
	ctx := context.Background()
	env.ledger.setBalance(wallet, 50_000_000)

	marker, err := env.sync.SyncPerson(ctx, personID, false)
	require.NoError(t, err)

	transfers := env.ledger.sentByMethod(contract.MethodTransfer)
	require.Len(t, transfers, 1)
	assert.Equal(t, marker, transfers[0].hash.Hex(), "token transfer is the person marker")
	assert.Equal(t, wallet, transfers[0].args[0])
	assert.Equal(t, 0, big.NewInt(50_000_001).Cmp(transfers[0].args[1].(*big.Int)))

	native := env.ledger.sentByMethod("native")
	require.Len(t, native, 1)
	// approval gas limit * gas price * multiplier
	assert.Equal(t, 0, big.NewInt(100_000*1_000_000_000*2).Cmp(native[0].value))
	assert.Equal(t, wallet, native[0].to)

	approvals := env.ledger.sentByMethod(contract.MethodApprove)
	require.Len(t, approvals, 1)
	assert.Equal(t, productAddr, approvals[0].args[0], "spender defaults to the product")
	assert.Equal(t, 0, big.NewInt(100_000_001).Cmp(approvals[0].args[1].(*big.Int)))

	person, err := env.store.FindPerson(ctx, personID)
	require.NoError(t, err)
	assert.Equal(t, marker, person.Tx)
}

func TestSyncPerson_SufficientBalanceIsNoop(t *testing.T) {
	env := newTestEnv(t)
	wallet := env.seed(t)
	ctx := context.Background()
	env.ledger.setBalance(wallet, 100_000_001)

	marker, err := env.sync.SyncPerson(ctx, personID, false)
	require.NoError(t, err)
	assert.Empty(t, marker)
	assert.Empty(t, env.ledger.methods())

	person, err := env.store.FindPerson(ctx, personID)
	require.NoError(t, err)
	assert.False(t, person.IsSynced())

	// 余额充足的受益人不阻塞保单同步
	_, err = env.sync.SyncPolicy(ctx, policyID, false)
	require.NoError(t, err)
	assert.Empty(t, env.ledger.sentByMethod(contract.MethodTransfer))
	assert.Len(t, env.ledger.sentByMethod(contract.MethodCreatePolicy), 1)
}

func TestSyncPerson_ForceTransfersZero(t *testing.T) {
	env := newTestEnv(t)
	wallet := env.seed(t)
	ctx := context.Background()
	env.ledger.setBalance(wallet, 300_000_000)

	marker, err := env.sync.SyncPerson(ctx, personID, true)
	require.NoError(t, err)
	assert.NotEmpty(t, marker)

	transfers := env.ledger.sentByMethod(contract.MethodTransfer)
	require.Len(t, transfers, 1)
	assert.Zero(t, transfers[0].args[1].(*big.Int).Sign())
	assert.Len(t, env.ledger.sentByMethod(contract.MethodApprove), 1)
}

func TestSyncPerson_FailureAbortsRemainingSteps(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	ctx := context.Background()
	env.ledger.sendErr[contract.MethodTransfer] = errors.New("nonce too low")

	_, err := env.sync.SyncPerson(ctx, personID, false)
	assert.Equal(t, apperrors.KindChainSubmission, apperrors.KindOf(err))
	assert.Empty(t, env.ledger.methods())

	person, err := env.store.FindPerson(ctx, personID)
	require.NoError(t, err)
	assert.False(t, person.IsSynced())

	// 转账成功后授权失败: 标记已写入, 授权可以通过 force 重做
	delete(env.ledger.sendErr, contract.MethodTransfer)
	env.ledger.sendErr[contract.MethodApprove] = errors.New("insufficient funds for gas")
	marker, err := env.sync.SyncPerson(ctx, personID, false)
	assert.Equal(t, apperrors.KindChainSubmission, apperrors.KindOf(err))
	assert.NotEmpty(t, marker)

	person, err = env.store.FindPerson(ctx, personID)
	require.NoError(t, err)
	assert.Equal(t, marker, person.Tx)
}

func TestSyncPerson_WalletMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	ctx := context.Background()

	person, err := env.store.FindPerson(ctx, personID)
	require.NoError(t, err)
	person.Wallet = env.operator.Address.Hex()
	require.NoError(t, env.store.Upsert(ctx, person))

	_, err = env.sync.SyncPerson(ctx, personID, false)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
	assert.Empty(t, env.ledger.methods())
}

func TestPersonService_AssignsIncreasingWalletIndex(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.persons.Create(ctx, &model.Person{ID: "p3rs0nAAAAA1", LocationID: locationID, FirstName: "A", LastName: "B"})
	require.NoError(t, err)
	second, err := env.persons.Create(ctx, &model.Person{ID: "p3rs0nAAAAA2", LocationID: locationID, FirstName: "C", LastName: "D"})
	require.NoError(t, err)

	assert.Equal(t, 100_000, first.WalletIndex)
	assert.Equal(t, 100_001, second.WalletIndex)
	assert.NotEqual(t, first.Wallet, second.Wallet)

	account, err := env.persons.Wallet(100_001)
	require.NoError(t, err)
	assert.Equal(t, second.Wallet, account.Address.Hex())

	_, err = env.persons.Create(ctx, &model.Person{ID: "p3rs0nAAAAA3", LocationID: "bad", FirstName: "E", LastName: "F"})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestPersonService_RejectsExistingID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.persons.Create(ctx, &model.Person{ID: "p3rs0nAAAAA1", LocationID: locationID, FirstName: "A", LastName: "B"})
	require.NoError(t, err)
	wallet := first.Wallet
	_, err = env.persons.Create(ctx, &model.Person{ID: "p3rs0nAAAAA2", LocationID: locationID, FirstName: "C", LastName: "D"})
	require.NoError(t, err)

	_, err = env.persons.Create(ctx, &model.Person{ID: "p3rs0nAAAAA1", LocationID: locationID, FirstName: "A", LastName: "B"})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	stored, err := env.store.FindPerson(ctx, "p3rs0nAAAAA1")
	require.NoError(t, err)
	assert.Equal(t, 100_000, stored.WalletIndex)
	assert.Equal(t, wallet, stored.Wallet)

	// 后续新受益人照常递增
	third, err := env.persons.Create(ctx, &model.Person{ID: "p3rs0nAAAAA3", LocationID: locationID, FirstName: "E", LastName: "F"})
	require.NoError(t, err)
	assert.Equal(t, 100_002, third.WalletIndex)
}
