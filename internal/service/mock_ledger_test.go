package service

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/etherisc/esusfarm/internal/blockchain"
	"github.com/etherisc/esusfarm/internal/contract"
	apperrors "github.com/etherisc/esusfarm/internal/errors"
	"github.com/etherisc/esusfarm/internal/model"
	"github.com/etherisc/esusfarm/internal/repository"
)

const testMnemonic = "test test test test test test test test test test test junk"

var (
	productAddr  = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	tokenAddr    = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	riskSetAddr  = common.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0")
	instanceAddr = common.HexToAddress("0xCf7Ed3AccA5a467e9e704C703E8D87F634fB0Fc9")
)

// sentTx 记录一次 Send / Transfer
type sentTx struct {
	hash   common.Hash
	from   common.Address
	to     common.Address
	method string
	args   []interface{}
	value  *big.Int
}

// mockLedger 记录调用顺序的 Ledger
//
// 交易默认立即上链; hold 中的方法只广播不出回执, 用于模拟确认超时。
type mockLedger struct {
	mu sync.Mutex

	contracts *contract.Contracts
	sent      []sentTx
	calls     []string

	pendingNonce   map[common.Address]uint64
	confirmedNonce map[common.Address]uint64
	receipts       map[common.Hash]*types.Receipt
	balances       map[common.Address]*big.Int

	sendErr  map[string]error
	revert   map[string]bool
	hold     map[string]bool
	callFunc map[string]func(args []interface{}) ([]interface{}, error)

	riskID     [8]byte
	policyID   *big.Int
	skipEvents bool
	gasPrice   *big.Int
	seq        uint64
}

var _ blockchain.Ledger = (*mockLedger)(nil)

func newMockLedger(contracts *contract.Contracts) *mockLedger {
	m := &mockLedger{
		contracts:      contracts,
		pendingNonce:   make(map[common.Address]uint64),
		confirmedNonce: make(map[common.Address]uint64),
		receipts:       make(map[common.Hash]*types.Receipt),
		balances:       make(map[common.Address]*big.Int),
		sendErr:        make(map[string]error),
		revert:         make(map[string]bool),
		hold:           make(map[string]bool),
		callFunc:       make(map[string]func(args []interface{}) ([]interface{}, error)),
		riskID:         [8]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88},
		policyID:       big.NewInt(101),
		gasPrice:       big.NewInt(1_000_000_000),
	}
	m.callFunc[contract.MethodDecimals] = func([]interface{}) ([]interface{}, error) {
		return []interface{}{uint8(6)}, nil
	}
	return m
}

func (m *mockLedger) Call(ctx context.Context, b *contract.Binding, method string, args ...interface{}) ([]interface{}, error) {
	m.mu.Lock()
	m.calls = append(m.calls, method)
	fn := m.callFunc[method]
	m.mu.Unlock()
	if fn == nil {
		return nil, apperrors.ErrChainSubmission.WithMessagef("unexpected call %s.%s", b.Name, method)
	}
	return fn(args)
}

func (m *mockLedger) Send(ctx context.Context, from *blockchain.Account, b *contract.Binding, method string, args ...interface{}) (*blockchain.Submission, error) {
	return m.broadcast(from.Address, b.Address, method, args, nil)
}

func (m *mockLedger) Transfer(ctx context.Context, from *blockchain.Account, to common.Address, amount *big.Int) (*blockchain.Submission, error) {
	return m.broadcast(from.Address, to, "native", nil, amount)
}

func (m *mockLedger) broadcast(from, to common.Address, method string, args []interface{}, value *big.Int) (*blockchain.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.sendErr[method]; err != nil {
		return nil, apperrors.WrapWithCause(apperrors.ErrChainSubmission, err, "send %s", method)
	}

	m.seq++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], m.seq)
	hash := crypto.Keccak256Hash([]byte(method), buf[:])

	nonce := m.pendingNonce[from]
	m.pendingNonce[from] = nonce + 1
	m.sent = append(m.sent, sentTx{hash: hash, from: from, to: to, method: method, args: args, value: value})

	if !m.hold[method] {
		m.landLocked(hash, from, method)
	}

	return &blockchain.Submission{
		Hash:        hash,
		From:        from,
		To:          to,
		Nonce:       nonce,
		GasPrice:    m.gasPrice,
		GasLimit:    300_000,
		SubmittedAt: time.Now(),
	}, nil
}

// land 让被 hold 的交易上链
func (m *mockLedger) land(hash common.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.sent {
		if tx.hash == hash {
			m.landLocked(hash, tx.from, tx.method)
			return
		}
	}
}

// consumeNonce 模拟发送方 nonce 被其他交易占用
func (m *mockLedger) consumeNonce(from common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmedNonce[from] = m.pendingNonce[from]
}

func (m *mockLedger) landLocked(hash common.Hash, from common.Address, method string) {
	receipt := &types.Receipt{
		TxHash:      hash,
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(int64(m.seq)),
	}
	if m.revert[method] {
		receipt.Status = types.ReceiptStatusFailed
	}
	switch {
	case m.skipEvents:
	case method == contract.MethodCreateRisk:
		receipt.Logs = append(receipt.Logs, riskAddedLog(m.contracts.RiskSet, m.riskID))
	case method == contract.MethodCreatePolicy:
		receipt.Logs = append(receipt.Logs, policyCreatedLog(m.contracts.Product, m.policyID))
	}
	m.receipts[hash] = receipt
	m.confirmedNonce[from]++
}

func (m *mockLedger) WaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	receipt, ok := m.receipts[hash]
	if !ok {
		return nil, apperrors.ErrChainConfirmationTimeout.WithDetail("tx_hash", hash.Hex())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, apperrors.ErrChainSubmission.WithMessagef("transaction reverted").WithDetail("tx_hash", hash.Hex())
	}
	return receipt, nil
}

func (m *mockLedger) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	receipt, ok := m.receipts[hash]
	if !ok {
		return nil, blockchain.ErrTxNotFound
	}
	return receipt, nil
}

func (m *mockLedger) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.confirmedNonce[account], nil
}

func (m *mockLedger) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (m *mockLedger) GasPrice(ctx context.Context) (*big.Int, error) {
	return m.gasPrice, nil
}

// methods 已广播交易的方法名, 按顺序
func (m *mockLedger) methods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sent))
	for _, tx := range m.sent {
		out = append(out, tx.method)
	}
	return out
}

func (m *mockLedger) sentByMethod(method string) []sentTx {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sentTx
	for _, tx := range m.sent {
		if tx.method == method {
			out = append(out, tx)
		}
	}
	return out
}

func (m *mockLedger) callCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == method {
			n++
		}
	}
	return n
}

func riskAddedLog(riskSet *contract.Binding, id [8]byte) *types.Log {
	ev := riskSet.ABI.Events[contract.EventRiskAdded]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(7), id)
	if err != nil {
		panic(err)
	}
	return &types.Log{Address: riskSet.Address, Topics: []common.Hash{ev.ID}, Data: data}
}

func policyCreatedLog(product *contract.Binding, nft *big.Int) *types.Log {
	ev := product.ABI.Events[contract.EventCropPolicyCreated]
	data, err := ev.Inputs.NonIndexed().Pack(nft)
	if err != nil {
		panic(err)
	}
	return &types.Log{Address: product.Address, Topics: []common.Hash{ev.ID}, Data: data}
}

// testEnv 服务测试环境
type testEnv struct {
	store     repository.RecordStore
	pending   repository.PendingTxRepository
	runs      repository.ReconciliationRunRepository
	ledger    *mockLedger
	contracts *contract.Contracts
	operator  *blockchain.Account
	farmer    *blockchain.HDWallet
	funding   *FundingService
	sync      *SyncService
	payout    *PayoutService
	persons   *PersonService
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, repository.AutoMigrate(db))
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := setupTestDB(t)
	contracts := contract.NewContracts(productAddr, tokenAddr, riskSetAddr, instanceAddr)

	wallet, err := blockchain.NewHDWallet(testMnemonic)
	require.NoError(t, err)
	operator, err := wallet.Derive(0)
	require.NoError(t, err)

	env := &testEnv{
		store:     repository.NewRecordStore(db),
		pending:   repository.NewPendingTxRepository(db),
		runs:      repository.NewReconciliationRunRepository(db),
		ledger:    newMockLedger(contracts),
		contracts: contracts,
		operator:  operator,
		farmer:    wallet,
	}
	env.funding = NewFundingService(env.ledger, env.pending, contracts, operator, wallet, FundingServiceConfig{
		MinTokenAmount:   big.NewInt(100_000_001),
		ApprovalGasLimit: 100_000,
		NativeMultiplier: 2,
		ChainID:          31337,
	})
	env.sync = NewSyncService(env.store, env.pending, env.ledger, contracts, operator, env.funding, SyncServiceConfig{
		ChainID:          31337,
		ReceiptTimeout:   time.Minute,
		LocationDecimals: 6,
		ValidCrops:       []string{"coffee", "maize"},
		PolicyRules: model.PolicyRules{
			MinSubscriptionDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			MaxSubscriptionDate: time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
			MaxMonetaryAmount:   decimal.NewFromInt(500_000),
		},
	})
	env.payout = NewPayoutService(env.store, env.ledger, contracts, operator, env.sync, 6)
	env.persons = NewPersonService(env.store, wallet, 100_000)
	return env
}

const (
	configID   = "7Zv4TZoBLxUi"
	locationID = "kDho7606IRdr"
	riskID     = "jxmbyupsh1rv"
	personID   = "p3rs0nAAAAAA"
	policyID   = "p0l1cyAAAAAA"
)

// seed 写入一组未同步的实体, 返回受益人钱包
func (e *testEnv) seed(t *testing.T) common.Address {
	t.Helper()
	ctx := context.Background()

	cfg := &model.Config{ID: configID, Name: "2024 Main", StartOfSeason: "2024-08-01", EndOfSeason: "2024-11-30"}
	require.NoError(t, cfg.Normalize())
	require.NoError(t, e.store.Upsert(ctx, cfg))

	loc := &model.Location{
		ID: locationID, Country: "BF", Region: "Centre", Province: "Kadiogo", Department: "Ouagadougou", Village: "Tanghin",
		Latitude: decimal.RequireFromString("13.148262"), Longitude: decimal.RequireFromString("-1.5197"),
	}
	require.NoError(t, e.store.Upsert(ctx, loc))

	risk := &model.Risk{
		ID: riskID, ConfigID: configID, LocationID: locationID, Crop: "maize",
		StartOfSeason: "2024-08-01", EndOfSeason: "2024-11-30",
		FinalPayout: decimal.RequireFromString("0.25"),
	}
	require.NoError(t, e.store.Upsert(ctx, risk))

	person, err := e.persons.Create(ctx, &model.Person{
		ID: personID, LocationID: locationID, FirstName: "Awa", LastName: "Ouedraogo", Gender: "f",
	})
	require.NoError(t, err)

	policy := &model.Policy{
		ID: policyID, PersonID: personID, RiskID: riskID, SubscriptionDate: "2024-06-01",
		SumInsuredAmount: decimal.NewFromInt(200), PremiumAmount: decimal.NewFromInt(15),
	}
	require.NoError(t, e.store.Upsert(ctx, policy))

	return common.HexToAddress(person.Wallet)
}

func (m *mockLedger) setBalance(account common.Address, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] = big.NewInt(amount)
}

func (m *mockLedger) String() string {
	return fmt.Sprintf("%v", m.methods())
}
