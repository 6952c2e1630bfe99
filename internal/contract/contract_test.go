package contract

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/etherisc/esusfarm/internal/errors"
	"github.com/etherisc/esusfarm/internal/model"
)

var (
	productAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	riskSetAddr = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	otherAddr   = common.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0")
)

func riskAddedLog(t *testing.T, rs *Binding, address common.Address, riskID [8]byte) *types.Log {
	t.Helper()
	ev := rs.ABI.Events[EventRiskAdded]
	data, err := ev.Inputs.Pack(big.NewInt(21), riskID)
	require.NoError(t, err)
	return &types.Log{Address: address, Topics: []common.Hash{ev.ID}, Data: data}
}

func TestStr(t *testing.T) {
	b, err := Str("jxmbyupsh1rv")
	require.NoError(t, err)
	assert.Equal(t, "jxmbyupsh1rv", StrToString(b))
	assert.Equal(t, byte(0), b[12])

	_, err = Str("this string is definitely longer than 32 bytes")
	assert.ErrorIs(t, err, ErrStrTooLong)
}

func TestRiskIDHex(t *testing.T) {
	id := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	s := RiskIDHex(id)
	assert.Equal(t, "0x0102030405060708", s)

	parsed, err := ParseRiskID(s)
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseRiskID("0x0102")
	assert.Error(t, err)
}

func TestMustParseABI_PanicsOnMalformedJSON(t *testing.T) {
	assert.Panics(t, func() { MustParseABI("broken", `[{"type":`) })
	assert.NotPanics(t, func() { NewContracts(productAddr, otherAddr, riskSetAddr, otherAddr) })
}

func TestBinding_UnknownMethod(t *testing.T) {
	product := NewProduct(productAddr)
	_, err := product.Pack("selfDestruct")
	assert.ErrorIs(t, err, ErrUnknownMethod)
	_, err = product.EventID("LogNothing")
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestCreateArgs(t *testing.T) {
	product := NewProduct(productAddr)

	cfg := &model.Config{ID: "7Zv4TZoBLxUi", Name: "2024 Main", StartOfSeason: "2024-08-01", EndOfSeason: "2024-11-30"}
	require.NoError(t, cfg.Normalize())
	args, err := CreateSeasonArgs(cfg)
	require.NoError(t, err)
	assert.Equal(t, uint16(2024), args[1])
	assert.Equal(t, uint16(122), args[5])
	_, err = product.Pack(MethodCreateSeason, args...)
	require.NoError(t, err)

	loc := &model.Location{ID: "kDho7606IRdr", Latitude: decimal.RequireFromString("13.148262"), Longitude: decimal.RequireFromString("-2.5")}
	args, err = CreateLocationArgs(loc, 6)
	require.NoError(t, err)
	assert.Equal(t, int32(13148262), args[1])
	assert.Equal(t, int32(-2500000), args[2])
	_, err = product.Pack(MethodCreateLocation, args...)
	require.NoError(t, err)

	// 定点值超出 int32
	_, err = CreateLocationArgs(loc, 9)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	risk := &model.Risk{ID: "jxmbyupsh1rv", Crop: "coffee"}
	args, err = CreateRiskArgs(risk, cfg, loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC).Unix(), args[4].(*big.Int).Int64())
	_, err = product.Pack(MethodCreateRisk, args...)
	require.NoError(t, err)

	args = CreatePolicyArgs(otherAddr, [8]byte{1}, 1686700800, big.NewInt(20000000000), big.NewInt(1500000000))
	_, err = product.Pack(MethodCreatePolicy, args...)
	require.NoError(t, err)
}

func TestRecoverRiskID(t *testing.T) {
	rs := NewRiskSet(riskSetAddr)
	riskID := [8]byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 1}

	t.Run("single matching log", func(t *testing.T) {
		receipt := &types.Receipt{Logs: []*types.Log{
			{Address: otherAddr, Topics: []common.Hash{{0x01}}},
			riskAddedLog(t, rs, riskSetAddr, riskID),
		}}
		id, err := RecoverRiskID(rs, receipt)
		require.NoError(t, err)
		assert.Equal(t, riskID, id)
	})

	t.Run("log from other address is ignored", func(t *testing.T) {
		receipt := &types.Receipt{Logs: []*types.Log{riskAddedLog(t, rs, otherAddr, riskID)}}
		_, err := RecoverRiskID(rs, receipt)
		assert.True(t, apperrors.Is(err, apperrors.ErrChainEventMissing))
	})

	t.Run("no logs", func(t *testing.T) {
		_, err := RecoverRiskID(rs, &types.Receipt{})
		assert.Equal(t, apperrors.KindChainEventMissing, apperrors.KindOf(err))
	})

	t.Run("more than one log", func(t *testing.T) {
		receipt := &types.Receipt{Logs: []*types.Log{
			riskAddedLog(t, rs, riskSetAddr, riskID),
			riskAddedLog(t, rs, riskSetAddr, [8]byte{2}),
		}}
		_, err := RecoverRiskID(rs, receipt)
		assert.True(t, apperrors.Is(err, apperrors.ErrChainEventMissing))
	})
}

func TestDecodePolicyCreated(t *testing.T) {
	product := NewProduct(productAddr)
	ev := product.ABI.Events[EventCropPolicyCreated]
	data, err := ev.Inputs.Pack(big.NewInt(101))
	require.NoError(t, err)

	id, found, err := DecodePolicyCreated(product, &types.Receipt{Logs: []*types.Log{
		{Address: productAddr, Topics: []common.Hash{ev.ID}, Data: data},
	}})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(101), id.Int64())

	_, found, err = DecodePolicyCreated(product, &types.Receipt{})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDecodeRiskAndConfig(t *testing.T) {
	product := NewProduct(productAddr)
	cfgID, _ := Str("7Zv4TZoBLxUi")
	locID, _ := Str("kDho7606IRdr")
	crop, _ := Str("coffee")

	data, err := product.ABI.Methods[MethodGetRisk].Outputs.Pack(
		true, cfgID, locID, crop, big.NewInt(800), big.NewInt(400), false, big.NewInt(1700000000), big.NewInt(1700000001))
	require.NoError(t, err)
	out, err := product.Unpack(MethodGetRisk, data)
	require.NoError(t, err)

	risk, err := DecodeRisk([8]byte{9}, out)
	require.NoError(t, err)
	assert.Equal(t, "7Zv4TZoBLxUi", risk.ConfigID)
	assert.Equal(t, "coffee", risk.Crop)
	assert.Equal(t, int64(800), risk.IndexReferenceValue.Int64())
	assert.False(t, risk.IndexIsFinal)

	one := big.NewInt(1)
	data, err = product.ABI.Methods[MethodGetConfig].Outputs.Pack(
		true, "2024 Main", uint16(2024), "2024-08-01", "2024-11-30", "WRSI", "CHIRPS",
		big.NewInt(50), big.NewInt(1000000), big.NewInt(70), big.NewInt(500000), big.NewInt(80), big.NewInt(250000),
		one, one)
	require.NoError(t, err)
	out, err = product.Unpack(MethodGetConfig, data)
	require.NoError(t, err)

	cfg, err := DecodeConfig("7Zv4TZoBLxUi", out)
	require.NoError(t, err)
	assert.Equal(t, 2024, cfg.Year)
	assert.Equal(t, "WRSI", cfg.IndexType)
	assert.Equal(t, int64(500000), cfg.TriggerMedium.Payout.Int64())

	_, err = DecodeConfig("x", out[:3])
	assert.Error(t, err)
}

func TestDecodeApplication(t *testing.T) {
	instance := NewInstance(common.HexToAddress("0x00000000000000000000000000000000000000c4"))

	data, err := instance.ABI.Methods[MethodGetApplication].Outputs.Pack(
		uint8(2), big.NewInt(15_000_000), big.NewInt(160_000_000), []byte{0xca, 0xfe},
		big.NewInt(1700000000), big.NewInt(1700000001))
	require.NoError(t, err)
	out, err := instance.Unpack(MethodGetApplication, data)
	require.NoError(t, err)

	app, err := DecodeApplication(out)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), app.State)
	assert.Equal(t, int64(160_000_000), app.SumInsured.Int64())
	assert.Equal(t, int64(15_000_000), app.Premium.Int64())
	assert.Equal(t, []byte{0xca, 0xfe}, app.Data)
	assert.Equal(t, int64(1700000001), app.UpdatedAt)

	_, err = DecodeApplication(out[:2])
	assert.Error(t, err)
}

type fakeGasBackend struct {
	price    *big.Int
	gas      uint64
	gasErr   error
	priceHit int
}

func (f *fakeGasBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	f.priceHit++
	return f.price, nil
}

func (f *fakeGasBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.gas, f.gasErr
}

func TestGasEstimator(t *testing.T) {
	ctx := context.Background()

	t.Run("cached suggestion", func(t *testing.T) {
		backend := &fakeGasBackend{price: big.NewInt(1_000_000_000), gas: 100_000}
		est := NewGasEstimator(GasEstimatorConfig{CacheTTL: time.Minute}, backend)

		p1, err := est.GasPrice(ctx)
		require.NoError(t, err)
		p2, err := est.GasPrice(ctx)
		require.NoError(t, err)
		assert.Equal(t, p1, p2)
		assert.Equal(t, 1, backend.priceHit)

		est.InvalidateCache()
		_, _ = est.GasPrice(ctx)
		assert.Equal(t, 2, backend.priceHit)

		limit, err := est.GasLimit(ctx, otherAddr, productAddr, nil, nil, 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(120_000), limit)
	})

	t.Run("fixed price and cap", func(t *testing.T) {
		backend := &fakeGasBackend{price: big.NewInt(900)}
		est := NewGasEstimator(GasEstimatorConfig{FixedGasPrice: big.NewInt(7)}, backend)
		p, err := est.GasPrice(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(7), p.Int64())
		assert.Zero(t, backend.priceHit)

		capped := NewGasEstimator(GasEstimatorConfig{MaxGasPrice: big.NewInt(100)}, backend)
		_, err = capped.GasPrice(ctx)
		assert.ErrorIs(t, err, ErrGasPriceTooHigh)
	})

	t.Run("fallback gas limit", func(t *testing.T) {
		backend := &fakeGasBackend{gasErr: errors.New("execution reverted")}
		est := NewGasEstimator(GasEstimatorConfig{MaxGasLimit: 50_000}, backend)

		limit, err := est.GasLimit(ctx, otherAddr, productAddr, nil, nil, 21_000)
		require.NoError(t, err)
		assert.Equal(t, uint64(21_000), limit)

		_, err = est.GasLimit(ctx, otherAddr, productAddr, nil, nil, 0)
		assert.Error(t, err)

		_, err = est.GasLimit(ctx, otherAddr, productAddr, nil, nil, 60_000)
		assert.ErrorIs(t, err, ErrGasLimitTooHigh)
	})
}
