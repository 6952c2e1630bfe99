package model

import (
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/etherisc/esusfarm/internal/errors"
)

func TestEntity_Union(t *testing.T) {
	for _, kind := range EntityKinds {
		t.Run(string(kind), func(t *testing.T) {
			e, err := NewEntity(kind)
			require.NoError(t, err)
			assert.Equal(t, kind, e.Kind())
			assert.False(t, e.IsSynced())

			e.SetMarker("0xabc")
			assert.True(t, e.IsSynced())
			assert.Equal(t, "0xabc", e.Marker())
		})
	}

	_, err := NewEntity("claim")
	assert.Error(t, err)
}

func TestParseEntityKind(t *testing.T) {
	kind, err := ParseEntityKind(" Policy ")
	require.NoError(t, err)
	assert.Equal(t, EntityKindPolicy, kind)

	_, err = ParseEntityKind("payout")
	assert.Error(t, err)
}

func TestIsValidID(t *testing.T) {
	assert.True(t, IsValidID("fXJ6Gwfgnw-C"))
	assert.True(t, IsValidID("t4FcP75uGHHc"))
	assert.False(t, IsValidID("short"))
	assert.False(t, IsValidID("fXJ6Gwfgnw-C1"))
	assert.False(t, IsValidID("fXJ6Gwfgnw.C"))
}

func TestSeasonDays(t *testing.T) {
	c := &Config{ID: "7Zv4TZoBLxUi", Name: "2024 Main Season", StartOfSeason: "2024-08-01", EndOfSeason: "2024-11-30"}
	require.NoError(t, c.Normalize())
	assert.Equal(t, 122, c.SeasonDays)
	assert.Equal(t, 2024, c.Year)
	assert.NoError(t, c.Validate())

	endAt, err := c.SeasonEndAt()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC).Unix(), endAt)

	t.Run("single day season is rejected", func(t *testing.T) {
		_, err := SeasonDays(time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC))
		assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
	})

	t.Run("stale season days", func(t *testing.T) {
		stale := *c
		stale.SeasonDays = 121
		assert.True(t, apperrors.Is(stale.Validate(), apperrors.ErrValidation))
	})

	t.Run("invalid date", func(t *testing.T) {
		bad := &Config{StartOfSeason: "2024/08/01", EndOfSeason: "2024-11-30"}
		assert.True(t, apperrors.Is(bad.Normalize(), apperrors.ErrValidation))
	})
}

func TestFixedPoint(t *testing.T) {
	lat := decimal.RequireFromString("13.148262")
	scaled := ToFixedPoint(lat, 6)
	assert.Equal(t, "13148262", scaled.String())
	assert.True(t, FromFixedPoint(scaled, 6).Equal(lat))

	assert.Equal(t, "-436500", ToFixedPoint(decimal.RequireFromString("-0.4365"), 6).String())
	// 四舍五入而不是截断
	assert.Equal(t, "1", ToFixedPoint(decimal.RequireFromString("0.0000005"), 6).String())

	assert.Equal(t, "20000000000", ToTokenUnits(decimal.NewFromInt(20000), 6).String())

	loc := &Location{Latitude: lat, Longitude: decimal.RequireFromString("-1.5")}
	la, lo := loc.ScaledCoordinates(6)
	assert.Equal(t, int64(13148262), la.Int64())
	assert.Equal(t, int64(-1500000), lo.Int64())
}

func TestLocation_Validate(t *testing.T) {
	loc := &Location{ID: "kDho7606IRdr", Country: "ug", Latitude: decimal.RequireFromString("-0.4365"), Longitude: decimal.RequireFromString("31.6780")}
	assert.NoError(t, loc.Validate())

	for _, code := range []string{"uga", "zz", "", "1a"} {
		bad := *loc
		bad.Country = code
		assert.Error(t, bad.Validate(), code)
	}

	bad := *loc
	bad.Latitude = decimal.NewFromInt(91)
	assert.Error(t, bad.Validate())
}

func TestRisk_Validate(t *testing.T) {
	risk := &Risk{
		ID:          "jxmbyupsh1rv",
		ConfigID:    "7Zv4TZoBLxUi",
		LocationID:  "kDho7606IRdr",
		Crop:        "Coffee",
		FinalPayout: decimal.RequireFromString("0.27"),
	}
	crops := []string{"coffee", "maize"}
	assert.NoError(t, risk.Validate(crops))

	factor, err := risk.PayoutFactor(6)
	require.NoError(t, err)
	assert.Equal(t, "270000", factor.String())

	bad := *risk
	bad.Crop = "rice"
	assert.Error(t, bad.Validate(crops))

	bad = *risk
	bad.FinalPayout = decimal.RequireFromString("1.01")
	_, err = bad.PayoutFactor(6)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestPolicy_Validate(t *testing.T) {
	rules := PolicyRules{
		MinSubscriptionDate: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxSubscriptionDate: time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		MaxMonetaryAmount:   decimal.NewFromInt(500000),
	}
	valid := Policy{
		ID:               "cwNCXQfypiTg",
		PersonID:         "fXJ6Gwfgnw-C",
		RiskID:           "t4FcP75uGHHc",
		SubscriptionDate: "2023-06-14",
		SumInsuredAmount: decimal.NewFromInt(20000),
		PremiumAmount:    decimal.NewFromInt(1500),
	}
	assert.NoError(t, valid.Validate(rules))

	tests := []struct {
		name   string
		modify func(p *Policy)
	}{
		{"date too early", func(p *Policy) { p.SubscriptionDate = "2022-12-31" }},
		{"date too late", func(p *Policy) { p.SubscriptionDate = "2025-01-01" }},
		{"zero sum insured", func(p *Policy) { p.SumInsuredAmount = decimal.Zero }},
		{"negative premium", func(p *Policy) { p.PremiumAmount = decimal.NewFromInt(-1) }},
		{"amount above maximum", func(p *Policy) { p.SumInsuredAmount = decimal.NewFromInt(500001) }},
		{"person id", func(p *Policy) { p.PersonID = "nope" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.modify(&p)
			assert.True(t, apperrors.Is(p.Validate(rules), apperrors.ErrValidation))
		})
	}

	boundary := valid
	boundary.SumInsuredAmount = decimal.NewFromInt(500000)
	boundary.SubscriptionDate = "2024-12-31"
	assert.NoError(t, boundary.Validate(rules))
}

func TestClassifyPayoutRatio(t *testing.T) {
	tests := []struct {
		ratio string
		tier  SeverityTier
	}{
		{"1", SeverityTierSevere},
		{"0.5", SeverityTierMedium},
		{"0.25", SeverityTierMedium},
		{"0.24", SeverityTierNone},
		{"0.1", SeverityTierNone},
		{"0", SeverityTierNone},
	}
	for _, tt := range tests {
		t.Run(tt.ratio, func(t *testing.T) {
			assert.Equal(t, tt.tier, ClassifyPayoutRatio(decimal.RequireFromString(tt.ratio)))
		})
	}
}

func TestNewPayoutEstimate(t *testing.T) {
	est, err := NewPayoutEstimate(big.NewInt(800), big.NewInt(400), big.NewInt(10000), big.NewInt(20000))
	require.NoError(t, err)
	assert.Equal(t, "0.5", est.IndexRatio.String())
	assert.Equal(t, SeverityTierMedium, est.SeverityTier)
	assert.Equal(t, int64(10000), est.PayoutAmount.Int64())

	est, err = NewPayoutEstimate(big.NewInt(800), big.NewInt(100), big.NewInt(20000), big.NewInt(20000))
	require.NoError(t, err)
	assert.Equal(t, SeverityTierSevere, est.SeverityTier)

	_, err = NewPayoutEstimate(big.NewInt(0), big.NewInt(100), big.NewInt(1), big.NewInt(1))
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestPendingTxStatus_String(t *testing.T) {
	assert.Equal(t, "PENDING", PendingTxStatusPending.String())
	assert.Equal(t, "REPLACED", PendingTxStatusReplaced.String())
	assert.Equal(t, "UNKNOWN", PendingTxStatus(99).String())
	assert.False(t, PendingTxStatusPending.IsTerminal())
	assert.True(t, PendingTxStatusFailed.IsTerminal())
}

func TestNewSyncedEvent(t *testing.T) {
	risk := &Risk{ID: "jxmbyupsh1rv", OnchainID: "0x0102030405060708"}
	risk.SetMarker("0xfeed")
	ev := NewSyncedEvent(risk, 42)
	assert.Equal(t, EntityKindRisk, ev.Kind)
	assert.Equal(t, "0xfeed", ev.TxHash)
	assert.Equal(t, "0x0102030405060708", ev.OnchainID)
	assert.Equal(t, PendingTxTypeCreateRisk, MarkerTxType(EntityKindRisk))
}
