package model

import (
	"math/big"

	"github.com/shopspring/decimal"

	apperrors "github.com/etherisc/esusfarm/internal/errors"
)

// SeverityTier 赔付档位
type SeverityTier string

const (
	SeverityTierNone   SeverityTier = ""
	SeverityTierSevere SeverityTier = "Severe"
	SeverityTierMedium SeverityTier = "Medium"
	SeverityTierWeak   SeverityTier = "Weak"
)

// ratioPrecision 指数比值保留的小数位
const ratioPrecision = 18

var (
	one             = decimal.NewFromInt(1)
	mediumThreshold = decimal.RequireFromString("0.24")
	// 与 Medium 相同的阈值, Weak 档因此永远不会命中
	// TODO: weak tier threshold pending product decision, keep in sync with the payout contract
	weakThreshold = decimal.RequireFromString("0.24")
)

// severityTiers 从重到轻依次匹配, 首个命中的档位生效
var severityTiers = []struct {
	tier  SeverityTier
	match func(payoutRatio decimal.Decimal) bool
}{
	{SeverityTierSevere, func(r decimal.Decimal) bool { return r.Equal(one) }},
	{SeverityTierMedium, func(r decimal.Decimal) bool { return r.GreaterThan(mediumThreshold) }},
	{SeverityTierWeak, func(r decimal.Decimal) bool { return r.GreaterThan(weakThreshold) }},
}

// ClassifyPayoutRatio 按赔付比例 (payout / sumInsured) 归档
func ClassifyPayoutRatio(payoutRatio decimal.Decimal) SeverityTier {
	for _, t := range severityTiers {
		if t.match(payoutRatio) {
			return t.tier
		}
	}
	return SeverityTierNone
}

// PayoutEstimate 赔付估算, 只读不上链
type PayoutEstimate struct {
	IndexRatio   decimal.Decimal `json:"indexRatioEstimate"`
	PayoutRatio  decimal.Decimal `json:"payoutRatio"`
	SeverityTier SeverityTier    `json:"triggerTypeEstimate"`
	PayoutAmount *big.Int        `json:"payoutEstimate"`
}

// NewPayoutEstimate 计算指数比值与档位, payoutAmount 来自链上 calculatePayoutAmount
func NewPayoutEstimate(indexReference, indexEndOfSeason, payoutAmount, sumInsured *big.Int) (*PayoutEstimate, error) {
	if indexReference == nil || indexReference.Sign() == 0 {
		return nil, apperrors.ErrValidation.WithMessagef("index reference value must not be zero")
	}
	if sumInsured == nil || sumInsured.Sign() <= 0 {
		return nil, apperrors.ErrValidation.WithMessagef("sum insured must be positive")
	}

	ratio := decimal.NewFromBigInt(indexEndOfSeason, 0).
		DivRound(decimal.NewFromBigInt(indexReference, 0), ratioPrecision)
	payoutRatio := decimal.NewFromBigInt(payoutAmount, 0).
		DivRound(decimal.NewFromBigInt(sumInsured, 0), ratioPrecision)

	return &PayoutEstimate{
		IndexRatio:   ratio,
		PayoutRatio:  payoutRatio,
		SeverityTier: ClassifyPayoutRatio(payoutRatio),
		PayoutAmount: new(big.Int).Set(payoutAmount),
	}, nil
}

// Trigger 触发档位定义 (链上配置)
type Trigger struct {
	Level  *big.Int `json:"level"`
	Payout *big.Int `json:"payout"`
}

// OnchainRisk 链上 risk 状态
type OnchainRisk struct {
	ID                  string   `json:"id"`
	IsValid             bool     `json:"isValid"`
	ConfigID            string   `json:"configId"`
	LocationID          string   `json:"locationId"`
	Crop                string   `json:"crop"`
	IndexReferenceValue *big.Int `json:"indexReferenceValue"`
	IndexSeasonValue    *big.Int `json:"indexSeasonValue"`
	IndexIsFinal        bool     `json:"indexIsFinal"`
	CreatedAt           int64    `json:"createdAt"`
	UpdatedAt           int64    `json:"updatedAt"`
}

// OnchainConfig 链上季节配置
type OnchainConfig struct {
	ID            string  `json:"id"`
	Valid         bool    `json:"valid"`
	Name          string  `json:"name"`
	Year          int     `json:"year"`
	StartOfSeason string  `json:"startOfSeason"`
	EndOfSeason   string  `json:"endOfSeason"`
	IndexType     string  `json:"indexType"`
	DataSource    string  `json:"dataSource"`
	TriggerSevere Trigger `json:"triggerSevere"`
	TriggerMedium Trigger `json:"triggerMedium"`
	TriggerWeak   Trigger `json:"triggerWeak"`
	CreatedAt     int64   `json:"createdAt"`
	UpdatedAt     int64   `json:"updatedAt"`
}

// OnchainPolicy 保单链上视图
type OnchainPolicy struct {
	PolicyID              string          `json:"policyId"`
	NFT                   string          `json:"nft"`
	RiskID                string          `json:"riskId"`
	ConfigID              string          `json:"configId"`
	Year                  int             `json:"year"`
	SeasonStart           string          `json:"seasonStart"`
	SeasonEnd             string          `json:"seasonEnd"`
	IndexType             string          `json:"indexType"`
	DataSource            string          `json:"dataSource"`
	BeneficiaryWallet     string          `json:"beneficiaryWallet"`
	SumInsured            *big.Int        `json:"sumInsured"`
	Premium               *big.Int        `json:"premium"`
	TriggerSevere         Trigger         `json:"triggerSevere"`
	TriggerMedium         Trigger         `json:"triggerMedium"`
	TriggerWeak           Trigger         `json:"triggerWeak"`
	IndexReferenceValue   *big.Int        `json:"indexReferenceValue"`
	IndexEndOfSeasonValue *big.Int        `json:"indexEndOfSeasonValue"`
	IndexIsFinal          bool            `json:"indexIsFinal"`
	Claims                uint64          `json:"claims"`
	Payouts               uint64          `json:"payouts"`
	Estimate              *PayoutEstimate `json:"estimate,omitempty"`
}

// Settled 已有理赔或指数已定稿, 不再估算
func (p *OnchainPolicy) Settled() bool {
	return p.Claims > 0 || p.IndexIsFinal
}
