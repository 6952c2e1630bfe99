package model

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	apperrors "github.com/etherisc/esusfarm/internal/errors"
)

// Risk 风险 (季节 x 地点 x 作物)
type Risk struct {
	ID                 string          `gorm:"column:id;type:varchar(32);primaryKey" json:"id"`
	ConfigID           string          `gorm:"column:config_id;type:varchar(32);index;not null" json:"configId"`
	LocationID         string          `gorm:"column:location_id;type:varchar(32);index;not null" json:"locationId"`
	Crop               string          `gorm:"column:crop;type:varchar(32);not null" json:"crop"`
	StartOfSeason      string          `gorm:"column:start_of_season;type:varchar(10)" json:"startOfSeason"`
	EndOfSeason        string          `gorm:"column:end_of_season;type:varchar(10)" json:"endOfSeason"`
	Deductible         decimal.Decimal `gorm:"column:deductible;type:decimal(10,6);not null;default:0" json:"deductible"`
	DraughtLoss        decimal.Decimal `gorm:"column:draught_loss;type:decimal(10,6);not null;default:0" json:"draughtLoss"`
	ExcessRainfallLoss decimal.Decimal `gorm:"column:excess_rainfall_loss;type:decimal(10,6);not null;default:0" json:"excessRainfallLoss"`
	TotalLoss          decimal.Decimal `gorm:"column:total_loss;type:decimal(10,6);not null;default:0" json:"totalLoss"`
	Payout             decimal.Decimal `gorm:"column:payout;type:decimal(10,6);not null;default:0" json:"payout"`
	FinalPayout        decimal.Decimal `gorm:"column:final_payout;type:decimal(10,6);not null;default:0" json:"finalPayout"`
	// 链上 risk id (bytes8, 0x 前缀), 从 LogRiskSetRiskAdded 事件恢复
	OnchainID string `gorm:"column:onchain_id;type:varchar(18)" json:"onchainId,omitempty"`
	SyncMarker
	Timestamps
}

// TableName 返回表名
func (Risk) TableName() string {
	return "esusfarm_risks"
}

func (r *Risk) Kind() EntityKind { return EntityKindRisk }
func (r *Risk) EntityID() string { return r.ID }
func (r *Risk) sealed()          {}

// Validate 校验引用与作物
func (r *Risk) Validate(validCrops []string) error {
	if !IsValidID(r.ConfigID) {
		return apperrors.ErrValidation.WithMessagef("risk %s: config id %q is not a valid nanoid", r.ID, r.ConfigID)
	}
	if !IsValidID(r.LocationID) {
		return apperrors.ErrValidation.WithMessagef("risk %s: location id %q is not a valid nanoid", r.ID, r.LocationID)
	}
	crop := strings.ToLower(strings.TrimSpace(r.Crop))
	valid := false
	for _, c := range validCrops {
		if c == crop {
			valid = true
			break
		}
	}
	if !valid {
		return apperrors.ErrValidation.WithMessagef("risk %s: crop %q invalid, valid crops are %v", r.ID, r.Crop, validCrops)
	}
	if r.Deductible.IsNegative() {
		return apperrors.ErrValidation.WithMessagef("risk %s: deductible must not be negative", r.ID)
	}
	return ValidateFraction("finalPayout", r.FinalPayout)
}

// PayoutFactor finalPayout 的链上定点表示
func (r *Risk) PayoutFactor(decimals int32) (*big.Int, error) {
	if err := ValidateFraction("finalPayout", r.FinalPayout); err != nil {
		return nil, err
	}
	return ToFixedPoint(r.FinalPayout, decimals), nil
}

// ValidateFraction 校验取值在 [0,1]
func ValidateFraction(name string, v decimal.Decimal) error {
	if v.IsNegative() || v.GreaterThan(decimal.NewFromInt(1)) {
		return apperrors.ErrValidation.WithMessagef("%s %s out of range [0,1]", name, v)
	}
	return nil
}
