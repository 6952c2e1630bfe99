package model

import (
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/etherisc/esusfarm/internal/errors"
)

// Policy 保单
type Policy struct {
	ID               string          `gorm:"column:id;type:varchar(32);primaryKey" json:"id"`
	PersonID         string          `gorm:"column:person_id;type:varchar(32);index;not null" json:"personId"`
	RiskID           string          `gorm:"column:risk_id;type:varchar(32);index;not null" json:"riskId"`
	ExternalID       string          `gorm:"column:external_id;type:varchar(64)" json:"externalId,omitempty"`
	SubscriptionDate string          `gorm:"column:subscription_date;type:varchar(10);not null" json:"subscriptionDate"`
	SumInsuredAmount decimal.Decimal `gorm:"column:sum_insured_amount;type:decimal(20,6);not null" json:"sumInsuredAmount"`
	PremiumAmount    decimal.Decimal `gorm:"column:premium_amount;type:decimal(20,6);not null" json:"premiumAmount"`
	// 链上保单 NFT id, 从 LogCropPolicyCreated 事件恢复 (可能为空)
	NFT string `gorm:"column:nft;type:varchar(32)" json:"nft,omitempty"`
	SyncMarker
	Timestamps
}

// TableName 返回表名
func (Policy) TableName() string {
	return "esusfarm_policies"
}

func (p *Policy) Kind() EntityKind { return EntityKindPolicy }
func (p *Policy) EntityID() string { return p.ID }
func (p *Policy) sealed()          {}

// PolicyRules 保单校验规则
type PolicyRules struct {
	MinSubscriptionDate time.Time
	MaxSubscriptionDate time.Time
	MaxMonetaryAmount   decimal.Decimal
}

// Validate 校验引用, 生效日期与金额
func (p *Policy) Validate(rules PolicyRules) error {
	if !IsValidID(p.PersonID) {
		return apperrors.ErrValidation.WithMessagef("the id %s is not a valid nanoid", p.PersonID)
	}
	if !IsValidID(p.RiskID) {
		return apperrors.ErrValidation.WithMessagef("the id %s is not a valid nanoid", p.RiskID)
	}

	date, err := ParseDate(p.SubscriptionDate)
	if err != nil {
		return err
	}
	if date.Before(rules.MinSubscriptionDate) {
		return apperrors.ErrValidation.WithMessagef("date %s too early, must be %s or later",
			date.Format(DateLayout), rules.MinSubscriptionDate.Format(DateLayout))
	}
	if date.After(rules.MaxSubscriptionDate) {
		return apperrors.ErrValidation.WithMessagef("date %s too late, must be %s or earlier",
			date.Format(DateLayout), rules.MaxSubscriptionDate.Format(DateLayout))
	}

	for _, amount := range []decimal.Decimal{p.SumInsuredAmount, p.PremiumAmount} {
		if !amount.IsPositive() {
			return apperrors.ErrValidation.WithMessagef("amount %s invalid, value must not be 0 or negative", amount)
		}
		if amount.GreaterThan(rules.MaxMonetaryAmount) {
			return apperrors.ErrValidation.WithMessagef("amount %s invalid, value is larger than maximum amount of %s",
				amount, rules.MaxMonetaryAmount)
		}
	}
	return nil
}

// ActivateAt 生效时间戳 (UTC 零点)
func (p *Policy) ActivateAt() (int64, error) {
	date, err := ParseDate(p.SubscriptionDate)
	if err != nil {
		return 0, err
	}
	return date.Unix(), nil
}
