package model

import (
	"strings"

	apperrors "github.com/etherisc/esusfarm/internal/errors"
)

// Person 受益人 (农户)
type Person struct {
	ID          string `gorm:"column:id;type:varchar(32);primaryKey" json:"id"`
	LocationID  string `gorm:"column:location_id;type:varchar(32);index;not null" json:"locationId"`
	ExternalID  string `gorm:"column:external_id;type:varchar(64)" json:"externalId,omitempty"`
	FirstName   string `gorm:"column:first_name;type:varchar(128);not null" json:"firstName"`
	LastName    string `gorm:"column:last_name;type:varchar(128);not null" json:"lastName"`
	Gender      string `gorm:"column:gender;type:varchar(1)" json:"gender"`
	MobilePhone string `gorm:"column:mobile_phone;type:varchar(32)" json:"mobilePhone"`
	WalletIndex int    `gorm:"column:wallet_index;type:int;uniqueIndex;not null" json:"walletIndex"`
	Wallet      string `gorm:"column:wallet;type:varchar(42);not null" json:"wallet"`
	SyncMarker
	Timestamps
}

// TableName 返回表名
func (Person) TableName() string {
	return "esusfarm_persons"
}

func (p *Person) Kind() EntityKind { return EntityKindPerson }
func (p *Person) EntityID() string { return p.ID }
func (p *Person) sealed()          {}

// Validate 校验受益人字段
func (p *Person) Validate() error {
	if !IsValidID(p.LocationID) {
		return apperrors.ErrValidation.WithMessagef("location_id %s is not a valid nanoid", p.LocationID)
	}
	if strings.TrimSpace(p.FirstName) == "" || strings.TrimSpace(p.LastName) == "" {
		return apperrors.ErrValidation.WithMessagef("person %s: name must not be empty", p.ID)
	}
	if p.Gender != "" {
		g := strings.ToLower(strings.TrimSpace(p.Gender))
		if g != "m" && g != "f" {
			return apperrors.ErrValidation.WithMessagef("gender %s invalid, must be 'm' or 'f'", p.Gender)
		}
	}
	return nil
}
