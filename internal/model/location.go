package model

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"

	apperrors "github.com/etherisc/esusfarm/internal/errors"
)

var (
	maxLatitude  = decimal.NewFromInt(90)
	maxLongitude = decimal.NewFromInt(180)
)

// Location 地点
type Location struct {
	ID               string          `gorm:"column:id;type:varchar(32);primaryKey" json:"id"`
	Country          string          `gorm:"column:country;type:varchar(2);not null" json:"country"`
	Region           string          `gorm:"column:region;type:varchar(128)" json:"region"`
	Province         string          `gorm:"column:province;type:varchar(128)" json:"province"`
	Department       string          `gorm:"column:department;type:varchar(128)" json:"department"`
	Village          string          `gorm:"column:village;type:varchar(128)" json:"village"`
	Latitude         decimal.Decimal `gorm:"column:latitude;type:decimal(12,8);not null" json:"latitude"`
	Longitude        decimal.Decimal `gorm:"column:longitude;type:decimal(12,8);not null" json:"longitude"`
	CoordinatesLevel string          `gorm:"column:coordinates_level;type:varchar(32)" json:"coordinatesLevel,omitempty"`
	SyncMarker
	Timestamps
}

// TableName 返回表名
func (Location) TableName() string {
	return "esusfarm_locations"
}

func (l *Location) Kind() EntityKind { return EntityKindLocation }
func (l *Location) EntityID() string { return l.ID }
func (l *Location) sealed()          {}

// Validate 校验国家代码与坐标范围
func (l *Location) Validate() error {
	if err := ValidateCountryCode(l.Country); err != nil {
		return err
	}
	if l.Latitude.Abs().GreaterThan(maxLatitude) {
		return apperrors.ErrValidation.WithMessagef("location %s: latitude %s out of range", l.ID, l.Latitude)
	}
	if l.Longitude.Abs().GreaterThan(maxLongitude) {
		return apperrors.ErrValidation.WithMessagef("location %s: longitude %s out of range", l.ID, l.Longitude)
	}
	return nil
}

// ScaledCoordinates 转换为链上定点整数
func (l *Location) ScaledCoordinates(decimals int32) (lat, lon *big.Int) {
	return ToFixedPoint(l.Latitude, decimals), ToFixedPoint(l.Longitude, decimals)
}

// ValidateCountryCode 校验 ISO 3166-1 alpha-2 国家代码
func ValidateCountryCode(code string) error {
	code = strings.TrimSpace(code)
	if len(code) != 2 {
		return apperrors.ErrValidation.WithMessagef("country code %q has length %d, expected length is 2", code, len(code))
	}
	region, err := language.ParseRegion(strings.ToUpper(code))
	if err != nil || !region.IsCountry() || region.String() != strings.ToUpper(code) {
		return apperrors.ErrValidation.WithMessagef("country code %q is not an iso3166 code", code)
	}
	return nil
}
