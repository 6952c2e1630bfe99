package model

import (
	"strings"
	"time"

	apperrors "github.com/etherisc/esusfarm/internal/errors"
)

// DateLayout ISO 日期格式
const DateLayout = "2006-01-02"

// Config 保险季配置 (season)
type Config struct {
	ID            string `gorm:"column:id;type:varchar(32);primaryKey" json:"id"`
	Name          string `gorm:"column:name;type:varchar(128);not null" json:"name"`
	Year          int    `gorm:"column:year;type:int;not null" json:"year"`
	StartOfSeason string `gorm:"column:start_of_season;type:varchar(10);not null" json:"startOfSeason"`
	EndOfSeason   string `gorm:"column:end_of_season;type:varchar(10);not null" json:"endOfSeason"`
	SeasonDays    int    `gorm:"column:season_days;type:int;not null" json:"seasonDays"`
	SyncMarker
	Timestamps
}

// TableName 返回表名
func (Config) TableName() string {
	return "esusfarm_configs"
}

func (c *Config) Kind() EntityKind { return EntityKindConfig }
func (c *Config) EntityID() string { return c.ID }
func (c *Config) sealed()          {}

// Normalize 根据起止日期计算 year 和 seasonDays
func (c *Config) Normalize() error {
	start, end, err := c.dates()
	if err != nil {
		return err
	}
	days, err := SeasonDays(start, end)
	if err != nil {
		return err
	}
	c.Year = start.Year()
	c.SeasonDays = days
	return nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return apperrors.ErrValidation.WithMessagef("config %s: name must not be empty", c.ID)
	}
	start, end, err := c.dates()
	if err != nil {
		return err
	}
	days, err := SeasonDays(start, end)
	if err != nil {
		return err
	}
	if c.SeasonDays != days {
		return apperrors.ErrValidation.WithMessagef("config %s: season days %d, expected %d", c.ID, c.SeasonDays, days)
	}
	return nil
}

// SeasonEndAt 链上季末时间戳 = 季初 + seasonDays 天
func (c *Config) SeasonEndAt() (int64, error) {
	start, err := ParseDate(c.StartOfSeason)
	if err != nil {
		return 0, err
	}
	return start.AddDate(0, 0, c.SeasonDays).Unix(), nil
}

func (c *Config) dates() (time.Time, time.Time, error) {
	start, err := ParseDate(c.StartOfSeason)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := ParseDate(c.EndOfSeason)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

// SeasonDays 季节天数, 含首尾两天
func SeasonDays(start, end time.Time) (int, error) {
	if !start.Before(end) {
		return 0, apperrors.ErrValidation.WithMessagef("start of season %s must be before end of season %s",
			start.Format(DateLayout), end.Format(DateLayout))
	}
	days := int(end.Sub(start).Hours() / 24)
	return days + 1, nil
}

// ParseDate 解析 UTC 日期
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, apperrors.WrapWithCause(apperrors.ErrValidation, err, "date %q is not iso format (YYYY-MM-DD)", s)
	}
	return t, nil
}
