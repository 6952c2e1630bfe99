package model

// ReconciliationRun 一次待确认交易对账的结果
type ReconciliationRun struct {
	ID          int64  `gorm:"primaryKey;autoIncrement" json:"-"`
	RunID       string `gorm:"column:run_id;type:varchar(36);uniqueIndex;not null" json:"run_id"`
	Checked     int    `gorm:"column:checked;not null" json:"checked"`
	Adopted     int    `gorm:"column:adopted;not null" json:"adopted"`
	Failed      int    `gorm:"column:failed;not null" json:"failed"`
	Replaced    int    `gorm:"column:replaced;not null" json:"replaced"`
	InFlight    int    `gorm:"column:in_flight;not null" json:"in_flight"`
	Errors      int    `gorm:"column:errors;not null" json:"errors"`
	StartedAt   int64  `gorm:"column:started_at;type:bigint;index;not null" json:"started_at"`
	CompletedAt int64  `gorm:"column:completed_at;type:bigint" json:"completed_at"`
}

// TableName 返回表名
func (ReconciliationRun) TableName() string {
	return "esusfarm_reconciliation_runs"
}

// HasErrors 是否有处理失败的交易
func (r *ReconciliationRun) HasErrors() bool {
	return r.Errors > 0
}

// IsEmpty 本轮没有过期交易
func (r *ReconciliationRun) IsEmpty() bool {
	return r.Checked == 0
}
