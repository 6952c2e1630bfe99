package model

// PendingTxStatus 待确认交易状态
type PendingTxStatus int8

const (
	PendingTxStatusPending   PendingTxStatus = 0 // 待确认
	PendingTxStatusConfirmed PendingTxStatus = 1 // 已确认
	PendingTxStatusFailed    PendingTxStatus = 2 // 回执失败
	PendingTxStatusReplaced  PendingTxStatus = 3 // nonce 已被其他交易占用
)

func (s PendingTxStatus) String() string {
	switch s {
	case PendingTxStatusPending:
		return "PENDING"
	case PendingTxStatusConfirmed:
		return "CONFIRMED"
	case PendingTxStatusFailed:
		return "FAILED"
	case PendingTxStatusReplaced:
		return "REPLACED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 判断是否为终态
func (s PendingTxStatus) IsTerminal() bool {
	return s != PendingTxStatusPending
}

// PendingTxType 交易类型
type PendingTxType string

const (
	PendingTxTypeCreateSeason   PendingTxType = "create_season"
	PendingTxTypeCreateLocation PendingTxType = "create_location"
	PendingTxTypeCreateRisk     PendingTxType = "create_risk"
	PendingTxTypeTokenTransfer  PendingTxType = "token_transfer"
	PendingTxTypeNativeTransfer PendingTxType = "native_transfer"
	PendingTxTypeTokenApproval  PendingTxType = "token_approval"
	PendingTxTypeCreatePolicy   PendingTxType = "create_policy"
	PendingTxTypePayoutFactor   PendingTxType = "payout_factor"
)

// MarkerTxType 写入同步标记的交易类型
func MarkerTxType(kind EntityKind) PendingTxType {
	switch kind {
	case EntityKindConfig:
		return PendingTxTypeCreateSeason
	case EntityKindLocation:
		return PendingTxTypeCreateLocation
	case EntityKindRisk:
		return PendingTxTypeCreateRisk
	case EntityKindPerson:
		return PendingTxTypeTokenTransfer
	case EntityKindPolicy:
		return PendingTxTypeCreatePolicy
	}
	return ""
}

// PendingTx 已提交未确认的交易日志, 在等待回执前写入
type PendingTx struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	TxHash        string          `gorm:"column:tx_hash;type:varchar(66);uniqueIndex;not null" json:"tx_hash"`
	TxType        PendingTxType   `gorm:"column:tx_type;type:varchar(20);not null" json:"tx_type"`
	EntityKind    EntityKind      `gorm:"column:entity_kind;type:varchar(16);index:idx_pending_ref;not null" json:"entity_kind"`
	RefID         string          `gorm:"column:ref_id;type:varchar(32);index:idx_pending_ref;not null" json:"ref_id"`
	WalletAddress string          `gorm:"column:wallet_address;type:varchar(42);not null" json:"wallet_address"`
	ChainID       int64           `gorm:"column:chain_id;type:int;not null" json:"chain_id"`
	Nonce         int64           `gorm:"column:nonce;type:bigint;not null" json:"nonce"`
	GasPrice      string          `gorm:"column:gas_price;type:varchar(36);not null" json:"gas_price"`
	GasLimit      int64           `gorm:"column:gas_limit;type:bigint;not null" json:"gas_limit"`
	SubmittedAt   int64           `gorm:"column:submitted_at;type:bigint;not null" json:"submitted_at"`
	TimeoutAt     int64           `gorm:"column:timeout_at;type:bigint;index;not null" json:"timeout_at"`
	Status        PendingTxStatus `gorm:"column:status;type:smallint;index;not null;default:0" json:"status"`
	CreatedAt     int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt     int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (PendingTx) TableName() string {
	return "esusfarm_pending_txs"
}
