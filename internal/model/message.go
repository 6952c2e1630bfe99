package model

// SyncRequest 同步请求 (从 Kafka 消费)
type SyncRequest struct {
	RequestID string     `json:"request_id"`
	Kind      EntityKind `json:"kind"`
	ID        string     `json:"id"`
	Force     bool       `json:"force"`
}

// PayoutFactorRequest 赔付因子更新请求 (从 Kafka 消费)
type PayoutFactorRequest struct {
	RequestID string `json:"request_id"`
	RiskID    string `json:"risk_id"`
}

// SyncedEvent 实体同步完成事件 (发送到 Kafka)
type SyncedEvent struct {
	Kind      EntityKind `json:"kind"`
	ID        string     `json:"id"`
	TxHash    string     `json:"tx_hash"`
	OnchainID string     `json:"onchain_id,omitempty"`
	NFT       string     `json:"nft,omitempty"`
	SyncedAt  int64      `json:"synced_at"`
}

// PayoutFactorUpdatedEvent 赔付因子已上链事件 (发送到 Kafka)
type PayoutFactorUpdatedEvent struct {
	RiskID       string `json:"risk_id"`
	OnchainID    string `json:"onchain_id"`
	PayoutFactor string `json:"payout_factor"`
	TxHash       string `json:"tx_hash"`
	UpdatedAt    int64  `json:"updated_at"`
}

// NewSyncedEvent 从实体构造同步事件
func NewSyncedEvent(e Entity, syncedAt int64) *SyncedEvent {
	ev := &SyncedEvent{
		Kind:     e.Kind(),
		ID:       e.EntityID(),
		TxHash:   e.Marker(),
		SyncedAt: syncedAt,
	}
	switch v := e.(type) {
	case *Risk:
		ev.OnchainID = v.OnchainID
	case *Policy:
		ev.NFT = v.NFT
	}
	return ev
}
