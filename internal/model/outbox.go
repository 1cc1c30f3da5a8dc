package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// OutboxMessage 事务性发件箱
// 流水事件和一致性告警先随业务事务落库，再由后台任务投递到 Kafka，
// 保证"业务成功但消息丢失"不会发生
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}

// MovementEvent 流水事件消息体，随每笔成功的余额变动发出
type MovementEvent struct {
	MovementNo   string `json:"movement_no"`
	AccountID    int64  `json:"account_id"`
	Type         string `json:"type"`
	TokenAmount  int64  `json:"token_amount"`
	BalanceAfter int64  `json:"balance_after"`
	CreatedAt    string `json:"created_at"`
}

// BatchExpiredEvent 批次过期事件，供下游对账存量额度
type BatchExpiredEvent struct {
	BatchNo   string `json:"batch_no"`
	AccountID int64  `json:"account_id"`
	Forfeited int64  `json:"forfeited"` // 过期作废的剩余额度
	ExpiredAt string `json:"expired_at"`
}
