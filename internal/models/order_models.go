// Package models contains the models for the Tradecore API
package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// OrderTasksTableName is the name of the durable order task log
const OrderTasksTableName = "order_tasks"

// Order task states. pending, dispatching are live; placed, failed and
// dead-lettered are terminal. A task id always resolves to the same
// terminal state for its lifetime.
const (
	TaskStatePending      = "pending"
	TaskStateDispatching  = "dispatching"
	TaskStatePlaced       = "placed"
	TaskStateFailed       = "failed"
	TaskStateDeadLettered = "dead-lettered"
)

// IsTerminalTaskState reports whether the state admits no further transitions
func IsTerminalTaskState(state string) bool {
	return state == TaskStatePlaced || state == TaskStateFailed || state == TaskStateDeadLettered
}

// Order sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// AttemptPolicy bounds retries for one order request
type AttemptPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BackoffBase time.Duration `json:"backoff_base"`
	BackoffCap  time.Duration `json:"backoff_cap"`
}

// OrderRequest is an inbound order placement request. IdempotencyKey is
// caller supplied and required; repeat submissions with the same key and
// account bind to the same task.
type OrderRequest struct {
	IdempotencyKey   string          `json:"idempotency_key"`
	AccountID        string          `json:"account_id"`
	InstrumentToken  uint32          `json:"instrument_token"`
	Side             string          `json:"side"`
	Quantity         uint            `json:"quantity"`
	Price            decimal.Decimal `json:"price"`
	Product          string          `json:"product"`
	Variety          string          `json:"variety"`
	Validity         string          `json:"validity"`
	AttemptPolicy    *AttemptPolicy  `json:"attempt_policy,omitempty"`
	FailoverAccounts []string        `json:"failover_accounts,omitempty"`
}

// OrderTaskModel is the durable record backing idempotency across
// restarts. TaskID is HMAC-SHA256(secret, idempotency_key || account_id).
type OrderTaskModel struct {
	TaskID        string         `gorm:"primaryKey" json:"task_id"`
	AccountID     string         `gorm:"index" json:"account_id"`
	State         string         `gorm:"index" json:"state"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"last_error,omitempty"`
	BrokerOrderID string         `gorm:"index" json:"broker_order_id,omitempty"`
	Cancelled     bool           `json:"cancelled,omitempty"`
	Request       datatypes.JSON `json:"request"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	TerminalAt    *time.Time     `json:"terminal_at,omitempty"`
}

// TableName specifies the table name for the OrderTask model
func (OrderTaskModel) TableName() string {
	return OrderTasksTableName
}
