// Package repository contains the repository layer for the Tradecore API
package repository

import (
	"fmt"
	"time"

	"github.com/raghurammutya/tradecore/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OrderTaskChannel is the Postgres NOTIFY channel for task updates
const OrderTaskChannel = "tradecore_order_tasks"

// OrderTaskRepository is the durable order task log backing idempotency
// across restarts
type OrderTaskRepository struct {
	DB *gorm.DB
}

// NewOrderTaskRepository creates a new order task repository
func NewOrderTaskRepository(db *gorm.DB) *OrderTaskRepository {
	return &OrderTaskRepository{DB: db}
}

// GetTask returns the task row for a task id, or gorm.ErrRecordNotFound
func (r *OrderTaskRepository) GetTask(taskID string) (*models.OrderTaskModel, error) {
	var task models.OrderTaskModel
	err := r.DB.Where("task_id = ?", taskID).First(&task).Error
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// CreateTask inserts the task if absent. Returns the stored row and
// whether this call created it; a concurrent duplicate loses the race
// and reads the winner's row.
func (r *OrderTaskRepository) CreateTask(task *models.OrderTaskModel) (*models.OrderTaskModel, bool, error) {
	result := r.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "task_id"}},
		DoNothing: true,
	}).Create(task)
	if result.Error != nil {
		return nil, false, fmt.Errorf("failed to create order task: %v", result.Error)
	}
	if result.RowsAffected == 1 {
		r.notify(task.TaskID, task.State)
		return task, true, nil
	}
	existing, err := r.GetTask(task.TaskID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read existing task: %v", err)
	}
	return existing, false, nil
}

// UpdateTask persists state, attempts and outcome fields for a task
func (r *OrderTaskRepository) UpdateTask(task *models.OrderTaskModel) error {
	updates := map[string]interface{}{
		"state":           task.State,
		"attempts":        task.Attempts,
		"last_error":      task.LastError,
		"broker_order_id": task.BrokerOrderID,
		"cancelled":       task.Cancelled,
		"account_id":      task.AccountID,
		"updated_at":      time.Now(),
	}
	if models.IsTerminalTaskState(task.State) && task.TerminalAt == nil {
		now := time.Now()
		task.TerminalAt = &now
	}
	updates["terminal_at"] = task.TerminalAt

	err := r.DB.Model(&models.OrderTaskModel{}).Where("task_id = ?", task.TaskID).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to update task %s: %v", task.TaskID, err)
	}
	r.notify(task.TaskID, task.State)
	return nil
}

// notify emits a Postgres NOTIFY so the publish service can mirror
// task transitions to Redis. Failures are ignored: the durable row is
// the source of truth, the notification is best effort.
func (r *OrderTaskRepository) notify(taskID, state string) {
	payload := fmt.Sprintf(`{"task_id":%q,"state":%q}`, taskID, state)
	r.DB.Exec("SELECT pg_notify(?, ?)", OrderTaskChannel, payload)
}

// GetPendingTasks returns tasks that were in flight when the process
// stopped, for resume on startup
func (r *OrderTaskRepository) GetPendingTasks() ([]models.OrderTaskModel, error) {
	var tasks []models.OrderTaskModel
	err := r.DB.Where("state IN ?", []string{models.TaskStatePending, models.TaskStateDispatching}).
		Order("created_at asc").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load pending tasks: %v", err)
	}
	return tasks, nil
}

// ListDeadLetters returns dead-lettered tasks for operator review
func (r *OrderTaskRepository) ListDeadLetters() ([]models.OrderTaskModel, error) {
	var tasks []models.OrderTaskModel
	err := r.DB.Where("state = ?", models.TaskStateDeadLettered).
		Order("updated_at desc").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load dead letters: %v", err)
	}
	return tasks, nil
}

// GetTaskByBrokerOrderID resolves a broker order id back to its task
func (r *OrderTaskRepository) GetTaskByBrokerOrderID(brokerOrderID string) (*models.OrderTaskModel, error) {
	var task models.OrderTaskModel
	err := r.DB.Where("broker_order_id = ?", brokerOrderID).First(&task).Error
	if err != nil {
		return nil, err
	}
	return &task, nil
}
