package health

import (
	"time"

	"proxybind/internal/account"
)

// Outcome is what a worker reports after using a binding.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeCaptcha      Outcome = "captcha"
	OutcomeBlocked      Outcome = "blocked"
	OutcomeNetworkError Outcome = "network_error"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeCaptcha, OutcomeBlocked, OutcomeNetworkError:
		return true
	}
	return false
}

// OutcomeRecord is one logged worker report.
type OutcomeRecord struct {
	ID        int64            `json:"id"`
	AccountID string           `json:"account_id"`
	ProxyID   string           `json:"proxy_id"`
	Platform  account.Platform `json:"platform"`
	Outcome   Outcome          `json:"outcome"`
	Detail    string           `json:"detail"`
	CreatedAt time.Time        `json:"created_at"`
}

// TaskStatus is the state of a manual intervention task.
type TaskStatus string

const (
	TaskOpen     TaskStatus = "open"
	TaskResolved TaskStatus = "resolved"
)

// ManualTask asks an operator to clear a captcha or block by hand.
type ManualTask struct {
	ID         int64            `json:"id"`
	AccountID  string           `json:"account_id"`
	ProxyID    string           `json:"proxy_id"`
	Platform   account.Platform `json:"platform"`
	Reason     Outcome          `json:"reason"`
	Detail     string           `json:"detail"`
	Status     TaskStatus       `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	ResolvedAt *time.Time       `json:"resolved_at"`
}

// ManualTaskQueue stores tasks that need a human.
type ManualTaskQueue interface {
	EnqueueManualTask(t ManualTask) (ManualTask, error)
	ListManualTasks(status TaskStatus) ([]ManualTask, error)
	ResolveManualTask(id int64) error
}

// OutcomeLog records worker reports.
type OutcomeLog interface {
	LogOutcome(r OutcomeRecord) error
}
