package notification

import (
	"encoding/json"
	"time"

	"rental-payouts/pkg/taskname"

	"github.com/hibiken/asynq"
)

type WithdrawalPayload struct {
	WithdrawalID         string `json:"withdrawal_id"`
	Code                 string `json:"code"`
	UserID               string `json:"user_id"`
	Amount               int64  `json:"amount"`
	Currency             string `json:"currency"`
	Status               string `json:"status"`
	TransactionReference string `json:"transaction_reference,omitempty"`
	RejectionReason      string `json:"rejection_reason,omitempty"`
	TraceID              string `json:"trace_id,omitempty"`
}

// NewWithdrawalTask builds the notification:withdrawal task. The task id
// makes re-enqueueing the same transition a no-op.
func NewWithdrawalTask(p WithdrawalPayload) (*asynq.Task, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(taskname.NotificationWithdrawal, b,
		asynq.Queue(taskname.QueueLow),
		asynq.MaxRetry(5),
		asynq.TaskID("withdrawal:"+p.WithdrawalID+":"+p.Status),
		asynq.Retention(24*time.Hour),
	), nil
}
