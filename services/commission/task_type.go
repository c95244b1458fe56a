package commission

import (
	"encoding/json"
	"time"

	"rental-payouts/pkg/taskname"

	"github.com/hibiken/asynq"
)

type BookingEventPayload struct {
	Booking Booking `json:"booking"`
	TraceID string  `json:"trace_id,omitempty"`
}

// NewBookingTask wraps a booking settlement event. taskType is
// taskname.BookingPaid or taskname.BookingRefunded; one task per booking and type.
func NewBookingTask(taskType string, p BookingEventPayload) (*asynq.Task, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(taskType, b,
		asynq.Queue(taskname.QueueCritical),
		asynq.MaxRetry(10),
		asynq.TaskID(taskType+":"+p.Booking.ID),
		asynq.Retention(7*24*time.Hour),
	), nil
}
