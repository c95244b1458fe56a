package commission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"rental-payouts/pkg/errutil"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

func decodeBookingEvent(t *asynq.Task) (BookingEventPayload, error) {
	var payload BookingEventPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	return payload, nil
}

// skipIfInput stops retries for errors the same payload will always hit.
func skipIfInput(err error) error {
	var be errutil.BaseError
	if errors.As(err, &be) && (be.Code == errutil.StatusBadRequest || be.Code == errutil.StatusValidationFailed) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

func (s *Service) HandleBookingPaid(ctx context.Context, t *asynq.Task) error {
	payload, err := decodeBookingEvent(t)
	if err != nil {
		zap.L().Error("dropping booking task", zap.String("task_type", t.Type()), zap.Error(err))
		return err
	}

	zapLog := zap.L().With(
		zap.String("task_type", t.Type()),
		zap.String("booking_id", payload.Booking.ID),
		zap.String("trace_id", payload.TraceID),
	)

	res, err := s.AccrueBooking(ctx, payload.Booking)
	if err != nil {
		zapLog.Error("failed to accrue booking", zap.Error(err))
		return skipIfInput(err)
	}

	zapLog.Info("booking paid handled", zap.Bool("eligible", res.Eligible), zap.Bool("duplicate", res.Duplicate))
	return nil
}

func (s *Service) HandleBookingRefunded(ctx context.Context, t *asynq.Task) error {
	payload, err := decodeBookingEvent(t)
	if err != nil {
		zap.L().Error("dropping booking task", zap.String("task_type", t.Type()), zap.Error(err))
		return err
	}

	zapLog := zap.L().With(
		zap.String("task_type", t.Type()),
		zap.String("booking_id", payload.Booking.ID),
		zap.String("trace_id", payload.TraceID),
	)

	res, err := s.ReverseBooking(ctx, payload.Booking.ID)
	if err != nil {
		zapLog.Error("failed to reverse booking", zap.Error(err))
		return skipIfInput(err)
	}

	zapLog.Info("booking refund handled", zap.Int("reversed", len(res.Reversed)), zap.Int("flagged", len(res.Flagged)))
	return nil
}
