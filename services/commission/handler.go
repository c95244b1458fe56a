package commission

import (
	"errors"
	"net/http"

	"rental-payouts/pkg/accesscontrol"
	"rental-payouts/pkg/errutil"
	"rental-payouts/pkg/middleware"
	"rental-payouts/pkg/task"
	"rental-payouts/pkg/taskname"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	EventPaid     = "paid"
	EventRefunded = "refunded"
)

var eventTasks = map[string]string{
	EventPaid:     taskname.BookingPaid,
	EventRefunded: taskname.BookingRefunded,
}

type bookingEventBody struct {
	Event   string  `json:"event" binding:"required"`
	Booking Booking `json:"booking"`
}

type referralBody struct {
	RenterID    string `json:"renter_id"`
	AffiliateID string `json:"affiliate_id"`
	Code        string `json:"code"`
}

func RegisterRoutes(r *gin.Engine, enforcer accesscontrol.Enforcer, svc *Service, enqueuer task.Enqueuer) {
	internal := r.Group("/v1/internal", middleware.Identity(), middleware.Authorize(enforcer))
	internal.POST("/bookings/events", bookingEvent(enqueuer))
	internal.POST("/referrals", recordReferral(svc))
}

// bookingEvent queues settlement events; accrual happens in the worker.
func bookingEvent(enqueuer task.Enqueuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body bookingEventBody
		if err := c.ShouldBindJSON(&body); err != nil {
			_ = c.Error(errutil.BadRequest("malformed request body", err, errutil.WithReason(ReasonInvalidInput)))
			return
		}

		taskType, ok := eventTasks[body.Event]
		if !ok {
			_ = c.Error(errutil.BadRequest("event must be paid or refunded", ErrInvalidBooking, errutil.WithReason(ReasonInvalidInput)))
			return
		}
		if body.Booking.ID == "" {
			_ = c.Error(invalidBooking("booking id is required"))
			return
		}

		ctx := c.Request.Context()
		t, err := NewBookingTask(taskType, BookingEventPayload{
			Booking: body.Booking,
			TraceID: trace.SpanContextFromContext(ctx).TraceID().String(),
		})
		if err != nil {
			_ = c.Error(err)
			return
		}

		info, err := enqueuer.Enqueue(ctx, t)
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			c.JSON(http.StatusAccepted, gin.H{"booking_id": body.Booking.ID, "event": body.Event, "duplicate": true})
			return
		}
		if err != nil {
			zap.L().Error("failed to enqueue booking event", zap.String("booking_id", body.Booking.ID), zap.Error(err))
			_ = c.Error(errutil.ServiceUnavailable("booking event could not be queued", err))
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"booking_id": body.Booking.ID, "event": body.Event, "task_id": info.ID})
	}
}

func recordReferral(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body referralBody
		if err := c.ShouldBindJSON(&body); err != nil {
			_ = c.Error(errutil.BadRequest("malformed request body", err, errutil.WithReason(ReasonInvalidInput)))
			return
		}

		ref, err := svc.RecordReferral(c.Request.Context(), body.RenterID, body.AffiliateID, body.Code)
		if err != nil {
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusCreated, ref)
	}
}
