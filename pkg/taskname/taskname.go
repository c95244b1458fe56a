package taskname

const (
	// Booking settlement events
	BookingPaid     = "booking:paid"
	BookingRefunded = "booking:refunded"

	// In-app notifications
	NotificationWithdrawal = "notification:withdrawal"
)

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)
