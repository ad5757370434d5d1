package metrics

import "expvar"

var (
	MessagesQueued    = expvar.NewInt("mailpacer_messages_queued_total")
	SubmitErrors      = expvar.NewInt("mailpacer_submit_errors_total")
	MessagesDelivered = expvar.NewInt("mailpacer_messages_delivered_total")
	DeliveryFailures  = expvar.NewInt("mailpacer_delivery_failures_total")
	JobsSkipped       = expvar.NewInt("mailpacer_jobs_skipped_total")
	StoreErrors       = expvar.NewInt("mailpacer_store_errors_total")
	QuotaExhausted    = expvar.NewInt("mailpacer_quota_exhausted_total")
	inFlight          = expvar.NewInt("mailpacer_jobs_in_flight")
)

// IncInFlight increments the number of jobs a worker is handling.
func IncInFlight() {
	inFlight.Add(1)
}

// DecInFlight decrements the number of jobs a worker is handling.
func DecInFlight() {
	inFlight.Add(-1)
}

func InFlight() int64 {
	return inFlight.Value()
}
