package delivery

import "github.com/zeromicro/go-zero/core/metric"

var (
	emailsSent = metric.NewCounterVec(&metric.CounterVecOpts{
		Namespace: "smtp_agent",
		Subsystem: "delivery",
		Name:      "emails_sent_total",
		Help:      "Total emails sent successfully",
	})

	emailsFailed = metric.NewCounterVec(&metric.CounterVecOpts{
		Namespace: "smtp_agent",
		Subsystem: "delivery",
		Name:      "emails_failed_total",
		Help:      "Total failed send attempts",
		Labels:    []string{"code"},
	})

	emailsRetried = metric.NewCounterVec(&metric.CounterVecOpts{
		Namespace: "smtp_agent",
		Subsystem: "delivery",
		Name:      "emails_retried_total",
		Help:      "Total failed attempts that were rescheduled",
	})

	emailsSkipped = metric.NewCounterVec(&metric.CounterVecOpts{
		Namespace: "smtp_agent",
		Subsystem: "delivery",
		Name:      "emails_skipped_total",
		Help:      "Total documents retired without a send",
		Labels:    []string{"reason"},
	})

	ticksSkipped = metric.NewCounterVec(&metric.CounterVecOpts{
		Namespace: "smtp_agent",
		Subsystem: "delivery",
		Name:      "ticks_skipped_total",
		Help:      "Total ticks abandoned after query failures",
	})

	tickDuration = metric.NewHistogramVec(&metric.HistogramVecOpts{
		Namespace: "smtp_agent",
		Subsystem: "delivery",
		Name:      "tick_duration_seconds",
		Help:      "Delivery tick duration in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
)
