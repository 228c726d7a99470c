package tracing

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sarchlab/cpring/device"
	"github.com/sarchlab/cpring/hooking"
	"github.com/sarchlab/cpring/recovery"
)

// MetricsHook exports device events as Prometheus metrics.
type MetricsHook struct {
	submissions      *prometheus.CounterVec
	submittedWords   prometheus.Counter
	contextSwitches  prometheus.Counter
	rejects          *prometheus.CounterVec
	recoverySteps    *prometheus.CounterVec
	recoveries       *prometheus.CounterVec
	recoveryDuration prometheus.Histogram
	recoveryAttempts prometheus.Histogram
	faultingContexts prometheus.Counter
	badReplays       prometheus.Counter
}

// NewMetricsHook registers the metrics on reg and returns the hook.
func NewMetricsHook(reg prometheus.Registerer) *MetricsHook {
	f := promauto.With(reg)

	return &MetricsHook{
		submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cpring_submissions_total",
			Help: "Entries written to the command ring",
		}, []string{"context"}),
		submittedWords: f.NewCounter(prometheus.CounterOpts{
			Name: "cpring_submitted_words_total",
			Help: "Words written to the command ring",
		}),
		contextSwitches: f.NewCounter(prometheus.CounterOpts{
			Name: "cpring_context_switches_total",
			Help: "Context switch entries written to the command ring",
		}),
		rejects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cpring_rejected_ibs_total",
			Help: "Indirect buffers rejected by the validator",
		}, []string{"context"}),
		recoverySteps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cpring_recovery_steps_total",
			Help: "Recovery states entered",
		}, []string{"state", "result"}),
		recoveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cpring_recoveries_total",
			Help: "Finished recoveries",
		}, []string{"result"}),
		recoveryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cpring_recovery_duration_seconds",
			Help:    "Time from hang detection to the end of a recovery",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		recoveryAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cpring_recovery_attempts",
			Help:    "Attempts needed by a recovery",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 16},
		}),
		faultingContexts: f.NewCounter(prometheus.CounterOpts{
			Name: "cpring_faulting_contexts_total",
			Help: "Contexts blamed for a hang",
		}),
		badReplays: f.NewCounter(prometheus.CounterOpts{
			Name: "cpring_bad_replays_total",
			Help: "Recoveries that completed the commands of the faulting context",
		}),
	}
}

// Func updates the metrics of the event.
func (h *MetricsHook) Func(ctx hooking.HookCtx) {
	switch item := ctx.Item.(type) {
	case device.SubmitEvent:
		h.submissions.WithLabelValues(contextLabel(item.ContextID)).Inc()
		h.submittedWords.Add(float64(item.Words))

		if item.Switch {
			h.contextSwitches.Inc()
		}
	case device.RejectEvent:
		h.rejects.WithLabelValues(contextLabel(item.ContextID)).Inc()
	case device.RecoveryStep:
		if item.State == recovery.Detecting {
			return
		}

		h.recoverySteps.WithLabelValues(
			item.State.String(), resultLabel(item.Err)).Inc()
	case device.RecoveryResult:
		h.recoveries.WithLabelValues(resultLabel(item.Err)).Inc()
		h.recoveryDuration.Observe(item.Duration.Seconds())
		h.recoveryAttempts.Observe(float64(item.Attempts))
		h.faultingContexts.Add(float64(len(item.FaultingContexts)))

		if item.BadReplayed {
			h.badReplays.Inc()
		}
	}
}

func contextLabel(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

func resultLabel(err error) string {
	if err != nil {
		return "failure"
	}

	return "success"
}
