package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FixesValidated количество фиксов, прошедших проверку координат
	FixesValidated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geolog_validation_fixes_validated_total",
		Help: "Number of location fixes that passed validation",
	})

	// FixesRejected количество отклоненных фиксов по причине
	FixesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geolog_validation_fixes_rejected_total",
		Help: "Number of location fixes rejected before reaching the engine",
	}, []string{"reason"})
)

// RecordFixValidated отмечает принятый фикс
func RecordFixValidated() {
	FixesValidated.Inc()
}

// RecordFixRejected отмечает отклоненный фикс
func RecordFixRejected(reason string) {
	FixesRejected.WithLabelValues(reason).Inc()
}
