package normalize

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/kenshin-ledger/internal/model"
)

var outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kenshin_normalize_outcomes_total",
	Help: "Item values normalized, by outcome status",
}, []string{"status"})

func observe(status model.NormalizeStatus) {
	outcomes.WithLabelValues(string(status)).Inc()
}
