package oracle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mirrorRecords = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "questledger_oracle_mirror_records",
		Help: "Oracle mirror records by status as of the last reconciliation report.",
	}, []string{"status"})

	mirrorOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "questledger_oracle_mirror_outcomes_total",
		Help: "Terminal outcomes of oracle mirror attempts.",
	}, []string{"kind", "status"})
)
