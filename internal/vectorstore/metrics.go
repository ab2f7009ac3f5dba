package vectorstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Query failures surface as empty result sets, so the failure counter below
// is the only place a store outage on the read path is visible.
var (
	upsertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cramd_vectorstore_upserts_total",
		Help: "Vector upserts by backend and outcome.",
	}, []string{"backend", "outcome"})

	queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cramd_vectorstore_queries_total",
		Help: "Vector queries by backend.",
	}, []string{"backend"})

	queryFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cramd_vectorstore_query_failures_total",
		Help: "Query failures returned to callers as empty result sets.",
	}, []string{"backend"})
)

func recordUpsert(backend string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	upsertsTotal.WithLabelValues(backend, outcome).Inc()
}
