package matching

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var matchQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "match_query_seconds",
	Help:    "Time spent listing match candidates for a destination.",
	Buckets: prometheus.DefBuckets,
}, []string{"result"})
