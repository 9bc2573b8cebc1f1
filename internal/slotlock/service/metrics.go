package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	acquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slotlock_acquire_total",
		Help: "Total lock acquisition attempts grouped by outcome.",
	}, []string{"result"})

	finalizeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slotlock_finalize_total",
		Help: "Total lock finalizations grouped by outcome.",
	}, []string{"result"})
)
