package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/miretskiy/fluidstone/fluid"
)

func initMetrics() *fluid.Collectors {
	metrics := fluid.NewCollectors()
	metrics.Register(prometheus.DefaultRegisterer)
	return metrics
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
