/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const metricsNamespace = "cruze"

// metricsServer turns the metrics reported by the API server into
// prometheus histograms, and serves them over HTTP. Labels arrive as
// "name=value" strings; the label names of a metric are fixed by its first
// report.
type metricsServer struct {
	reg    *prometheus.Registry
	srv    *http.Server
	logger zerolog.Logger

	mu    sync.Mutex
	vecs  map[string]*prometheus.HistogramVec
	names map[string][]string
}

func newMetricsServer(addr string, logger zerolog.Logger) *metricsServer {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &metricsServer{
		reg: reg,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
		vecs:   make(map[string]*prometheus.HistogramVec),
		names:  make(map[string][]string),
	}
}

func splitLabels(labels []string) (names, values []string) {
	names = make([]string, 0, len(labels))
	values = make([]string, 0, len(labels))
	for _, l := range labels {
		k, v, _ := strings.Cut(l, "=")
		names = append(names, k)
		values = append(values, v)
	}
	return
}

func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (m *metricsServer) report(name string, labels []string, value float64) {
	names, values := splitLabels(labels)

	m.mu.Lock()
	vec, ok := m.vecs[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      "Values reported for " + name + ".",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}, names)
		if err := m.reg.Register(vec); err != nil {
			m.mu.Unlock()
			m.logger.Warn().Err(err).Str("metric", name).Msg("failed to register metric")
			return
		}
		m.vecs[name] = vec
		m.names[name] = names
	} else if !sameNames(m.names[name], names) {
		m.mu.Unlock()
		m.logger.Warn().Str("metric", name).Strs("labels", labels).Msg("inconsistent metric labels")
		return
	}
	m.mu.Unlock()

	vec.WithLabelValues(values...).Observe(value)
}

func (m *metricsServer) start() {
	go func() {
		m.logger.Info().Str("addr", m.srv.Addr).Msg("metrics server started")
		if err := m.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

func (m *metricsServer) stop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return m.srv.Shutdown(ctx)
}
