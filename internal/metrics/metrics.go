// SPDX-License-Identifier: LGPL-3.0-or-later

// Package metrics exposes Prometheus instrumentation for the
// federation core: push/pull throughput and rejection reasons, HLC
// drift rejections, per-peer fan-out failures, and outbound queue
// depth. Every metric registers against Registry, which server.go
// serves over /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "deepnet"

// Registry is the collector registry every metric in this package
// registers against.
var Registry = prometheus.NewRegistry()
