/*
Package metrics exposes Prometheus metrics for the dirstore write path:
retry pressure on the orchestrator, cache effectiveness, checkpoint and
change-log activity.

Every metric is a package-level prometheus.Collector variable,
registered once via metrics.Register() from cmd/dirstored's startup
sequence. Code elsewhere in the module never calls MustRegister
directly — it imports the variables and calls Inc/Observe/Set on them.

# Metrics Reference

dirstore_write_retries_total{op}:
  - Type: Counter
  - Labels: op (add, modify, modrdn, delete)
  - Description: deadlock-retry attempts by the write orchestrator
  - Example: dirstore_write_retries_total{op="add"} 12

dirstore_write_duration_seconds{op}:
  - Type: Histogram
  - Labels: op
  - Description: end-to-end write latency including retries

dirstore_writes_total{op,outcome}:
  - Type: Counter
  - Labels: op, outcome (committed, aborted)
  - Description: completed write operations by kind and outcome

dirstore_cache_entries:
  - Type: Gauge
  - Description: entry count held in the entry cache; nothing in this
    module sets it, so it reads 0

dirstore_cache_hits_total / dirstore_cache_misses_total:
  - Type: Counter
  - Description: entry cache effectiveness

dirstore_checkpoints_total:
  - Type: Counter
  - Description: backend checkpoints; the KV backend takes no
    checkpoints and nothing in this module increments it, so it reads 0

dirstore_changelog_appends_total{changetype}:
  - Type: Counter
  - Labels: changetype (add, modify, modrdn, delete)
  - Description: change log records appended

# Usage

	import "github.com/rcastellor/dirstore/pkg/metrics"

	func main() {
		metrics.Register()
		http.Handle("/metrics", metrics.Handler())
	}

Timing a write:

	timer := metrics.NewTimer()
	err := orchestrator.Add(ctx, e)
	timer.ObserveDurationVec(metrics.WriteDuration, "add")

# Suggested Queries

  - Retry rate: rate(dirstore_write_retries_total[1m])
  - p95 write latency: histogram_quantile(0.95, dirstore_write_duration_seconds_bucket)
  - Cache hit ratio: rate(dirstore_cache_hits_total[5m]) / (rate(dirstore_cache_hits_total[5m]) + rate(dirstore_cache_misses_total[5m]))
  - Checkpoint rate: rate(dirstore_checkpoints_total[5m])
*/
package metrics
