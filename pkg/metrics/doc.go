/*
Package metrics exposes Prometheus collectors and health endpoints for the
node store.

Collectors are package-level variables registered in init, so callers record
directly:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OperationDuration, "deleteNode")

	metrics.TxnConflictsTotal.Inc()

Collector samples a StatsSource (the repository) on an interval and keeps the
gauges current. The health registry backs the /health, /ready and /live
handlers; "storage" and "repository" must be healthy before the process
reports ready.
*/
package metrics
