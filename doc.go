// Package metricflow is a pipeline execution and metric aggregation
// engine. It splits uploaded datasets into independently retryable
// chunks, runs them through a calculation engine over NATS, merges the
// results, derives activity values, and rolls them up a hierarchical
// group tree into versioned, time-bucketed metrics with an
// always-current latest projection.
//
// The main packages:
//
//   - executor: the execution state machine (verify, calculate, merge,
//     create impacts, aggregate metrics) with persisted transitions
//   - calcengine: the calculation-engine request/reply contract with
//     retry handling
//   - hierarchy: the organizational group tree
//   - aggregate: bottom-up metric rollup under a distributed lock
//   - valuestore: SQLite persistence with conditional latest-value
//     upserts and CSV bulk loading
//   - lock: JetStream KV-backed distributed locks
//   - api: the HTTP surface
//
// The cmd/metricflow binary wires everything together.
package metricflow
