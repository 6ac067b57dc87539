/*
Package metrics exposes Prometheus collectors for Conveyor's operational
surface: job throughput, per-worker invocation latency and timeouts, pipeline
node durations, broker traffic, and API request counts.

Collectors are package-level and registered in init, so any package can
record without wiring. The /metrics endpoint is served by the HTTP API via
Handler.
*/
package metrics
