/*
Package metrics provides Prometheus instrumentation, health endpoints, and a
registry gauge collector for aegis runtimes.

Each runtime builds its own Metrics sink on a private Prometheus registry,
so several runtimes can live in one process without registration collisions.
The sink covers RPC traffic, event and command processing, registry
heartbeats, election transitions, and supervised task restarts; Handler
exposes it for scraping.

Health tracks per-component health with /health, /ready, and /live handlers.
Readiness requires the critical components (broker and registry by default)
to be registered and healthy.

Collector samples the service registry on an interval and publishes
per-service instance counts.
*/
package metrics
