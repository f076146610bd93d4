// Package api exposes the harness over HTTP.
//
// Endpoints:
//
//	GET  /api/status          current run state
//	GET  /api/presets         available preset scenarios
//	POST /api/scenario/start  start a preset in the background
//	POST /api/scenario/stop   cancel the running scenario
//	GET  /api/results         sealed results in completion order
//	GET  /api/summary         aggregate over all results
//	GET  /metrics             Prometheus metrics
//	     /ws                  live events over WebSocket
//
// Only one scenario runs at a time.
package api
