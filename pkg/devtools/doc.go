// Package devtools serves a live view of a pulse runtime over HTTP.
//
// Routes:
//
//	GET /healthz          liveness
//	GET /metrics          Prometheus exposition of the runtime's registry
//	GET /state            snapshot of every watched value
//	GET /state/{name}     snapshot of one watched value
//	GET /containers       registered subscriber containers
//	GET /storage?prefix=  persisted keys, when the backend can list them
//	GET /ws               websocket: a snapshot, then one patch per flush
//
// The websocket stream subscribes to the watched values as an object
// container, so each message carries only the values that changed:
//
//	{"type":"snapshot","values":{"count":1,"users/group/default":[...]}}
//	{"type":"patch","values":{"count":2}}
package devtools
