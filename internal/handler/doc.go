// Package handler implements the HTTP API of the topology daemon.
//
// # Endpoints
//
//	GET  /api/status                     live topology summary
//	GET  /api/topology?format=           export (json, yaml, cbor, text)
//	PUT  /api/topology?format=           import a document as the live topology
//	GET  /api/distances                  distance matrices
//	POST /api/restrict                   restrict the tree to a cpuset or nodeset
//	POST /api/discover                   run a discovery pass now
//	GET  /api/snapshots?limit=           stored snapshots, newest first
//	POST /api/snapshots                  snapshot the live topology
//	POST /api/snapshots/{id}/restore     make a snapshot the live topology
//	GET  /healthz                        liveness
//
// Errors are returned as JSON with an {error, details} body.
package handler
