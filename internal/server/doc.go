// Package server hosts the Opticast management API, the playback gate and
// the media tree from a single HTTP server.
//
// The server builds one middleware chain of request ids, logging, metrics,
// security headers, CORS and rate limiting so every route shares the same
// protections and instrumentation.
package server
