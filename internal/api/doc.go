// Package api hosts the HTTP handlers that front the Opticast management
// surface: collections, uploads and asset status.
//
// Handlers trust the owner identity forwarded by the upstream gateway in the
// X-Owner-Id header and delegate every write to ingest.Service or the
// injected storage.Repository. Playback credentials and the gated media tree
// live in internal/playback; rate limiting, request ids, metrics and logging
// are applied by the middleware assembled in internal/server.
package api
