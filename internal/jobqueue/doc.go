// Package jobqueue is the durable, at-least-once job queue shared by the
// HTTP process and the workers. Jobs are reserved under a visibility lease
// that the worker heartbeats; a job whose lease lapses is handed to another
// worker. Failed attempts are retried with exponential backoff and jobs that
// exhaust their attempts are retained for inspection. Lifecycle events are
// published on an EventBus so other processes can mirror job state.
package jobqueue
