// Package relay runs the background workers that post a rotating list of
// message bodies to one operator-owned destination on a fixed interval.
//
// A worker loops forever over its bodies until its context is canceled.
// Send failures are logged and retried on the same body after a fixed
// backoff; they never surface to the caller that spawned the worker.
package relay
