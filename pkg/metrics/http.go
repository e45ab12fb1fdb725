package metrics

import "time"

// HTTPMetrics provides observability for the HTTP adapter.
//
// This interface is optional: when the adapter is given nil it uses a no-op
// implementation.
type HTTPMetrics interface {
	// RecordRequest records a completed request by method and response status.
	RecordRequest(method string, status int, duration time.Duration)

	// RecordBytesSent records response bytes (headers and body) written to a socket.
	RecordBytesSent(bytes int64)

	// RecordAuth records the outcome of a login or registration form.
	RecordAuth(action string, success bool)

	// SetActiveConnections updates the current connection count.
	SetActiveConnections(count int32)

	// SetPendingTasks updates the number of tasks queued for the worker pool.
	SetPendingTasks(count int)

	// RecordConnectionAccepted increments the accepted connections counter.
	RecordConnectionAccepted()

	// RecordConnectionClosed increments the closed connections counter.
	RecordConnectionClosed()

	// RecordConnectionEvicted increments the idle-evicted connections counter.
	RecordConnectionEvicted()

	// RecordConnectionRejected counts connections refused at accept time.
	// reason is "busy" (connection limit) or "rate" (accept rate limit).
	RecordConnectionRejected(reason string)
}

// NewNoopHTTPMetrics returns an HTTPMetrics that discards everything.
func NewNoopHTTPMetrics() HTTPMetrics {
	return noopHTTPMetrics{}
}

type noopHTTPMetrics struct{}

func (noopHTTPMetrics) RecordRequest(method string, status int, duration time.Duration) {}
func (noopHTTPMetrics) RecordBytesSent(bytes int64)                                     {}
func (noopHTTPMetrics) RecordAuth(action string, success bool)                          {}
func (noopHTTPMetrics) SetActiveConnections(count int32)                                {}
func (noopHTTPMetrics) SetPendingTasks(count int)                                       {}
func (noopHTTPMetrics) RecordConnectionAccepted()                                       {}
func (noopHTTPMetrics) RecordConnectionClosed()                                         {}
func (noopHTTPMetrics) RecordConnectionEvicted()                                        {}
func (noopHTTPMetrics) RecordConnectionRejected(reason string)                          {}
