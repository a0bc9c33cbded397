// Package transport delivers single measurement records to the collection
// endpoint and classifies the result into the outcomes the dispatcher acts
// on.
package transport

import (
	"context"
	"net/http"

	"aeris-agent/internal/record"
)

// Outcome is the classified result of one delivery attempt.
type Outcome int

const (
	// Delivered means the backend stored the record.
	Delivered Outcome = iota
	// AlreadyExists means the backend already holds a record with the same
	// (device, sensor kind, measured_at) key. Terminal success.
	AlreadyExists
	// ClientError means the backend refused the record (auth, validation).
	// Retrying will not help.
	ClientError
	// Transient means the attempt failed in a way that may succeed later
	// (5xx, timeout, connection error).
	Transient
	// Offline means the link was down and no attempt was made.
	Offline
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case AlreadyExists:
		return "already_exists"
	case ClientError:
		return "client_error"
	case Transient:
		return "transient"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// Succeeded reports whether the record can be discarded: Delivered and
// AlreadyExists are treated identically.
func (o Outcome) Succeeded() bool {
	return o == Delivered || o == AlreadyExists
}

// Retryable reports whether the record must be kept for a later attempt.
func (o Outcome) Retryable() bool {
	return o == Transient || o == Offline
}

// Adapter performs one authenticated delivery attempt. Implementations must
// bound the call in time and map every failure to an Outcome; Deliver
// never panics and never blocks indefinitely.
type Adapter interface {
	Deliver(ctx context.Context, deviceID string, r record.Record) Outcome
}

// Link is the connectivity precheck an adapter consults before touching
// the network.
type Link interface {
	IsConnected() bool
}

// Classify maps an HTTP status code to an Outcome.
func Classify(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return Delivered
	case status == http.StatusConflict:
		return AlreadyExists
	case status >= 400 && status < 500:
		return ClientError
	default:
		return Transient
	}
}
