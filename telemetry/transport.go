package telemetry

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

// OperationFunc names the storage operation a request performs.
type OperationFunc func(req *http.Request) string

// InstrumentedTransport wraps an http.RoundTripper with remote storage
// request metrics labelled by provider and operation.
type InstrumentedTransport struct {
	base      http.RoundTripper
	provider  string
	operation OperationFunc
}

// NewInstrumentedTransport creates a transport for a storage provider. If base
// is nil, http.DefaultTransport is used. If operation is nil, requests are
// labelled by their lower-cased method.
func NewInstrumentedTransport(base http.RoundTripper, provider string, operation OperationFunc) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if operation == nil {
		operation = func(req *http.Request) string { return strings.ToLower(req.Method) }
	}
	return &InstrumentedTransport{base: base, provider: provider, operation: operation}
}

// NewS3Transport creates a transport that labels requests with the S3 API
// call they make.
func NewS3Transport(base http.RoundTripper) *InstrumentedTransport {
	return NewInstrumentedTransport(base, "s3", S3Operation)
}

// S3Operation maps an S3 REST request to the API call used by the object
// document tree: bucket_location, list, delete_objects, stat, get, put or
// delete.
func S3Operation(req *http.Request) string {
	q := req.URL.Query()
	switch {
	case q.Has("location"):
		return "bucket_location"
	case req.Method == http.MethodGet && (q.Has("list-type") || q.Has("prefix") || q.Has("delimiter")):
		return "list"
	case req.Method == http.MethodPost && q.Has("delete"):
		return "delete_objects"
	}
	switch req.Method {
	case http.MethodHead:
		return "stat"
	case http.MethodGet:
		return "get"
	case http.MethodPut:
		return "put"
	case http.MethodDelete:
		return "delete"
	default:
		return strings.ToLower(req.Method)
	}
}

// RoundTrip implements http.RoundTripper with metrics recording.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	op := t.operation(req)
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		outcome := "error"
		if req.Context().Err() != nil {
			outcome = "canceled"
		}
		RecordRemoteRequest(req.Context(), t.provider, op, time.Since(start), 0, outcome)
		return nil, err
	}

	outcome := "success"
	switch {
	case resp.StatusCode >= 500:
		outcome = "5xx"
	case resp.StatusCode == http.StatusNotFound:
		// A missing key or marker is an expected answer to stat and get.
		outcome = "not_found"
	case resp.StatusCode >= 400:
		outcome = "4xx"
	}

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		provider:   t.provider,
		operation:  op,
		start:      start,
		outcome:    outcome,
	}
	return resp, nil
}

// instrumentedBody records the request once its body is closed.
type instrumentedBody struct {
	io.ReadCloser
	ctx       context.Context
	provider  string
	operation string
	start     time.Time
	bytes     int64
	outcome   string
	recorded  bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		RecordRemoteRequest(b.ctx, b.provider, b.operation, time.Since(b.start), b.bytes, b.outcome)
	}
	return b.ReadCloser.Close()
}
