// Package idheaders extracts and propagates the X-IWP-* protocol headers
// that carry ProductID/RequestID/instance coordinates between instances,
// agents and clients: pull a few fields off the request, stash them on
// the context, and hand typed accessors to handlers.
package idheaders

import (
	"context"
	"net/http"
)

// Header names as they ride over the wire. Header lookups in net/http are
// case-insensitive, so the mixed case below is cosmetic, matching the wire
// names a packet capture would show.
const (
	HeaderProductID   = "X-IWP-ProductUnivId"
	HeaderRequestID   = "X-IWP-RequestId"
	HeaderResponsecode = "X-iwp-responsecode"
	HeaderResponseType = "X-IWP-ResponseType"
	HeaderIsRecycle   = "X-IWP-IsRecycle"
	HeaderReason      = "X-IWP-Reason"
	HeaderHost        = "X-IWP-Host"
	HeaderPort        = "X-IWP-Port"
	HeaderHosts       = "X-IWP-Hosts"
	HeaderPorts       = "X-IWP-Ports"
	HeaderRangeSize   = "X-IWP-Range-Size"
	HeaderRangeFrom   = "X-IWP-Range-From"
	HeaderRangeTo     = "X-IWP-Range-To"
)

type contextKey int

const (
	productIDKey contextKey = iota
	requestIDKey
)

// ProductID returns the caller-asserted ProductID header, empty if absent.
func ProductID(r *http.Request) string {
	return r.Header.Get(HeaderProductID)
}

// RequestID returns the caller-asserted RequestID header, empty if absent.
func RequestID(r *http.Request) string {
	return r.Header.Get(HeaderRequestID)
}

// WithIdentity stashes ProductID/RequestID on the context so downstream
// logging can attach them without re-parsing headers.
func WithIdentity(ctx context.Context, productID, requestID string) context.Context {
	ctx = context.WithValue(ctx, productIDKey, productID)
	ctx = context.WithValue(ctx, requestIDKey, requestID)
	return ctx
}

// ProductIDFromContext extracts the ProductID stashed by WithIdentity.
func ProductIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(productIDKey).(string)
	return v
}

// RequestIDFromContext extracts the RequestID stashed by WithIdentity.
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}
