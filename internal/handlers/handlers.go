// Package handlers implements the four HTTP endpoints that drive the
// Registry and Relay together: Agent_ready, Agent_reply, Client, and
// Agent_ping. The InstanceDirectory's own endpoints (hello, range, connect,
// connected, find) live on *directory.Directory instead and are wired
// alongside these in cmd/server/main.go's router setup.
//
// Errors are reported header-only (status code plus an X-IWP-Reason
// header), never as a JSON or text body, matching the rest of the
// protocol's empty-body convention.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ashureev/iwp-relay/internal/config"
	"github.com/ashureev/iwp-relay/internal/directory"
	"github.com/ashureev/iwp-relay/internal/idheaders"
	"github.com/ashureev/iwp-relay/internal/registry"
	"github.com/ashureev/iwp-relay/internal/relay"
	"github.com/ashureev/iwp-relay/internal/relayerr"
	"github.com/ashureev/iwp-relay/internal/streamio"
)

// Handler holds the per-instance dependencies every endpoint needs.
type Handler struct {
	reg    *registry.Registry
	dir    *directory.Directory
	cfg    *config.Config
	logger *slog.Logger
}

// New builds a Handler bound to one instance's Registry and Directory.
func New(reg *registry.Registry, dir *directory.Directory, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{reg: reg, dir: dir, cfg: cfg, logger: logger}
}

// badRequest answers a request missing a required ProductID or RequestID
// header; this never reaches the Registry so there is no Interaction to
// tear down.
func (h *Handler) badRequest(w http.ResponseWriter, reason string) {
	h.logger.Info("malformed request", "reason", reason)
	status, _ := relayerr.Classify(relayerr.ErrMalformedRequest)
	w.Header().Set(idheaders.HeaderReason, reason)
	w.WriteHeader(status)
}

// requestLogger returns h.logger with whatever ProductID/RequestID the
// caller stashed via idheaders.WithIdentity attached as fields, so every
// log line for one request carries the same identity without re-deriving
// it at each call site.
func (h *Handler) requestLogger(ctx context.Context) *slog.Logger {
	l := h.logger
	if pid := idheaders.ProductIDFromContext(ctx); pid != "" {
		l = l.With("product_id", pid)
	}
	if rid := idheaders.RequestIDFromContext(ctx); rid != "" {
		l = l.With("request_id", rid)
	}
	return l
}

// relayRequestLeg performs the client->agent leg of a freshly paired
// Interaction: it allocates the Interaction, pumps the client's body into
// the agent's response, and on success arms the timeout_no_reply timer on
// the client side. On failure (the client disconnected mid-upload) it
// aborts the Interaction and tells the agent side its upload never
// arrived. Returns nil on failure; the caller is responsible for waking
// whichever side was blocked waiting for this pairing.
func (h *Handler) relayRequestLeg(ctx context.Context, clientConn, agentConn *streamio.Conn, productID string) *registry.Interaction {
	in := h.reg.NewInteraction(productID, clientConn)
	_, err := relay.Pump(clientConn, agentConn, relay.Options{
		RequestID:   in.RequestID,
		BufferSizes: h.cfg.BufferSize,
	})
	if err != nil {
		h.requestLogger(ctx).With("request_id", in.RequestID).Warn("request leg failed", "error", err)
		h.reg.Abort(in)
		agentConn.Fail(http.StatusServiceUnavailable, idheaders.HeaderReason, "source-closed")
		return nil
	}
	h.reg.ArmNoReplyTimeout(in, h.cfg.Timeout.NoReply, func() {
		clientConn.Fail(http.StatusGatewayTimeout, idheaders.HeaderIsRecycle, "1")
		h.reg.Recycle(in)
	})
	return in
}

// awaitReply blocks the Client handler's goroutine until the Interaction
// reaches a terminal state (the reply leg finished, was recycled, or was
// aborted) or the client's own connection drops first, in which case the
// Interaction is aborted so a later, now-orphaned /agentreply does not
// find it waiting forever.
func (h *Handler) awaitReply(ctx context.Context, in *registry.Interaction) {
	select {
	case <-in.Done():
	case <-ctx.Done():
		h.reg.Abort(in)
	}
}
