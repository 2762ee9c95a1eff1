package handlers

import (
	"net/http"

	"github.com/ashureev/iwp-relay/internal/idheaders"
	"github.com/ashureev/iwp-relay/internal/relay"
	"github.com/ashureev/iwp-relay/internal/relayerr"
	"github.com/ashureev/iwp-relay/internal/streamio"
)

// HandleAgentReady implements POST /agent/<any>. If a client is already
// waiting for this ProductID, this request's own response body becomes
// the forwarded client body and the call returns once that leg drains. If
// not, the request parks as a WaitingAgent until a client arrives, the
// timeout_agent timer fires (X-IWP-ResponseType: 0), or the connection
// closes.
func (h *Handler) HandleAgentReady(w http.ResponseWriter, r *http.Request) {
	productID := idheaders.ProductID(r)
	if productID == "" {
		h.badRequest(w, "missing-product-id")
		return
	}
	agentConn := streamio.New(w, r)
	ctx := idheaders.WithIdentity(r.Context(), productID, idheaders.RequestID(r))

	if cw := h.reg.GetClient(productID); cw != nil {
		in := h.relayRequestLeg(ctx, cw.Conn, agentConn, productID)
		cw.Paired <- in
		return
	}

	aw := h.reg.AddWait(productID, idheaders.RequestID(r), agentConn)
	fired := make(chan struct{})
	h.reg.ArmAgentTimeout(aw, h.cfg.Timeout.Agent, func() {
		h.reg.RemoveWait(aw)
		if !agentConn.Closed() {
			agentConn.ResponseWriter().Header().Set(idheaders.HeaderResponseType, "0")
			agentConn.ResponseWriter().WriteHeader(http.StatusOK)
			agentConn.Close()
		}
		close(fired)
	})

	select {
	case <-aw.Paired:
	case <-fired:
	case <-ctx.Done():
		h.reg.RemoveWait(aw)
	}
}

// HandleAgentReply implements POST /agentreply/<any>. It claims the reply
// leg of the named Interaction and pumps this request's body into the
// still-open client response. Responds 501 if the RequestID is already
// being replied to, 502 if the Interaction or its client is gone.
func (h *Handler) HandleAgentReply(w http.ResponseWriter, r *http.Request) {
	productID := idheaders.ProductID(r)
	requestID := idheaders.RequestID(r)
	if requestID == "" {
		h.badRequest(w, "missing-request-id")
		return
	}

	ctx := idheaders.WithIdentity(r.Context(), productID, requestID)

	in, err := h.reg.AttachReply(requestID, productID)
	if err != nil {
		status, reason := relayerr.Classify(err)
		w.Header().Set(idheaders.HeaderReason, reason)
		w.WriteHeader(status)
		return
	}

	agentConn := streamio.New(w, r)
	_, err = relay.Pump(agentConn, in.ClientConn, relay.Options{
		RequestID:    requestID,
		SourceFinish: true,
		BufferSizes:  h.cfg.BufferSize,
	})
	if err != nil {
		h.requestLogger(ctx).Warn("reply leg failed", "error", err)
		h.reg.Abort(in)
		agentConn.Fail(http.StatusServiceUnavailable, idheaders.HeaderReason, "client-closed")
		return
	}
	h.reg.Complete(in)
}
