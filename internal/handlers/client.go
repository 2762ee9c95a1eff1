package handlers

import (
	"context"
	"net/http"

	"github.com/ashureev/iwp-relay/internal/idheaders"
	"github.com/ashureev/iwp-relay/internal/streamio"
)

// HandleClient implements POST /client/<any>, the instance-local
// rendezvous loop. Unlike /client (the cluster-level entry served by
// directory.Directory.HandleClientEntry), this endpoint may itself pair
// with a waiting agent, briefly wait on this instance's own
// AgentCacheEntry, or redirect via the Directory as a last resort.
func (h *Handler) HandleClient(w http.ResponseWriter, r *http.Request) {
	productID := idheaders.ProductID(r)
	if productID == "" {
		h.badRequest(w, "missing-product-id")
		return
	}
	conn := streamio.New(w, r)
	ctx := idheaders.WithIdentity(r.Context(), productID, idheaders.RequestID(r))
	h.clientLoop(ctx, conn, productID)
}

func (h *Handler) clientLoop(ctx context.Context, conn *streamio.Conn, productID string) {
	for {
		if aw := h.reg.GetAgent(productID); aw != nil {
			in := h.relayRequestLeg(ctx, conn, aw.Conn, productID)
			aw.Paired <- struct{}{}
			if in == nil {
				return
			}
			h.awaitReply(ctx, in)
			return
		}

		inst, known := h.reg.Location(productID)
		ownsLocally := known && inst == h.dir.Self()

		if ownsLocally && h.reg.HasCache(productID) {
			cw := h.reg.AddClient(productID, "", conn)
			timedOut := make(chan struct{})
			h.reg.ArmClientTimeout(cw, h.cfg.Timeout.Client, func() { close(timedOut) })

			select {
			case in := <-cw.Paired:
				if in == nil {
					return
				}
				h.awaitReply(ctx, in)
				return
			case <-timedOut:
				h.reg.RemoveClient(cw)
				continue
			case <-ctx.Done():
				h.reg.RemoveClient(cw)
				return
			}
		}

		if !ownsLocally {
			if target, ok := h.dir.FindDesktop(ctx, productID); ok {
				conn.ResponseWriter().Header().Set(idheaders.HeaderHost, target.Server)
				conn.ResponseWriter().Header().Set(idheaders.HeaderPort, target.Port)
				conn.ResponseWriter().WriteHeader(http.StatusOK)
				return
			}
		}

		conn.ResponseWriter().Header().Set(idheaders.HeaderResponseType, "0")
		conn.ResponseWriter().WriteHeader(http.StatusOK)
		return
	}
}
