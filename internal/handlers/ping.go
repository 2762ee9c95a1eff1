package handlers

import "net/http"

// HandlePing answers /ping, used by clients to pick the closest instance;
// it finishes empty with no Registry or Directory involvement at all.
func (h *Handler) HandlePing(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
