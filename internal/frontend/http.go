package frontend

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/colabio/collab-core/internal/access"
	"github.com/colabio/collab-core/internal/collab"
	"github.com/colabio/collab-core/internal/manager"
	"github.com/colabio/collab-core/internal/wire"
)

// HTTPFallback answers init-sync requests too large for the wire-frame
// transport. A client that would need to send a payload over
// wire.MaxFrameBytes posts the same frame shape to this endpoint instead
// and gets the diff back synchronously in the response body, bypassing
// the Outbound Sink entirely since there is no live connection to queue
// against.
type HTTPFallback struct {
	Manager *manager.Manager
	Tokens  *access.TokenResolver
	Access  access.Resolver
}

// RegisterRoutes mounts the fallback endpoint on router, mirroring the
// teacher's pattern of mounting a gorilla/mux router under the server's
// own HTTP mux rather than using http.ServeMux directly.
func (h *HTTPFallback) RegisterRoutes(mux_ *mux.Router) {
	mux_.
		Path("/collab/{workspace}/{object}/init").
		Methods("POST").
		HandlerFunc(h.serveInit)
}

func (h *HTTPFallback) serveInit(w http.ResponseWriter, r *http.Request) {
	var vars = mux.Vars(r)
	var id = collab.ID{WorkspaceID: vars["workspace"], ObjectID: vars["object"]}

	var principal, err = h.authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	allowed, err := h.Access.CanRecv(r.Context(), principal.UID, id)
	if err != nil {
		http.Error(w, fmt.Sprintf("checking permission: %v", err), http.StatusInternalServerError)
		return
	}
	if !allowed {
		http.Error(w, "permission denied", http.StatusForbidden)
		return
	}

	var body, readErr = io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if readErr != nil {
		http.Error(w, fmt.Sprintf("reading body: %v", readErr), http.StatusBadRequest)
		return
	}
	var req, decodeErr = wire.Decode(body)
	if decodeErr != nil {
		http.Error(w, fmt.Sprintf("decoding frame: %v", decodeErr), http.StatusBadRequest)
		return
	}
	if req.Kind != wire.KindInitSync {
		http.Error(w, "expected an init-sync frame", http.StatusBadRequest)
		return
	}

	g, err := h.Manager.Ensure(r.Context(), id)
	if err != nil {
		http.Error(w, fmt.Sprintf("resolving object: %v", err), http.StatusInternalServerError)
		return
	}

	diff, err := g.AnswerInit(r.Context(), req.Payload)
	if err != nil {
		http.Error(w, fmt.Sprintf("computing init-sync diff: %v", err), http.StatusInternalServerError)
		return
	}

	var resp, encodeErr = wire.Encode(&wire.Frame{
		ObjectID: id.ObjectID,
		Kind:     wire.KindInitSync,
		Payload:  diff,
	})
	if encodeErr != nil {
		http.Error(w, fmt.Sprintf("encoding response: %v", encodeErr), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp); err != nil {
		log.WithError(err).Debug("http fallback: writing response body failed")
	}
}

func (h *HTTPFallback) authenticate(r *http.Request) (collab.Principal, error) {
	var authz = r.Header.Get("Authorization")
	var token, ok = strings.CutPrefix(authz, "Bearer ")
	if !ok || token == "" {
		return collab.Principal{}, fmt.Errorf("missing bearer token")
	}
	return h.Tokens.Resolve(token)
}
