package sim

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ccheshirecat/hostagent/internal/server/hostagent/hypervisor"
)

// Handler serves a Hypervisor over the HTTP/JSON RPC surface that
// rpcclient speaks.
type Handler struct {
	hv    *Hypervisor
	token string
}

// NewHandler constructs a router for hv. A non-empty token enables bearer
// authentication.
func NewHandler(hv *Hypervisor, token string) http.Handler {
	h := &Handler{hv: hv, token: strings.TrimSpace(token)}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(h.authenticate)

		r.Get("/v1/host", h.handleHost)
		r.Post("/v1/host/ownership", h.handleOwnership)

		r.Get("/v1/vms", h.handleListVMs)
		r.Post("/v1/vms", h.handleCreateVM)
		r.Delete("/v1/vms/{name}", h.handleDeleteVM)
		r.Post("/v1/vms/{name}/start", h.handleStartVM)
		r.Post("/v1/vms/{name}/stop", h.handleStopVM)
		r.Post("/v1/vms/{name}/reboot", h.handleRebootVM)
		r.Post("/v1/vms/{name}/migrate", h.handleMigrateVM)
		r.Get("/v1/vms/{name}/vnc", h.handleVNC)

		r.Post("/v1/pool/filesystems", h.handleCreateFilesystem)
		r.Post("/v1/pool", h.handleCreatePool)
		r.Post("/v1/pool/join", h.handleJoinPool)
		r.Get("/v1/pool/members", h.handleListMembers)
		r.Put("/v1/pool/members", h.handleSetMembers)
	})

	return r
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" && r.Header.Get("Authorization") != "Bearer "+h.token {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) handleHost(w http.ResponseWriter, r *http.Request) {
	identity, err := h.hv.HostIdentity(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (h *Handler) handleOwnership(w http.ResponseWriter, r *http.Request) {
	var req hypervisor.OwnershipRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.hv.TakeOwnership(r.Context(), req.OwnerID); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListVMs(w http.ResponseWriter, r *http.Request) {
	vms, err := h.hv.ListVMs(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vms)
}

func (h *Handler) handleCreateVM(w http.ResponseWriter, r *http.Request) {
	var req hypervisor.CreateVMRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.hv.CreateVM(r.Context(), req.PoolID, req.Definition); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) handleDeleteVM(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.hv.DeleteVM(r.Context(), r.URL.Query().Get("pool_id"), name); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStartVM(w http.ResponseWriter, r *http.Request) {
	var req hypervisor.VMActionRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.hv.StartVM(r.Context(), req.PoolID, chi.URLParam(r, "name")); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStopVM(w http.ResponseWriter, r *http.Request) {
	var req hypervisor.VMActionRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.hv.StopVM(r.Context(), req.PoolID, chi.URLParam(r, "name")); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRebootVM(w http.ResponseWriter, r *http.Request) {
	var req hypervisor.VMActionRequest
	if !decode(w, r, &req) {
		return
	}
	port, err := h.hv.RebootVM(r.Context(), req.PoolID, chi.URLParam(r, "name"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hypervisor.VNCPortResponse{VNCPort: port})
}

func (h *Handler) handleMigrateVM(w http.ResponseWriter, r *http.Request) {
	var req hypervisor.VMActionRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.DestIP) == "" {
		writeError(w, http.StatusBadRequest, "dest_ip required")
		return
	}
	if err := h.hv.MigrateVM(r.Context(), req.PoolID, chi.URLParam(r, "name"), req.DestIP); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleVNC(w http.ResponseWriter, r *http.Request) {
	port, err := h.hv.VNCPort(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hypervisor.VNCPortResponse{VNCPort: port})
}

func (h *Handler) handleCreateFilesystem(w http.ResponseWriter, r *http.Request) {
	var req hypervisor.PooledFilesystem
	if !decode(w, r, &req) {
		return
	}
	if err := h.hv.CreatePooledFilesystem(r.Context(), req); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var req hypervisor.ServerPool
	if !decode(w, r, &req) {
		return
	}
	if err := h.hv.CreateServerPool(r.Context(), req); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) handleJoinPool(w http.ResponseWriter, r *http.Request) {
	var req hypervisor.ServerPool
	if !decode(w, r, &req) {
		return
	}
	if err := h.hv.JoinServerPool(r.Context(), req); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.hv.PoolMembers(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hypervisor.MembersBody{Members: members})
}

func (h *Handler) handleSetMembers(w http.ResponseWriter, r *http.Request) {
	var req hypervisor.MembersBody
	if !decode(w, r, &req) {
		return
	}
	if err := h.hv.SetMembershipList(r.Context(), req.Members); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeFailure(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, hypervisor.ErrVMNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrOwnershipConflict), errors.Is(err, ErrVMExists), errors.Is(err, ErrPoolExists):
		status = http.StatusConflict
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, hypervisor.ErrorResponse{Error: message})
}
