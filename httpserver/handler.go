package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ruteri/tee-vm-provisioning/interfaces"
	"github.com/ruteri/tee-vm-provisioning/keys"
	"github.com/ruteri/tee-vm-provisioning/vm"
	"github.com/ruteri/tee-vm-provisioning/vmhost"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// VMProvisioner provisions and deletes the protected download VM.
type VMProvisioner interface {
	Provision(ctx context.Context, req vm.ProvisionRequest) (*interfaces.VMDescriptor, error)
	Delete(ctx context.Context, req vm.DeleteRequest) error
}

// AttestRequest is the body of the attest endpoint.
type AttestRequest struct {
	ContentBinding string `json:"content_binding"`
}

// PublicKeyResponse describes the public keyset stored for the VM.
type PublicKeyResponse struct {
	PublicKeyset []byte `json:"public_keyset"`
	StableHash   string `json:"stable_hash,omitempty"`
}

// Handler serves the provisioning API.
type Handler struct {
	provisioner VMProvisioner
	states      interfaces.StateStore
	keyMgr      *keys.Manager
	attestation interfaces.AttestationClient
	log         *slog.Logger
}

// NewHandler creates a handler. keyMgr is optional and only used to report
// the stable hash of the stored VM key.
func NewHandler(provisioner VMProvisioner, states interfaces.StateStore, keyMgr *keys.Manager, attestation interfaces.AttestationClient, log *slog.Logger) *Handler {
	return &Handler{
		provisioner: provisioner,
		states:      states,
		keyMgr:      keyMgr,
		attestation: attestation,
		log:         log,
	}
}

// HandleProvision provisions the VM and returns its descriptor.
//
// URL format: POST /api/v1/vm/provision
// Request body: {"apk_path": "...", "payload_path": "..."}
func (h *Handler) HandleProvision(w http.ResponseWriter, r *http.Request) {
	var req vm.ProvisionRequest
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	desc, err := h.provisioner.Provision(r.Context(), req)
	if err != nil {
		h.log.Error("Provisioning request failed", "err", err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	h.writeJSON(w, desc)
}

// HandleDelete deletes the VM. An empty body deletes the default VM.
//
// URL format: POST /api/v1/vm/delete
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	var req vm.DeleteRequest
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.provisioner.Delete(r.Context(), req); err != nil {
		h.log.Error("Delete request failed", "err", err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	h.writeJSON(w, map[string]string{"status": "deleted"})
}

// HandlePublicKey returns the public keyset persisted by the last provisioning.
//
// URL format: GET /api/v1/vm/public_key
func (h *Handler) HandlePublicKey(w http.ResponseWriter, r *http.Request) {
	state, err := h.states.ReadState(r.Context(), interfaces.VMClientID)
	if err != nil {
		h.log.Error("Failed to read vm state", "err", err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	if state == nil || len(state.ExternalKeyset) == 0 {
		http.Error(w, "No public key stored", http.StatusNotFound)
		return
	}

	resp := PublicKeyResponse{PublicKeyset: state.ExternalKeyset}
	if h.keyMgr != nil {
		if hash, err := h.stableHash(state.ExternalKeyset); err != nil {
			h.log.Warn("Stored vm key is not a valid public keyset", "err", err)
		} else {
			resp.StableHash = hash.String()
		}
	}

	h.writeJSON(w, resp)
}

func (h *Handler) stableHash(data []byte) (keys.StableKeyHash, error) {
	pub, err := h.keyMgr.LoadPublic(data)
	if err != nil {
		return keys.StableKeyHash{}, err
	}
	return keys.StableHash(pub)
}

// HandleAttest requests a measurement bound to the given content.
//
// URL format: POST /api/v1/attest
// Request body: {"content_binding": "..."}
func (h *Handler) HandleAttest(w http.ResponseWriter, r *http.Request) {
	var req AttestRequest
	if err := decodeBody(w, r, &req); err != nil || req.ContentBinding == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := h.attestation.RequestMeasurementWithContentBinding(r.Context(), req.ContentBinding)
	if err != nil {
		h.log.Error("Attestation request failed", "err", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(resp)
		return
	}

	h.writeJSON(w, resp)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	return json.NewDecoder(r.Body).Decode(v)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

// statusFor maps provisioning errors to HTTP status codes.
func statusFor(err error) int {
	var (
		storageErr   *interfaces.StorageError
		lifecycleErr *interfaces.VMLifecycleError
	)
	switch {
	case errors.Is(err, interfaces.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, vm.ErrInvalidRequest), errors.Is(err, vmhost.ErrInvalidVMName):
		return http.StatusBadRequest
	case errors.As(err, &storageErr):
		return http.StatusInternalServerError
	case errors.As(err, &lifecycleErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
