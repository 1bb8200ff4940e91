package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/KomaiX512/accountmanager-gate/internal/application"
	"github.com/KomaiX512/accountmanager-gate/internal/data/models"
	gateerrors "github.com/KomaiX512/accountmanager-gate/internal/errors"
	"github.com/KomaiX512/accountmanager-gate/internal/ports"
	gatetypes "github.com/KomaiX512/accountmanager-gate/internal/types"
)

const idempotencyHeader = "X-Idempotency-Key"

type Handler struct {
	gate        *application.GateService
	notifier    ports.ChangeNotifier
	idempotency ports.IdempotencyKeyStore
}

func NewHandler(gate *application.GateService, notifier ports.ChangeNotifier, idempotency ports.IdempotencyKeyStore) *Handler {
	return &Handler{
		gate:        gate,
		notifier:    notifier,
		idempotency: idempotency,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health/self", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "true"})
	})
	mux.HandleFunc("/api/1.0/gate/", h.handleAPI)
}

func (h *Handler) handleAPI(w http.ResponseWriter, r *http.Request) {
	route, ok := parseRoute(r.URL.Path)
	if !ok {
		writeErr(w, http.StatusNotFound, "route not found")
		return
	}

	switch {
	case route == "checkpoint" && r.Method == http.MethodPost:
		h.checkpoint(w, r)
	case route == "leases" && r.Method == http.MethodGet:
		h.listLeases(w, r)
	case route == "leases" && r.Method == http.MethodPost:
		h.createLease(w, r)
	case route == "overrides" && r.Method == http.MethodPost:
		h.mutateOverride(w, r)
	case route == "instances" && r.Method == http.MethodPost:
		h.mutateInstance(w, r)
	case route == "instances/unload" && r.Method == http.MethodPost:
		h.unloadAdvisory(w, r)
	case route == "events" && r.Method == http.MethodGet:
		h.streamEvents(w, r)
	default:
		writeErr(w, http.StatusNotFound, "route not found")
	}
}

func (h *Handler) checkpoint(w http.ResponseWriter, r *http.Request) {
	var req CheckpointRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Owner == "" || req.Resource == "" {
		writeErr(w, http.StatusBadRequest, "owner and resource are required")
		return
	}

	verdict := h.gate.Checkpoint(r.Context(), req.Owner, req.Resource, req.InstanceID)
	writeJSON(w, http.StatusOK, CheckpointResponse{
		Blocked:          verdict.Blocked,
		Resource:         string(verdict.Resource),
		RedirectTarget:   verdict.RedirectTarget,
		RemainingMinutes: verdict.RemainingMinutes,
		WarnOnUnload:     verdict.WarnOnUnload,
		Reassert:         verdict.Reassert,
		Reason:           verdict.Reason,
	})
}

func (h *Handler) listLeases(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	if owner == "" {
		writeErr(w, http.StatusBadRequest, "owner query param is required")
		return
	}

	leases, err := h.gate.ListLeases(r.Context(), owner)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "failed to list leases")
		return
	}

	now := time.Now()
	response := ListLeasesResponse{Data: make([]LeaseView, 0, len(leases))}
	for _, lease := range leases {
		response.Data = append(response.Data, toLeaseView(lease, now))
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) createLease(w http.ResponseWriter, r *http.Request) {
	var req CreateLeaseRequest
	hash, reused, done := h.decodeWithIdempotency(w, r, "gate/leases", &req)
	if done {
		return
	}
	if req.Owner == "" || req.Resource == "" {
		writeErr(w, http.StatusBadRequest, "owner and resource are required")
		return
	}

	lease, err := h.gate.SeedLease(r.Context(), req.Owner, req.Resource, time.Duration(req.DurationSeconds)*time.Second, req.Metadata)
	if err != nil {
		switch {
		case errors.Is(err, gateerrors.ErrUnknownResource):
			writeErr(w, http.StatusBadRequest, "resource is not protected")
		case errors.Is(err, gateerrors.ErrInvalidRequest):
			writeErr(w, http.StatusBadRequest, err.Error())
		default:
			writeErr(w, http.StatusInternalServerError, "failed to create lease")
		}
		return
	}

	response := toLeaseView(lease, time.Now())
	writeJSON(w, http.StatusCreated, response)
	if !reused {
		_ = h.idempotency.Put(r.Context(), "gate/leases", r.Header.Get(idempotencyHeader), models.IdempotencyRecord{
			RequestHash:  hash,
			StatusCode:   http.StatusCreated,
			ResponseBody: mustJSON(response),
			ContentType:  "application/json",
		})
	}
}

func (h *Handler) mutateOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	hash, reused, done := h.decodeWithIdempotency(w, r, "gate/overrides", &req)
	if done {
		return
	}
	if req.Owner == "" || req.Resource == "" {
		writeErr(w, http.StatusBadRequest, "owner and resource are required")
		return
	}

	var err error
	switch req.Action {
	case gatetypes.OverrideActionGrant:
		err = h.gate.GrantOverride(r.Context(), req.Owner, req.Resource, req.GrantedBy, req.Reason)
	case gatetypes.OverrideActionClear:
		err = h.gate.ClearOverride(r.Context(), req.Owner, req.Resource)
	default:
		writeErr(w, http.StatusBadRequest, "action must be GRANT or CLEAR")
		return
	}

	if err != nil {
		switch {
		case errors.Is(err, gateerrors.ErrUnknownResource):
			writeErr(w, http.StatusBadRequest, "resource is not protected")
		case errors.Is(err, gateerrors.ErrInvalidRequest):
			writeErr(w, http.StatusBadRequest, err.Error())
		default:
			writeErr(w, http.StatusInternalServerError, "failed to process override action")
		}
		return
	}

	response := StatusResponse{Status: string(req.Action) + "ED"}
	writeJSON(w, http.StatusOK, response)
	if !reused {
		_ = h.idempotency.Put(r.Context(), "gate/overrides", r.Header.Get(idempotencyHeader), models.IdempotencyRecord{
			RequestHash:  hash,
			StatusCode:   http.StatusOK,
			ResponseBody: mustJSON(response),
			ContentType:  "application/json",
		})
	}
}

func (h *Handler) mutateInstance(w http.ResponseWriter, r *http.Request) {
	var req InstanceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.InstanceID == "" || req.Owner == "" || req.Resource == "" {
		writeErr(w, http.StatusBadRequest, "instance_id, owner and resource are required")
		return
	}

	var err error
	switch req.Action {
	case gatetypes.InstanceActionMount:
		err = h.gate.MountInstance(req.InstanceID, req.Owner, req.Resource)
	case gatetypes.InstanceActionUnmount:
		err = h.gate.UnmountInstance(req.InstanceID, req.Owner, req.Resource)
	default:
		writeErr(w, http.StatusBadRequest, "action must be MOUNT or UNMOUNT")
		return
	}

	if err != nil {
		switch {
		case errors.Is(err, gateerrors.ErrUnknownResource):
			writeErr(w, http.StatusBadRequest, "resource is not protected")
		case errors.Is(err, gateerrors.ErrInvalidRequest):
			writeErr(w, http.StatusBadRequest, err.Error())
		default:
			writeErr(w, http.StatusInternalServerError, "failed to process instance action")
		}
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: string(req.Action) + "ED"})
}

func (h *Handler) unloadAdvisory(w http.ResponseWriter, r *http.Request) {
	var req UnloadAdvisoryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.InstanceID == "" {
		writeErr(w, http.StatusBadRequest, "instance_id is required")
		return
	}

	advisory := h.gate.UnloadAdvisory(r.Context(), req.InstanceID)
	resources := advisory.Resources
	if resources == nil {
		resources = []string{}
	}
	writeJSON(w, http.StatusOK, UnloadAdvisoryResponse{Warn: advisory.Warn, Resources: resources})
}

func parseRoute(path string) (string, bool) {
	trimmed := strings.Trim(path, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 4 || parts[0] != "api" || parts[1] != "1.0" || parts[2] != "gate" {
		return "", false
	}
	route := strings.Join(parts[3:], "/")
	if route == "" {
		return "", false
	}
	return route, true
}

func toLeaseView(lease models.Lease, now time.Time) LeaseView {
	return LeaseView{
		Owner:            lease.Owner,
		Resource:         string(lease.Resource),
		StartTime:        lease.StartTime,
		EndTime:          lease.EndTime,
		RemainingMinutes: lease.RemainingMinutes(now),
		Metadata:         lease.Metadata,
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request payload")
		return false
	}
	return true
}

func (h *Handler) decodeWithIdempotency(w http.ResponseWriter, r *http.Request, scope string, out interface{}) (string, bool, bool) {
	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key == "" {
		writeErr(w, http.StatusBadRequest, idempotencyHeader+" header is required")
		return "", false, true
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return "", false, true
	}
	defer r.Body.Close()

	hash := sha256.Sum256(body)
	requestHash := hex.EncodeToString(hash[:])

	record, err := h.idempotency.Get(r.Context(), scope, key)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "idempotency lookup failed")
		return "", false, true
	}
	if record != nil {
		if record.RequestHash != requestHash {
			writeErr(w, http.StatusConflict, gateerrors.ErrIdempotencyMismatch.Error())
			return "", false, true
		}
		w.Header().Set("Content-Type", record.ContentType)
		w.WriteHeader(record.StatusCode)
		_, _ = w.Write(record.ResponseBody)
		return requestHash, true, true
	}

	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request payload")
		return "", false, true
	}

	return requestHash, false, false
}

func writeErr(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal serialization error"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

func mustJSON(payload interface{}) []byte {
	raw, _ := json.Marshal(payload)
	return raw
}

type requestIDContextKey string

const requestIDKey requestIDContextKey = "request_id"

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	val := ctx.Value(requestIDKey)
	id, _ := val.(string)
	return id
}
