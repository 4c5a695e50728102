package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"e2ee-session/internal/directory"
	"e2ee-session/internal/dto"
	"e2ee-session/internal/observability/metrics"
	"e2ee-session/internal/observability/middleware"
	"e2ee-session/internal/tokens"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodyBytes = 1 << 20

type RouterConfig struct {
	// CORSOrigins enables CORS for browser clients when non-empty.
	CORSOrigins []string
	// BundleRequestsPerMinute limits bundle fetches per client IP. Every fetch
	// claims a one-time prekey. Zero disables the limit.
	BundleRequestsPerMinute int
}

func NewRouter(svc *directory.Service, signer *tokens.Signer, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.WithRequestAndTrace)
	r.Use(middleware.WithMetrics)
	r.Use(middleware.LogRequests)
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	h := &handlers{svc: svc}
	r.Route("/v1/keys", func(r chi.Router) {
		r.Get("/jwks", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, signer.JWKS())
		})
		r.Post("/devices", h.registerDevice)
		r.Group(func(br chi.Router) {
			if cfg.BundleRequestsPerMinute > 0 {
				br.Use(httprate.LimitByIP(cfg.BundleRequestsPerMinute, time.Minute))
			}
			br.Get("/devices/{deviceID}/bundle", h.bundle)
		})
		r.Get("/devices/{deviceID}/one-time-prekeys/count", h.countOneTimePreKeys)

		r.Group(func(pr chi.Router) {
			pr.Use(RequireDevice(signer))
			pr.Post("/devices/{deviceID}/one-time-prekeys", h.uploadOneTimePreKeys)
			pr.Put("/devices/{deviceID}/signed-prekey", h.rotateSignedPreKey)
			pr.Delete("/users/{userID}", h.deleteUser)
		})
	})
	return r
}

type handlers struct {
	svc *directory.Service
}

func (h *handlers) registerDevice(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.RequestIDFromContext(r.Context())
	traceID := middleware.TraceIDFromContext(r.Context())
	var req dto.RegisterDeviceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		metrics.DeviceRegistrationsTotal.WithLabelValues("failure").Inc()
		slog.Warn("device registration decode failed", "error", err, "request_id", reqID, "trace_id", traceID)
		return
	}
	res, err := h.svc.RegisterDevice(r.Context(), req)
	metrics.DeviceRegistrationsTotal.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		writeError(w, err)
		slog.Warn("device registration failed", "error", err, "request_id", reqID, "trace_id", traceID)
		return
	}
	slog.Info("device registered", "device_id", res.DeviceID, "user_id", res.UserID, "one_time_prekeys", res.OneTimePreKeys, "request_id", reqID, "trace_id", traceID)
	writeJSON(w, http.StatusCreated, res)
}

func (h *handlers) bundle(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.RequestIDFromContext(r.Context())
	traceID := middleware.TraceIDFromContext(r.Context())
	deviceID, ok := pathUUID(w, r, "deviceID")
	if !ok {
		metrics.PreKeyBundlesFetchedTotal.WithLabelValues("failure").Inc()
		return
	}
	res, err := h.svc.GetPreKeyBundle(r.Context(), deviceID)
	metrics.PreKeyBundlesFetchedTotal.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		writeError(w, err)
		slog.Warn("prekey bundle fetch failed", "error", err, "device_id", deviceID, "request_id", reqID, "trace_id", traceID)
		return
	}
	slog.Info("prekey bundle fetched", "device_id", res.DeviceID, "has_one_time", res.OneTimePreKey != nil, "request_id", reqID, "trace_id", traceID)
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) countOneTimePreKeys(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := pathUUID(w, r, "deviceID")
	if !ok {
		return
	}
	res, err := h.svc.CountOneTimePreKeys(r.Context(), deviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) uploadOneTimePreKeys(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.RequestIDFromContext(r.Context())
	traceID := middleware.TraceIDFromContext(r.Context())
	deviceID, ok := h.ownDevice(w, r)
	if !ok {
		metrics.OneTimePreKeysUploadedTotal.WithLabelValues("failure").Inc()
		return
	}
	var req dto.UploadOneTimePreKeysRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		metrics.OneTimePreKeysUploadedTotal.WithLabelValues("failure").Inc()
		return
	}
	res, err := h.svc.UploadOneTimePreKeys(r.Context(), deviceID, req)
	metrics.OneTimePreKeysUploadedTotal.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		writeError(w, err)
		slog.Warn("one-time prekey upload failed", "error", err, "device_id", deviceID, "request_id", reqID, "trace_id", traceID)
		return
	}
	slog.Info("one-time prekeys uploaded", "device_id", res.DeviceID, "added", res.Added, "available", res.Available, "request_id", reqID, "trace_id", traceID)
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) rotateSignedPreKey(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.RequestIDFromContext(r.Context())
	traceID := middleware.TraceIDFromContext(r.Context())
	deviceID, ok := h.ownDevice(w, r)
	if !ok {
		metrics.SignedPreKeysRotatedTotal.WithLabelValues("failure").Inc()
		return
	}
	var req dto.RotateSignedPreKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		metrics.SignedPreKeysRotatedTotal.WithLabelValues("failure").Inc()
		slog.Warn("rotate signed prekey decode failed", "error", err, "request_id", reqID, "trace_id", traceID)
		return
	}
	res, err := h.svc.RotateSignedPreKey(r.Context(), deviceID, req)
	metrics.SignedPreKeysRotatedTotal.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		writeError(w, err)
		slog.Warn("rotate signed prekey failed", "error", err, "request_id", reqID, "trace_id", traceID)
		return
	}
	slog.Info("rotated signed prekey", "device_id", res.DeviceID, "added_one_time_keys", res.AddedOneTimeKeys, "request_id", reqID, "trace_id", traceID)
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) deleteUser(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.RequestIDFromContext(r.Context())
	traceID := middleware.TraceIDFromContext(r.Context())
	userID, ok := pathUUID(w, r, "userID")
	if !ok {
		return
	}
	claims, _ := ClaimsFrom(r.Context())
	if claims == nil || claims.UserID != userID.String() {
		writeError(w, directory.ErrUnauthorized)
		return
	}
	deleted, err := h.svc.DeleteUserData(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		slog.Warn("delete user data failed", "error", err, "user_id", userID, "request_id", reqID, "trace_id", traceID)
		return
	}
	slog.Info("user data deleted", "user_id", userID, "deleted", deleted, "request_id", reqID, "trace_id", traceID)
	writeJSON(w, http.StatusOK, dto.DeleteUserResponse{UserID: userID.String(), Deleted: deleted})
}

// ownDevice parses {deviceID} and checks it is the token's device.
func (h *handlers) ownDevice(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	deviceID, ok := pathUUID(w, r, "deviceID")
	if !ok {
		return uuid.Nil, false
	}
	claims, _ := ClaimsFrom(r.Context())
	if claims == nil || claims.Subject != deviceID.String() {
		writeError(w, directory.ErrUnauthorized)
		return uuid.Nil, false
	}
	return deviceID, true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		http.Error(w, "invalid "+name, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, directory.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, directory.ErrDeviceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, directory.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, directory.ErrConflict):
		status = http.StatusConflict
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	http.Error(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
