package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/solomilloinc/transport-api-sub000/internal/auth"
	"github.com/solomilloinc/transport-api-sub000/internal/slotlock/domain"
	"github.com/solomilloinc/transport-api-sub000/internal/slotlock/service"
)

// HTTP exposes the slot-lock endpoints.
type HTTP struct {
	svc       *service.Service
	jwtSecret string
}

// NewHTTP constructs a handler.
func NewHTTP(svc *service.Service, jwtSecret string) *HTTP {
	return &HTTP{svc: svc, jwtSecret: jwtSecret}
}

// Router builds the chi router with all endpoints and middlewares. Extra
// middlewares (rate limiting) are applied in front by the caller.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(h.jwtSecret))
		r.Post("/v1/locks", h.acquireLock)
		r.Get("/v1/locks/{token}", h.getLock)
		r.Post("/v1/locks/{token}/finalize", h.finalizeLock)
		r.Post("/v1/locks/{token}/cancel", h.cancelLock)
	})
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(h.jwtSecret, "admin"))
		r.Post("/v1/admin/sweep", h.sweep)
	})
	return r
}

type acquireRequest struct {
	OutboundReserveID int64  `json:"outbound_reserve_id"`
	ReturnReserveID   *int64 `json:"return_reserve_id,omitempty"`
	PassengerCount    int    `json:"passenger_count"`
}

func (h *HTTP) acquireLock(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Auth.MissingClaims", "missing identity")
		return
	}
	var payload acquireRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "Request.MalformedBody", err.Error())
		return
	}

	resp, err := h.svc.AcquireLock(r.Context(), r.Header.Get("Idempotency-Key"), service.AcquireRequest{
		OutboundReserveID: payload.OutboundReserveID,
		ReturnReserveID:   payload.ReturnReserveID,
		PassengerCount:    payload.PassengerCount,
		Claimant:          claimantFromClaims(claims),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

type lockView struct {
	LockToken         string `json:"lock_token"`
	OutboundReserveID int64  `json:"outbound_reserve_id"`
	ReturnReserveID   *int64 `json:"return_reserve_id,omitempty"`
	SlotsLocked       int    `json:"slots_locked"`
	Status            string `json:"status"`
	ExpiresAt         string `json:"expires_at"`
}

func (h *HTTP) getLock(w http.ResponseWriter, r *http.Request) {
	lock, err := h.svc.GetLock(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lockView{
		LockToken:         lock.LockToken,
		OutboundReserveID: lock.OutboundReserveID,
		ReturnReserveID:   lock.ReturnReserveID,
		SlotsLocked:       lock.SlotsLocked,
		Status:            string(lock.Status),
		ExpiresAt:         lock.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

type finalizeRequest struct {
	Items []struct {
		ReserveID  int64  `json:"reserve_id"`
		FullName   string `json:"full_name"`
		DocumentNo string `json:"document_no"`
		Email      string `json:"email"`
	} `json:"items"`
	Payment *struct {
		Method      string `json:"method"`
		AmountCents int64  `json:"amount_cents"`
	} `json:"payment,omitempty"`
}

func (h *HTTP) finalizeLock(w http.ResponseWriter, r *http.Request) {
	var payload finalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "Request.MalformedBody", err.Error())
		return
	}
	req := service.FinalizeRequest{LockToken: chi.URLParam(r, "token")}
	for _, item := range payload.Items {
		req.Items = append(req.Items, domain.PassengerItem{
			ReserveID:  item.ReserveID,
			FullName:   item.FullName,
			DocumentNo: item.DocumentNo,
			Email:      item.Email,
		})
	}
	if payload.Payment != nil {
		req.Payment = &domain.PaymentInfo{
			Method:      payload.Payment.Method,
			AmountCents: payload.Payment.AmountCents,
		}
	}
	if err := h.svc.Finalize(r.Context(), req); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"finalized": true})
}

func (h *HTTP) cancelLock(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Auth.MissingClaims", "missing identity")
		return
	}
	if err := h.svc.Cancel(r.Context(), chi.URLParam(r, "token"), claims.Email); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (h *HTTP) sweep(w http.ResponseWriter, r *http.Request) {
	expired, err := h.svc.SweepExpired(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ReserveSlotLock.SweepFailed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": expired})
}

func claimantFromClaims(claims *auth.Claims) domain.Claimant {
	return domain.Claimant{
		Email:      claims.Email,
		DocumentNo: claims.DocumentNo,
		CustomerID: claims.CustomerID,
	}
}

func statusForCode(code string) int {
	switch code {
	case "ReserveSlotLock.LockNotFound":
		return http.StatusNotFound
	case "ReserveSlotLock.InsufficientSlots",
		"ReserveSlotLock.MaxSimultaneousLocksExceeded",
		"ReserveSlotLock.LockAlreadyUsed",
		"ReserveSlotLock.LockExpired",
		"ReserveSlotLock.InvalidOrExpiredLock",
		"ReserveSlotLock.ConflictRetryExhausted",
		"ReserveSlotLock.DuplicateRequestInFlight":
		return http.StatusConflict
	case "ReserveSlotLock.LockReserveMismatch",
		"ReserveSlotLock.PaymentAmountMismatch",
		"ReserveSlotLock.ValidationFailed":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	var domainErr *domain.Error
	if errors.As(err, &domainErr) {
		writeError(w, statusForCode(domainErr.Code), domainErr.Code, domainErr.Message)
		return
	}
	writeError(w, http.StatusInternalServerError, "Internal.Error", "unexpected failure")
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]map[string]string{
		"error": {"code": code, "message": message},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
