package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"escrowhub/internal/coordinator"
	"escrowhub/internal/escrow"
	"escrowhub/internal/idempotency"
	"escrowhub/internal/reqauth"
)

const (
	headerIdempotencyKey = "X-Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	maxBodyBytes         = 1 << 20
)

type errorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	TxHash string `json:"txHash,omitempty"`
}

// writeResponse is what a write handler produced. Keep marks responses that
// must be replayed for the same idempotency key because a transaction was
// dispatched.
type writeResponse struct {
	status int
	body   any
	keep   bool
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	s.idempotent(w, r, true, func(ctx context.Context, caller common.Address, body []byte) writeResponse {
		var req coordinator.CreateRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return writeResponse{status: http.StatusBadRequest, body: errorResponse{Error: "invalid json payload"}}
		}
		if err := validateCreateRequest(req); err != nil {
			return writeResponse{status: http.StatusBadRequest, body: errorResponse{Error: err.Error(), Kind: escrow.KindInvalidInput.String()}}
		}
		p, err := s.coord.CreateEscrow(ctx, caller, req)
		if err != nil {
			return errorWrite(err, "")
		}
		return s.settle(ctx, p, http.StatusCreated)
	})
}

func (s *Server) handleUpdateEscrow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	action, err := coordinator.ParseAction(chi.URLParam(r, "action"))
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	s.idempotent(w, r, false, func(ctx context.Context, caller common.Address, _ []byte) writeResponse {
		p, err := s.coord.UpdateEscrowStatus(ctx, caller, id, action)
		if err != nil {
			return errorWrite(err, "")
		}
		return s.settle(ctx, p, http.StatusOK)
	})
}

func (s *Server) handleMilestone(w http.ResponseWriter, r *http.Request) {
	caller, _ := reqauth.CallerFrom(r.Context())
	id, mid := chi.URLParam(r, "id"), chi.URLParam(r, "mid")
	var err error
	switch chi.URLParam(r, "action") {
	case "release":
		_, err = s.coord.ReleaseMilestone(r.Context(), caller, id, mid)
	case "dispute":
		_, err = s.coord.DisputeMilestone(r.Context(), caller, id, mid)
	default:
		err = escrow.Errorf(escrow.KindInvalidInput, "milestone", "unknown action %q", chi.URLParam(r, "action"))
	}
	s.writeError(w, err, "")
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	caller, _ := reqauth.CallerFrom(r.Context())
	id := chi.URLParam(r, "id")
	e, err := s.coord.GetEscrow(r.Context(), caller, id)
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	if e == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "escrow " + id + " not found"})
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request) {
	caller, _ := reqauth.CallerFrom(r.Context())
	list, err := s.coord.ListEscrows(r.Context(), caller)
	if err != nil {
		s.writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Escrows []escrow.Escrow `json:"escrows"`
	}{Escrows: list})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	if s.notifications == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "notification store not configured"})
		return
	}
	caller, _ := reqauth.CallerFrom(r.Context())
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	list, err := s.notifications.List(r.Context(), caller.Hex(), limit)
	if err != nil {
		s.log.WithError(err).Warn("list notifications failed")
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "failed to list notifications"})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Notifications any `json:"notifications"`
	}{Notifications: list})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if s.notifications == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "notification store not configured"})
		return
	}
	ok, err := s.notifications.MarkRead(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.log.WithError(err).Warn("mark notification read failed")
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "failed to update notification"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "notification not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// settle waits up to the configured finality window. A call still pending
// when the window closes is answered with 202 and keeps being tracked.
func (s *Server) settle(ctx context.Context, p *coordinator.Pending, okStatus int) writeResponse {
	wait := s.cfg.Service.FinalityWait
	waitCtx := ctx
	if wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	res, err := p.Wait(waitCtx)
	switch {
	case err == nil:
		return writeResponse{status: okStatus, body: res, keep: true}
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return writeResponse{status: http.StatusAccepted, body: res, keep: true}
	default:
		w := errorWrite(err, res.TxHash)
		w.keep = true
		return w
	}
}

// idempotent runs fn at most once per caller-scoped key. When required is
// false a request without a key runs unguarded.
func (s *Server) idempotent(w http.ResponseWriter, r *http.Request, required bool, fn func(context.Context, common.Address, []byte) writeResponse) {
	ctx := r.Context()
	caller, ok := reqauth.CallerFrom(ctx)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: reqauth.ErrMissingCaller.Error()})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unreadable body"})
		return
	}

	rawKey := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if rawKey == "" {
		if required {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing " + headerIdempotencyKey + " header"})
			return
		}
		resp := fn(ctx, caller, body)
		writeJSON(w, resp.status, resp.body)
		return
	}

	key := idempotency.Key(caller, rawKey)
	fingerprint := idempotency.Fingerprint(r.Method, r.URL.Path, body)
	log := s.log.WithFields(logrus.Fields{"key": rawKey, "caller": caller.Hex()})

	if existing, err := s.store.Get(ctx, key); err != nil {
		log.WithError(err).Warn("idempotency lookup failed")
	} else if existing != nil {
		s.replay(w, existing, fingerprint)
		return
	}

	now := s.now()
	reserved, err := s.store.Reserve(ctx, key, idempotency.Record{
		Fingerprint: fingerprint,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
	})
	if err != nil {
		log.WithError(err).Error("idempotency reserve failed")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "idempotency store unavailable"})
		return
	}
	if !reserved {
		existing, _ := s.store.Get(ctx, key)
		if existing != nil {
			s.replay(w, existing, fingerprint)
			return
		}
		writeJSON(w, http.StatusConflict, errorResponse{Error: "request with this key is in progress"})
		return
	}

	resp := fn(ctx, caller, body)
	payload, _ := json.Marshal(resp.body)
	if resp.keep {
		rec := idempotency.Record{
			StatusCode:  resp.status,
			Response:    payload,
			Fingerprint: fingerprint,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
		}
		// Use a fresh context: the dispatch already happened even if the client left.
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.store.Save(saveCtx, key, rec); err != nil {
			log.WithError(err).Error("idempotency save failed")
		}
		cancel()
	} else if err := s.store.Delete(ctx, key); err != nil {
		log.WithError(err).Warn("idempotency release failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	_, _ = w.Write(payload)
}

func (s *Server) replay(w http.ResponseWriter, rec *idempotency.Record, fingerprint string) {
	switch {
	case rec.Fingerprint != fingerprint:
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "idempotency key reused with a different request"})
	case rec.Pending():
		writeJSON(w, http.StatusConflict, errorResponse{Error: "request with this key is in progress"})
	default:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(headerReplayed, "true")
		w.WriteHeader(rec.StatusCode)
		_, _ = w.Write(rec.Response)
	}
}

func errorWrite(err error, txHash string) writeResponse {
	return writeResponse{
		status: statusFor(err),
		body:   errorResponse{Error: err.Error(), Kind: escrow.KindOf(err).String(), TxHash: txHash},
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error, txHash string) {
	resp := errorWrite(err, txHash)
	if resp.status >= http.StatusInternalServerError {
		s.log.WithError(err).Warn("request failed")
	}
	writeJSON(w, resp.status, resp.body)
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch escrow.KindOf(err) {
	case escrow.KindInvalidAmount, escrow.KindInvalidInput:
		return http.StatusBadRequest
	case escrow.KindNotSupported:
		return http.StatusNotImplemented
	case escrow.KindUnavailable, escrow.KindSignerUnavailable:
		return http.StatusServiceUnavailable
	case escrow.KindQueryFailed, escrow.KindSubmissionFailed:
		return http.StatusBadGateway
	case escrow.KindTransactionFailed:
		return http.StatusConflict
	case escrow.KindReleased:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

func validateCreateRequest(req coordinator.CreateRequest) error {
	if req.Counterparty == "" {
		return errors.New("counterpartyAddress is required")
	}
	if req.Amount == "" {
		return errors.New("amount is required")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
