package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/finedu/finedu-sync/internal/domain/progression"
	"github.com/finedu/finedu-sync/internal/infrastructure/external/remote"
	"github.com/finedu/finedu-sync/internal/infrastructure/persistence/postgres"
	"github.com/finedu/finedu-sync/internal/interface/http/handlers"
	"github.com/finedu/finedu-sync/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ══════════════════════════════════════════════════════════════════════════════

// handleHealth answers GET and HEAD /health. 503 when a check fails.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dto := remote.HealthDTO{Status: "ok"}
	code := http.StatusOK
	if s.deps.Health != nil {
		status := s.deps.Health.Check(r.Context())
		if db, ok := status.Checks["database"]; ok {
			dto.Database = db.Message
		}
		if !status.Healthy {
			dto.Status = "unavailable"
			code = http.StatusServiceUnavailable
		}
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(code)
		return
	}
	handlers.WriteJSON(w, code, dto)
}

// ══════════════════════════════════════════════════════════════════════════════
// COMPLETIONS
// ══════════════════════════════════════════════════════════════════════════════

// handleComplete records POST /api/{lessons|tasks|games}/{id}/complete.
// Replays are acknowledged with duplicate=true and change nothing.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	userID, _ := handlers.UserIDFrom(r.Context())

	kind, ok := remote.KindForSegment(chi.URLParam(r, "collection"))
	if !ok {
		handlers.WriteError(w, http.StatusNotFound, "unknown_collection", "expected lessons, tasks or games")
		return
	}
	entityID := chi.URLParam(r, "id")
	if r.URL.RawPath != "" {
		// chi matched on the escaped path
		if unescaped, err := url.PathUnescape(entityID); err == nil {
			entityID = unescaped
		}
	}

	var req remote.CompletionRequestDTO
	if !s.decode(w, r, &req) {
		return
	}
	switch {
	case req.EntityID == "":
		req.EntityID = entityID
	case req.EntityID != entityID:
		handlers.WriteError(w, http.StatusBadRequest, "entity_mismatch",
			fmt.Sprintf("body entityId %q does not match path %q", req.EntityID, entityID))
		return
	}
	if err := validatePatch(req.Result.Patch); err != nil {
		handlers.WriteError(w, http.StatusBadRequest, "invalid_patch", err.Error())
		return
	}

	out, err := s.deps.Store.Complete(r.Context(), postgres.Completion{Kind: kind, UserID: userID, Payload: req})
	if err != nil {
		s.storageError(w, r, "complete", err)
		return
	}

	if out.Duplicate {
		s.logger.Debug("completion replayed",
			logger.UserID(userID.String()), logger.ActionKind(string(kind)), logger.String("entity_id", entityID))
	}
	avatar := avatarDTO(out.Avatar)
	handlers.WriteJSON(w, http.StatusOK, remote.CompletionResponseDTO{
		Acknowledged: true,
		Duplicate:    out.Duplicate,
		Avatar:       &avatar,
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// AVATAR
// ══════════════════════════════════════════════════════════════════════════════

// handleGetAvatar returns the authoritative avatar.
func (s *Server) handleGetAvatar(w http.ResponseWriter, r *http.Request) {
	userID, _ := handlers.UserIDFrom(r.Context())

	a, err := s.deps.Store.Avatar(r.Context(), userID)
	if err != nil {
		s.storageError(w, r, "get avatar", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, avatarDTO(a))
}

// handlePatchAvatar applies a delta patch and returns the result.
func (s *Server) handlePatchAvatar(w http.ResponseWriter, r *http.Request) {
	userID, _ := handlers.UserIDFrom(r.Context())

	var patch remote.AvatarPatchDTO
	if !s.decode(w, r, &patch) {
		return
	}
	if err := validatePatch(patch); err != nil {
		handlers.WriteError(w, http.StatusBadRequest, "invalid_patch", err.Error())
		return
	}

	a, err := s.deps.Store.Patch(r.Context(), userID, patch)
	if err != nil {
		s.storageError(w, r, "patch avatar", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, avatarDTO(a))
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// validatePatch rejects patches that would break avatar invariants: XP only
// grows and only catalogued achievements can be unlocked.
func validatePatch(p progression.AvatarPatch) error {
	if p.XPDelta < 0 {
		return errors.New("xpDelta cannot be negative")
	}
	if p.Streak != nil && *p.Streak < 0 {
		return errors.New("streak cannot be negative")
	}
	for _, id := range p.Achievements {
		if _, ok := progression.Definition(id); !ok {
			return fmt.Errorf("unknown achievement %q", id)
		}
	}
	return nil
}

// decode reads a JSON body. It writes the error response and returns false
// on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		handlers.WriteError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
		return false
	}
	handlers.WriteError(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON: "+err.Error())
	return false
}

// storageError maps repository failures to 5xx so clients retry them.
func (s *Server) storageError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error("storage failure",
		logger.Operation(op),
		logger.String("request_id", middleware.GetReqID(r.Context())),
		logger.Err(err))

	if errors.Is(err, context.DeadlineExceeded) || r.Context().Err() != nil {
		handlers.WriteError(w, http.StatusServiceUnavailable, "storage_timeout", "storage did not answer in time")
		return
	}
	handlers.WriteError(w, http.StatusInternalServerError, "storage_error", "could not reach storage")
}

func avatarDTO(a postgres.StoredAvatar) remote.AvatarDTO {
	dto := remote.AvatarFromDomain(a.State)
	dto.UpdatedAt = a.UpdatedAt
	return dto
}
