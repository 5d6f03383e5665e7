package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/aquafeed/aquafeed-core/internal/audit"
	"github.com/aquafeed/aquafeed-core/internal/auth"
)

type createUserRequest struct {
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Password    string    `json:"password"`
	Role        auth.Role `json:"role"`
}

// handleListUsers returns all user accounts.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		writeInternalError(w, "user directory not configured")
		return
	}

	users, err := s.users.List(r.Context())
	if err != nil {
		s.logger.Error("list users failed", "error", err)
		writeInternalError(w, "failed to list users")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"users": users,
		"count": len(users),
	})
}

// handleCreateUser creates a new user account.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		writeInternalError(w, "user directory not configured")
		return
	}

	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}
	if req.Role == "" {
		req.Role = auth.RoleUser
	}

	switch {
	case !auth.IsValidUsername(req.Username):
		writeValidationError(w, "invalid username")
		return
	case !auth.IsValidUserRole(req.Role):
		writeValidationError(w, "invalid role: must be user or admin")
		return
	}
	if err := auth.ValidatePassword(req.Password); err != nil {
		writeValidationError(w, err.Error())
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.logger.Error("hash password failed", "error", err)
		writeInternalError(w, "failed to create user")
		return
	}

	caller, _ := callerFromContext(r.Context())
	user := &auth.User{
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		PasswordHash: hash,
		Role:         req.Role,
		IsActive:     true,
		CreatedBy:    caller.ID,
	}

	if err := s.users.Create(r.Context(), user); err != nil {
		if errors.Is(err, auth.ErrUsernameExists) {
			writeConflict(w, "username already exists")
			return
		}
		s.logger.Error("create user failed", "error", err)
		writeInternalError(w, "failed to create user")
		return
	}

	s.logger.Info("user created", "user_id", user.ID, "username", user.Username, "role", user.Role, "created_by", caller.ID)
	s.recorder.Record(r.Context(), audit.AuditLog{
		Action:     audit.ActionCreate,
		EntityType: audit.EntityUser,
		EntityID:   user.ID,
		UserID:     caller.ID,
		Source:     audit.SourceAPI,
		Details: map[string]any{
			"username": user.Username,
			"role":     user.Role,
		},
	})

	writeJSON(w, http.StatusCreated, user)
}

// handleGetUser returns a single user by ID.
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		writeInternalError(w, "user directory not configured")
		return
	}

	user, err := s.users.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeNotFound(w, "user not found")
			return
		}
		s.logger.Error("get user failed", "error", err)
		writeInternalError(w, "failed to get user")
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// handleDeleteUser removes a user account. Callers cannot delete themselves.
func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		writeInternalError(w, "user directory not configured")
		return
	}

	id := chi.URLParam(r, "id")
	caller, _ := callerFromContext(r.Context())
	if id == caller.ID {
		writeForbidden(w, auth.ErrSelfModification.Error())
		return
	}

	user, err := s.users.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeNotFound(w, "user not found")
			return
		}
		s.logger.Error("get user for delete failed", "error", err)
		writeInternalError(w, "failed to delete user")
		return
	}

	if err := s.users.Delete(r.Context(), id); err != nil {
		s.logger.Error("delete user failed", "error", err)
		writeInternalError(w, "failed to delete user")
		return
	}

	s.logger.Info("user deleted", "user_id", id, "deleted_by", caller.ID)
	s.recorder.Record(r.Context(), audit.AuditLog{
		Action:     audit.ActionDelete,
		EntityType: audit.EntityUser,
		EntityID:   id,
		UserID:     caller.ID,
		Source:     audit.SourceAPI,
		Details:    map[string]any{"username": user.Username},
	})

	w.WriteHeader(http.StatusNoContent)
}
