package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/koltyakov/guestpool/internal/auth"
	"github.com/koltyakov/guestpool/internal/domain"
	"github.com/koltyakov/guestpool/internal/pool"
)

type identityView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Kind     string `json:"kind"`
}

type workspaceView struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

type allocateResponse struct {
	Mode      string        `json:"mode"`
	Identity  identityView  `json:"identity"`
	Workspace workspaceView `json:"workspace"`
	Slot      int           `json:"slot,omitempty"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
}

type claimRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type claimResponse struct {
	Identity  identityView   `json:"identity"`
	Claimed   bool           `json:"claimed"`
	Workspace *workspaceView `json:"workspace,omitempty"`
}

type statusResponse struct {
	Mode string `json:"mode"`
	domain.PoolStatus
}

const (
	minUsernameLen = 3
	maxUsernameLen = 32
	minPasswordLen = 8
)

func newIdentityView(ident domain.Identity) identityView {
	return identityView{ID: ident.ID, Username: ident.Username, Kind: ident.Kind}
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	sess, err := s.loadSession(w, r)
	if err != nil {
		s.log.Error("failed to load session", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	lease, err := s.pool.Strategy.Allocate(r.Context(), sess)
	if errors.Is(err, domain.ErrPoolExhausted) {
		w.Header().Set("Retry-After", poolExhaustedRetrySecs)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), ErrorCode: errCodePoolExhausted})
		return
	}
	if err != nil {
		s.log.Error("guest allocation failed", "session", sess.Key(), "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := allocateResponse{
		Mode:      s.pool.Strategy.Mode(),
		Identity:  newIdentityView(lease.Identity),
		Workspace: workspaceView{ID: lease.Workspace.ID, Path: lease.Workspace.Path},
	}
	if lease.Allocation != nil {
		resp.Slot = lease.Allocation.SlotNumber
		expires := lease.Allocation.ExpiresAt.UTC()
		resp.ExpiresAt = &expires
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeallocate(w http.ResponseWriter, r *http.Request) {
	sess, ok, err := s.existingSession(r)
	if err != nil {
		s.log.Error("failed to load session", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if ok {
		if err := s.pool.Strategy.Deallocate(r.Context(), sess); err != nil {
			s.log.Error("guest deallocation failed", "session", sess.Key(), "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClaim registers an account and moves the visitor's guest workspace
// to it. Registration succeeds even when there is nothing to claim.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSONBody(w, r, maxClaimBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body", ErrorCode: errCodeInvalidInput})
		return
	}
	req.Username = strings.ToLower(strings.TrimSpace(req.Username))
	if msg := validateSignup(req); msg != "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, ErrorCode: errCodeInvalidInput})
		return
	}
	sess, ok, err := s.existingSession(r)
	if err != nil {
		s.log.Error("failed to load session", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "no guest session to claim", ErrorCode: errCodeNoLease})
		return
	}

	ident, created, err := s.signupIdentity(r.Context(), req)
	if errors.Is(err, domain.ErrUsernameTaken) {
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), ErrorCode: errCodeUsernameTaken})
		return
	}
	if err != nil {
		s.log.Error("failed to create identity", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := claimResponse{Identity: newIdentityView(ident)}
	ws, claimed, err := s.pool.Strategy.ClaimOnSignup(r.Context(), sess, ident)
	if err != nil {
		s.log.Error("workspace claim failed", "session", sess.Key(), "identity_id", ident.ID, "err", err)
		if created {
			s.dropUnclaimedIdentity(r.Context(), ident)
		}
		http.Error(w, "workspace claim failed", http.StatusInternalServerError)
		return
	}
	if claimed {
		resp.Claimed = true
		resp.Workspace = &workspaceView{ID: ws.ID, Path: ws.Path}
	}
	writeJSON(w, http.StatusCreated, resp)
}

// signupIdentity creates the account for req. A retry of an earlier signup
// reuses the account when the password matches and it owns nothing yet, so a
// claim that failed after the account was written can be attempted again.
func (s *Server) signupIdentity(ctx context.Context, req claimRequest) (domain.Identity, bool, error) {
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return domain.Identity{}, false, err
	}
	ident, err := s.store.CreateUserIdentity(ctx, req.Username, hash, s.now())
	if err == nil {
		return ident, true, nil
	}
	if !errors.Is(err, domain.ErrUsernameTaken) {
		return domain.Identity{}, false, err
	}

	existing, lookupErr := s.store.IdentityByUsername(ctx, req.Username)
	if lookupErr != nil || existing.Kind != domain.IdentityKindUser || !auth.CheckPassword(existing.PasswordHash, req.Password) {
		return domain.Identity{}, false, err
	}
	if _, wsErr := s.store.WorkspaceByOwner(ctx, existing.ID); !errors.Is(wsErr, domain.ErrWorkspaceNotFound) {
		return domain.Identity{}, false, err
	}
	s.log.Info("resuming signup for account without workspace", "identity_id", existing.ID)
	return existing, false, nil
}

func (s *Server) dropUnclaimedIdentity(ctx context.Context, ident domain.Identity) {
	deleted, err := s.store.DeleteUnclaimedUser(context.WithoutCancel(ctx), ident.ID)
	if err != nil {
		s.log.Warn("failed to roll back account after failed claim", "identity_id", ident.ID, "err", err)
		return
	}
	if deleted {
		s.log.Info("rolled back account after failed claim", "identity_id", ident.ID)
	}
}

func validateSignup(req claimRequest) string {
	switch {
	case len(req.Username) < minUsernameLen || len(req.Username) > maxUsernameLen:
		return "username must be 3-32 characters"
	case !validUsername(req.Username):
		return "username may contain only a-z, 0-9, '-', '_' and '.'"
	case pool.ReservedUsername(req.Username):
		return "username is reserved"
	case len(req.Password) < minPasswordLen:
		return "password must be at least 8 characters"
	}
	return ""
}

func validUsername(name string) bool {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return name[0] != '.'
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.pool.Strategy.Status(r.Context())
	if err != nil {
		s.log.Error("pool status failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Mode: s.pool.Strategy.Mode(), PoolStatus: status})
}
