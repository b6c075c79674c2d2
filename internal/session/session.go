// Package session manages the authenticated user with an offline
// fallback: the identity snapshot returned by the server is cached
// locally, so a user who already signed in keeps working without
// connectivity.
package session

import (
	"context"
	"encoding/json"

	apperrors "github.com/kimhsiao/showtrack/internal/errors"
	"github.com/kimhsiao/showtrack/internal/logging"
	"github.com/kimhsiao/showtrack/internal/store"
	syncpkg "github.com/kimhsiao/showtrack/internal/sync"
)

// Authenticator is the slice of the REST client the session depends on.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (json.RawMessage, error)
	Me(ctx context.Context) (json.RawMessage, error)
	Logout(ctx context.Context) error
	SetAuthToken(token string)
}

// Session tracks the signed-in user and their cached identity snapshot.
type Session struct {
	auth   Authenticator
	store  *store.Store
	engine *syncpkg.Engine
}

// New creates a Session.
func New(auth Authenticator, st *store.Store, engine *syncpkg.Engine) *Session {
	return &Session{auth: auth, store: st, engine: engine}
}

// Login authenticates against the server and caches the returned
// identity snapshot for offline use. Bad credentials surface as
// ErrAuthFailed; an unreachable server as ErrNetworkFailure.
func (s *Session) Login(ctx context.Context, email, password string) (json.RawMessage, error) {
	snapshot, err := s.auth.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}

	if token := extractToken(snapshot); token != "" {
		s.auth.SetAuthToken(token)
	}

	if err := s.store.CacheAuthData(snapshot); err != nil {
		// A failed cache write only costs the offline fallback
		logging.Error("caching identity snapshot failed", err, nil)
	}

	logging.Info("user signed in", map[string]interface{}{"email": email})
	return snapshot, nil
}

// Current returns the identity snapshot, asking the server first and
// falling back to the local cache when the server is unreachable. A
// rejected identity check (expired session) does not fall back.
func (s *Session) Current(ctx context.Context) (json.RawMessage, error) {
	snapshot, err := s.auth.Me(ctx)
	if err == nil {
		if cacheErr := s.store.CacheAuthData(snapshot); cacheErr != nil {
			logging.Error("refreshing identity snapshot failed", cacheErr, nil)
		}
		return snapshot, nil
	}

	if apperrors.CodeOf(err) != apperrors.ErrNetworkFailure {
		return nil, err
	}

	cached, cacheErr := s.store.CachedAuthData()
	if cacheErr != nil {
		return nil, apperrors.Wrap(apperrors.ErrAuthRequired, "offline with no cached identity", err)
	}

	logging.Info("identity check unreachable, using cached snapshot", nil)
	return cached, nil
}

// Logout makes a final attempt to push queued captures, invalidates the
// server session, and wipes all local data for the user. Local cleanup
// runs even when the server call fails, so a logout always signs the
// device out.
func (s *Session) Logout(ctx context.Context) error {
	if s.store.HasPendingChanges() {
		s.engine.AttemptSync(ctx)
		if s.store.HasPendingChanges() {
			logging.Warn("logging out with unsynced captures", map[string]interface{}{
				"pending": true,
			})
		}
	}

	if err := s.auth.Logout(ctx); err != nil {
		logging.Error("server logout failed, clearing local session anyway", err, nil)
	}
	s.auth.SetAuthToken("")

	if err := s.store.ClearOfflineData(); err != nil {
		return err
	}
	if err := s.store.ClearAuthData(); err != nil {
		return err
	}

	logging.Info("user signed out", nil)
	return nil
}

// extractToken pulls the bearer token out of the login response. The
// server nests it either at the top level or under "session".
func extractToken(snapshot json.RawMessage) string {
	var envelope struct {
		Token   string `json:"token"`
		Session struct {
			Token string `json:"token"`
		} `json:"session"`
	}
	if err := json.Unmarshal(snapshot, &envelope); err != nil {
		return ""
	}
	if envelope.Token != "" {
		return envelope.Token
	}
	return envelope.Session.Token
}
