package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/voiceinbox/voiceinbox/pkg/gateway/auth"
	"github.com/voiceinbox/voiceinbox/pkg/gateway/config"
)

// SessionCookie names the browser cookie carrying the session id.
const SessionCookie = "voiceinbox_session"

type LoginHandler struct {
	Google *auth.Google
	Store  *auth.Store
}

func (h LoginHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if !h.Google.Configured() {
		writeError(w, r, http.StatusServiceUnavailable, "oauth_unconfigured", "sign-in is not configured")
		return
	}
	state := h.Store.NewState()
	http.Redirect(w, r, h.Google.LoginURL(state), http.StatusFound)
}

type OAuthCallbackHandler struct {
	Config config.Config
	Google *auth.Google
	Store  *auth.Store
	Logger *slog.Logger
}

func (h OAuthCallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		writeError(w, r, http.StatusBadRequest, "oauth_denied", "sign-in was denied: "+errCode)
		return
	}
	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "state and code are required")
		return
	}
	if !h.Store.ConsumeState(state) {
		writeError(w, r, http.StatusBadRequest, "bad_state", "unknown or expired oauth state")
		return
	}
	identity, token, err := h.Google.Exchange(r.Context(), code)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("oauth exchange failed", "error", err)
		}
		writeError(w, r, http.StatusBadGateway, "oauth_exchange_failed", "could not complete sign-in")
		return
	}
	sess := h.Store.Create(identity, token)
	if h.Logger != nil {
		h.Logger.Info("signed in", "identity", identity, "session_id", sess.ID)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
		MaxAge:   int(h.Config.SessionTTL / time.Second),
	})
	http.Redirect(w, r, h.Config.FrontendURL, http.StatusFound)
}

type AuthStatusHandler struct {
	Store *auth.Store
}

func (h AuthStatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type statusResp struct {
		Authenticated bool   `json:"authenticated"`
		Identity      string `json:"identity,omitempty"`
		SessionID     string `json:"session_id,omitempty"`
	}
	sess, ok := sessionFromRequest(h.Store, r)
	if !ok {
		writeJSON(w, http.StatusOK, statusResp{})
		return
	}
	writeJSON(w, http.StatusOK, statusResp{
		Authenticated: true,
		Identity:      sess.Identity,
		SessionID:     sess.ID,
	})
}

type LogoutHandler struct {
	Store *auth.Store
}

func (h LogoutHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		h.Store.Delete(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func sessionFromRequest(store *auth.Store, r *http.Request) (*auth.Session, bool) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		return nil, false
	}
	return store.Get(cookie.Value)
}
