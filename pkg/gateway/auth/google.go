package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/voiceinbox/voiceinbox/pkg/core"
)

const userinfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// Scopes cover mailbox read/compose plus the email claim used as identity.
var Scopes = []string{
	"https://www.googleapis.com/auth/gmail.modify",
	"https://www.googleapis.com/auth/gmail.compose",
	"https://www.googleapis.com/auth/userinfo.email",
}

// Google drives the OAuth code flow and hands out refreshing token sources.
type Google struct {
	cfg   *oauth2.Config
	store *Store
}

func NewGoogle(clientID, clientSecret, redirectURL string, store *Store) *Google {
	return &Google{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       Scopes,
			Endpoint:     google.Endpoint,
		},
		store: store,
	}
}

func (g *Google) Configured() bool {
	return g != nil && g.cfg.ClientID != "" && g.cfg.ClientSecret != ""
}

// LoginURL starts the code flow. Offline access is requested so a refresh
// token arrives with the first grant.
func (g *Google) LoginURL(state string) string {
	return g.cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"))
}

// Exchange redeems the callback code and resolves the account's email
// address, which becomes the session identity.
func (g *Google) Exchange(ctx context.Context, code string) (identity string, token *oauth2.Token, err error) {
	token, err = g.cfg.Exchange(ctx, code)
	if err != nil {
		return "", nil, fmt.Errorf("code exchange: %w", err)
	}
	identity, err = g.email(ctx, token)
	if err != nil {
		return "", nil, err
	}
	return identity, token, nil
}

func (g *Google) email(ctx context.Context, token *oauth2.Token) (string, error) {
	client := g.cfg.Client(ctx, token)
	client.Timeout = 10 * time.Second
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userinfoURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("userinfo: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("userinfo read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo status %d", resp.StatusCode)
	}
	var info struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", fmt.Errorf("userinfo decode: %w", err)
	}
	email := strings.ToLower(strings.TrimSpace(info.Email))
	if email == "" {
		return "", fmt.Errorf("userinfo has no email claim")
	}
	return email, nil
}

// TokenSource returns a refreshing token source for a signed-in identity.
// Refreshed tokens are written back to the store so later calls reuse them.
func (g *Google) TokenSource(ctx context.Context, identity string) (oauth2.TokenSource, error) {
	sess, ok := g.store.ByIdentity(identity)
	if !ok || sess.Token == nil {
		return nil, core.Faultf(core.CodeAuthExpired, "no live session for %s", identity)
	}
	return &savingSource{
		inner: g.cfg.TokenSource(ctx, sess.Token),
		store: g.store,
		sid:   sess.ID,
	}, nil
}

// savingSource persists refreshed tokens as they are minted.
type savingSource struct {
	inner oauth2.TokenSource
	store *Store
	sid   string
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	tok, err := s.inner.Token()
	if err != nil {
		return nil, core.Faultf(core.CodeAuthExpired, "token refresh failed: %v", err)
	}
	s.store.UpdateToken(s.sid, tok)
	return tok, nil
}
