// Package oauth manages the OAuth 2.0 token used for IMAP and SMTP
// authentication: a file-backed token store (encrypted alongside the
// cache when cache encryption is on) and refresh via the provider's token
// endpoint.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"petrel/internal/conf"
	"petrel/internal/crypto"
)

// refreshMargin is how long before expiry a refresh is considered due,
// so a token never expires mid-operation.
const refreshMargin = 60 * time.Second

type Provider struct {
	cfg     conf.OAuth
	pass    string
	encrypt bool

	mu    sync.Mutex
	token *oauth2.Token
}

func NewProvider(cfg conf.OAuth, pass string, encrypt bool) *Provider {
	return &Provider{cfg: cfg, pass: pass, encrypt: encrypt}
}

// Enabled reports whether OAuth authentication is configured.
func (p *Provider) Enabled() bool {
	return p.cfg.Enabled
}

func (p *Provider) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.cfg.AuthURL,
			TokenURL: p.cfg.TokenURL,
		},
	}
}

func (p *Provider) loadLocked() (*oauth2.Token, error) {
	if p.token != nil {
		return p.token, nil
	}

	data, err := os.ReadFile(filepath.Clean(p.cfg.TokenFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %v", err)
	}
	if p.encrypt {
		data, err = crypto.Decrypt(data, p.pass)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt token file: %v", err)
		}
	}

	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to decode token file: %v", err)
	}
	p.token = &token
	return p.token, nil
}

func (p *Provider) saveLocked(token *oauth2.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to encode token: %v", err)
	}
	if p.encrypt {
		data, err = crypto.Encrypt(data, p.pass)
		if err != nil {
			return err
		}
	}

	tmp := p.cfg.TokenFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write token file: %v", err)
	}
	if err := os.Rename(tmp, p.cfg.TokenFile); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename token file: %v", err)
	}

	p.token = token
	return nil
}

// SaveToken stores a token obtained out of band (initial authorization).
func (p *Provider) SaveToken(token *oauth2.Token) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saveLocked(token)
}

// AccessToken returns the current access token.
func (p *Provider) AccessToken() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	token, err := p.loadLocked()
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// expiry resolves the token's expiry time: the stored expiry when
// present, otherwise the exp claim of a JWT-shaped access token.
func tokenExpiry(token *oauth2.Token) time.Time {
	if !token.Expiry.IsZero() {
		return token.Expiry
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token.AccessToken, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// TimeToExpiry returns how long the current access token remains valid.
// Zero when expired or when no expiry can be determined.
func (p *Provider) TimeToExpiry() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	token, err := p.loadLocked()
	if err != nil {
		return 0
	}

	expiry := tokenExpiry(token)
	if expiry.IsZero() {
		return 0
	}
	remaining := time.Until(expiry)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RefreshNeeded reports whether the access token is expired or about to
// expire.
func (p *Provider) RefreshNeeded() bool {
	if !p.cfg.Enabled {
		return false
	}

	p.mu.Lock()
	token, err := p.loadLocked()
	p.mu.Unlock()
	if err != nil {
		return true
	}

	expiry := tokenExpiry(token)
	if expiry.IsZero() {
		return true
	}
	return time.Until(expiry) < refreshMargin
}

// Refresh exchanges the refresh token for a new access token and persists
// it.
func (p *Provider) Refresh(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	token, err := p.loadLocked()
	if err != nil {
		return err
	}
	if token.RefreshToken == "" {
		return fmt.Errorf("no refresh token available")
	}

	// Force a refresh regardless of the stored expiry by presenting the
	// token source an already-expired token.
	stale := &oauth2.Token{
		RefreshToken: token.RefreshToken,
		Expiry:       time.Now().Add(-time.Hour),
	}
	fresh, err := p.oauth2Config().TokenSource(ctx, stale).Token()
	if err != nil {
		return fmt.Errorf("failed to refresh token: %v", err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = token.RefreshToken
	}

	return p.saveLocked(fresh)
}
