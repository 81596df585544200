package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/medofficehq/automation/pkg/common/config"
	"github.com/medofficehq/automation/pkg/common/logger"
	"github.com/medofficehq/automation/pkg/gateway/httpclient"
)

// fallbackLifetime applies to access tokens that carry no exp claim.
const fallbackLifetime = 30 * 24 * time.Hour

var ErrNoRefreshToken = errors.New("no refresh token available")

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// RefreshSource hands out the current access token and exchanges the refresh
// token for a new one when it expires or is invalidated.
type RefreshSource struct {
	endpoint     string
	refreshToken string
	client       *http.Client
	nowFunc      func() time.Time

	mu      sync.Mutex
	current *oauth2.Token
}

func NewRefreshSource(baseURL, accessToken, refreshToken string, client *http.Client) *RefreshSource {
	if client == nil {
		client = httpclient.New(30 * time.Second)
	}
	s := &RefreshSource{
		endpoint:     strings.TrimRight(baseURL, "/") + "/auth/refresh-token",
		refreshToken: refreshToken,
		client:       client,
		nowFunc:      time.Now,
	}
	if accessToken != "" {
		s.current = s.tokenFor(accessToken)
	}
	return s
}

// Token implements oauth2.TokenSource.
func (s *RefreshSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.current.AccessToken != "" && s.nowFunc().Before(s.current.Expiry) {
		return s.current, nil
	}
	return s.refreshLocked(context.Background())
}

// Invalidate drops the cached access token so the next Token call refreshes.
func (s *RefreshSource) Invalidate() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}

func (s *RefreshSource) refreshLocked(ctx context.Context) (*oauth2.Token, error) {
	if s.refreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	payload, err := json.Marshal(refreshRequest{RefreshToken: s.refreshToken})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refreshing access token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading refresh response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, httpclient.NewAPIError(resp.StatusCode, body)
	}

	var out refreshResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding refresh response: %w", err)
	}
	if out.AccessToken == "" {
		return nil, errors.New("refresh response carried no access_token")
	}
	if out.RefreshToken != "" {
		s.refreshToken = out.RefreshToken
	}

	s.current = s.tokenFor(out.AccessToken)
	logger.WithField("expires_at", s.current.Expiry).Info("access token refreshed")
	return s.current, nil
}

func (s *RefreshSource) tokenFor(access string) *oauth2.Token {
	expiry := s.nowFunc().Add(fallbackLifetime)
	if claims, err := ParseClaims(access); err == nil {
		if exp := claims.Expiry(); !exp.IsZero() {
			expiry = exp
		}
	}
	return &oauth2.Token{
		AccessToken: access,
		TokenType:   "Bearer",
		Expiry:      expiry,
	}
}

// NewTokenSource builds the credential source for the rules API: a refreshing
// source when a refresh token is configured, a static one for a bare access
// token, and nil when neither is set.
func NewTokenSource(cfg *config.Config, client *http.Client) oauth2.TokenSource {
	switch {
	case cfg.APIRefreshToken != "":
		return NewRefreshSource(cfg.APIBaseURL, cfg.APIAccessToken, cfg.APIRefreshToken, client)
	case cfg.APIAccessToken != "":
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.APIAccessToken, TokenType: "Bearer"})
	default:
		logger.Log.Warn("no rules API credentials configured; requests will be unauthenticated")
		return nil
	}
}
