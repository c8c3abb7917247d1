package github

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// AppCredentials authenticate as a GitHub App installation instead of a personal token
type AppCredentials struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPEM  string
}

// installationTokenSource mints installation access tokens from an app JWT.
type installationTokenSource struct {
	ctx            context.Context
	httpClient     *http.Client
	baseURL        string
	appID          int64
	installationID int64
	privateKey     *rsa.PrivateKey
	now            func() time.Time
}

// NewInstallationTokenSource returns a cached token source for app installation tokens.
func NewInstallationTokenSource(ctx context.Context, creds AppCredentials, baseURL string, httpClient *http.Client) (oauth2.TokenSource, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(creds.PrivateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}

	src := &installationTokenSource{
		ctx:            ctx,
		httpClient:     httpClient,
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		appID:          creds.AppID,
		installationID: creds.InstallationID,
		privateKey:     key,
		now:            time.Now,
	}
	return oauth2.ReuseTokenSource(nil, src), nil
}

// generateJWT signs the short-lived app JWT. iat is backdated for clock drift.
func (s *installationTokenSource) generateJWT() (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"iat": now.Add(-time.Minute).Unix(),
		"exp": now.Add(9 * time.Minute).Unix(),
		"iss": s.appID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(s.privateKey)
}

// Token exchanges the app JWT for an installation access token
func (s *installationTokenSource) Token() (*oauth2.Token, error) {
	jwtToken, err := s.generateJWT()
	if err != nil {
		return nil, fmt.Errorf("failed to generate JWT: %w", err)
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", s.baseURL, s.installationID)
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+jwtToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get installation token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("GitHub API returned status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &oauth2.Token{
		AccessToken: tokenResp.Token,
		TokenType:   "token",
		Expiry:      tokenResp.ExpiresAt,
	}, nil
}
