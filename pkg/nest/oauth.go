package nest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const googleTokenURL = "https://oauth2.googleapis.com/token"

// RefreshTokenProvider is the TokenProvider implementation for a
// long-lived Nest OAuth refresh token: it caches the access token until
// shortly before its expiry and refreshes lazily under a mutex.
type RefreshTokenProvider struct {
	clientID     string
	clientSecret string
	refreshToken string
	httpClient   *http.Client

	mu          sync.Mutex
	accessToken string
	expiry      time.Time
}

func NewRefreshTokenProvider(clientID, clientSecret, refreshToken string) *RefreshTokenProvider {
	return &RefreshTokenProvider{
		clientID:     clientID,
		clientSecret: clientSecret,
		refreshToken: refreshToken,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
	}
}

// AccessToken implements TokenProvider.
func (p *RefreshTokenProvider) AccessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.accessToken != "" && time.Now().Before(p.expiry.Add(-60*time.Second)) {
		return p.accessToken, nil
	}

	tok, expiresIn, err := p.refresh(ctx)
	if err != nil {
		return "", err
	}

	p.accessToken = tok
	p.expiry = time.Now().Add(time.Duration(expiresIn) * time.Second)
	return p.accessToken, nil
}

func (p *RefreshTokenProvider) refresh(ctx context.Context) (string, int, error) {
	params := url.Values{
		"client_id":     {p.clientID},
		"client_secret": {p.clientSecret},
		"refresh_token": {p.refreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, "POST", googleTokenURL, strings.NewReader(params.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, body)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", 0, fmt.Errorf("parsing token response: %w", err)
	}
	return tok.AccessToken, tok.ExpiresIn, nil
}
