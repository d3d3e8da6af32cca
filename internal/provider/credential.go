package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultRefreshMargin is subtracted from the configured token lifetime so
// a token is replaced before the provider would reject it mid-request.
const DefaultRefreshMargin = 30 * time.Second

const apiKeyPlaceholder = "{API_KEY}"

// CredentialConfig configures a Credential.
type CredentialConfig struct {
	AuthURL string
	// BodyTemplate is the form-encoded auth request body with the literal
	// {API_KEY} placeholder, e.g. "apiKey={API_KEY}&space=BSA".
	BodyTemplate  string
	APIKey        string
	TokenLifetime time.Duration
	// RefreshMargin defaults to DefaultRefreshMargin when zero.
	RefreshMargin time.Duration
	HTTPClient    *http.Client
	Log           *zap.Logger
}

// Credential caches the provider auth token and refreshes it on demand.
// A token is refreshed when none has ever been fetched or when its
// effective lifetime (configured lifetime minus the safety margin) has
// elapsed, so callers never observe an empty or expiring token.
type Credential struct {
	authURL      string
	bodyTemplate string
	apiKey       string
	effectiveTTL time.Duration
	http         *http.Client
	log          *zap.Logger
	now          func() time.Time

	mu          sync.Mutex
	token       string
	refreshedAt time.Time
}

// NewCredential validates the template and lifetime and returns a ready
// Credential. The API key itself is held in memory only and never logged.
func NewCredential(cfg CredentialConfig) (*Credential, error) {
	if cfg.AuthURL == "" {
		return nil, fmt.Errorf("credential: auth URL is required")
	}
	if !strings.Contains(cfg.BodyTemplate, apiKeyPlaceholder) {
		return nil, fmt.Errorf("credential: body template must contain %s", apiKeyPlaceholder)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("credential: API key is required")
	}
	margin := cfg.RefreshMargin
	if margin == 0 {
		margin = DefaultRefreshMargin
	}
	if cfg.TokenLifetime <= margin {
		return nil, fmt.Errorf("credential: token lifetime %v must exceed refresh margin %v", cfg.TokenLifetime, margin)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Credential{
		authURL:      cfg.AuthURL,
		bodyTemplate: cfg.BodyTemplate,
		apiKey:       cfg.APIKey,
		effectiveTTL: cfg.TokenLifetime - margin,
		http:         client,
		log:          log,
		now:          time.Now,
	}, nil
}

// Token returns a currently valid auth token, refreshing it first when
// needed. Concurrent callers share a single in-flight refresh.
func (c *Credential) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Sub(c.refreshedAt) < c.effectiveTTL {
		return c.token, nil
	}
	token, err := c.fetchToken(ctx)
	if err != nil {
		return "", err
	}
	c.token = token
	c.refreshedAt = c.now()
	c.log.Info("refreshed provider auth token")
	return c.token, nil
}

func (c *Credential) fetchToken(ctx context.Context) (string, error) {
	body := strings.ReplaceAll(c.bodyTemplate, apiKeyPlaceholder, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, strings.NewReader(body))
	if err != nil {
		return "", Permanent("auth", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", Permanent("auth", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", Permanent("auth", fmt.Errorf("unexpected status %s", resp.Status))
	}
	var payload struct {
		IDToken string `json:"id_token"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return "", Permanent("auth", fmt.Errorf("decode response: %w", err))
	}
	if payload.IDToken == "" {
		return "", Permanent("auth", fmt.Errorf("response carries no id_token"))
	}
	return payload.IDToken, nil
}
