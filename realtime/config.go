package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/room4-2/voicetasks/messages"
)

const DefaultAPIVersion = "2024-10-01-preview"

// SessionConfig identifies the realtime endpoint for one connection
type SessionConfig struct {
	Endpoint   string // https://<resource>.openai.azure.com
	APIKey     string
	Deployment string
	APIVersion string
}

// SessionURL builds the websocket URL for cfg
func SessionURL(cfg SessionConfig) (string, error) {
	if cfg.Endpoint == "" {
		return "", errors.New("missing endpoint")
	}
	if cfg.Deployment == "" {
		return "", errors.New("missing deployment")
	}
	u, err := url.Parse(strings.TrimRight(cfg.Endpoint, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}

	version := cfg.APIVersion
	if version == "" {
		version = DefaultAPIVersion
	}
	u.Path += "/openai/realtime"
	q := url.Values{}
	q.Set("api-version", version)
	q.Set("deployment", cfg.Deployment)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// CredentialSource supplies connection credentials, once per Connect
type CredentialSource interface {
	Credentials(ctx context.Context) (SessionConfig, error)
}

// StaticCredentials returns a fixed configuration
type StaticCredentials SessionConfig

func (s StaticCredentials) Credentials(context.Context) (SessionConfig, error) {
	if s.Endpoint == "" || s.APIKey == "" {
		return SessionConfig{}, errors.New("realtime credentials not configured")
	}
	return SessionConfig(s), nil
}

// TokenEndpoint fetches credentials from the task app's voice token route
type TokenEndpoint struct {
	URL        string
	Token      string // optional bearer token
	APIVersion string
	Client     *http.Client
}

type tokenResponse struct {
	Endpoint   string `json:"endpoint"`
	APIKey     string `json:"apiKey"`
	Deployment string `json:"deployment"`
	Error      string `json:"error"`
}

func (t TokenEndpoint) Credentials(ctx context.Context) (SessionConfig, error) {
	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return SessionConfig{}, fmt.Errorf("build token request: %w", err)
	}
	if t.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.Token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return SessionConfig{}, fmt.Errorf("fetch voice token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return SessionConfig{}, fmt.Errorf("read voice token: %w", err)
	}
	var tr tokenResponse
	if err := messages.Unmarshal(body, &tr); err != nil {
		return SessionConfig{}, fmt.Errorf("decode voice token (HTTP %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if tr.Error == "" {
			tr.Error = http.StatusText(resp.StatusCode)
		}
		return SessionConfig{}, fmt.Errorf("voice token: HTTP %d: %s", resp.StatusCode, tr.Error)
	}
	if tr.Endpoint == "" || tr.APIKey == "" {
		return SessionConfig{}, errors.New("voice token: response missing endpoint or apiKey")
	}
	return SessionConfig{
		Endpoint:   tr.Endpoint,
		APIKey:     tr.APIKey,
		Deployment: tr.Deployment,
		APIVersion: t.APIVersion,
	}, nil
}
