// Package settings stores the backend preferences the orchestrator reads at
// submission time: default mode, remote server URL and API key.
package settings

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/seantiz/canvas/internal/apperrors"
	"github.com/seantiz/canvas/internal/model"
	"github.com/seantiz/canvas/internal/source/remote"
)

// Setting keys.
const (
	keyMode      = "mode"
	keyServerURL = "server_url"
	keyAPIKey    = "api_key"
)

// Preferences is the stored configuration.
type Preferences struct {
	Mode      model.Mode `json:"mode"`
	ServerURL string     `json:"server_url"`
	APIKey    string     `json:"api_key"`
}

// Masked returns a copy safe to show to clients.
func (p Preferences) Masked() Preferences {
	p.APIKey = Mask(p.APIKey)
	return p
}

// Mask hides all but the last four characters of a secret.
func Mask(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}

// KV is the persistence the service needs.
type KV interface {
	GetSettings(ctx context.Context) (map[string]string, error)
	PutSettings(ctx context.Context, kv map[string]string) error
}

// Service reads and writes preferences. Missing keys fall back to defaults.
type Service struct {
	mu       sync.RWMutex
	kv       KV
	defaults Preferences
}

// New creates a preference service with the given defaults.
func New(kv KV, defaults Preferences) *Service {
	return &Service{kv: kv, defaults: defaults}
}

// Get returns the current preferences.
func (s *Service) Get(ctx context.Context) (Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kv, err := s.kv.GetSettings(ctx)
	if err != nil {
		return Preferences{}, apperrors.Store("settings.get", err)
	}
	p := s.defaults
	if v, ok := kv[keyMode]; ok {
		if m, ok := model.ParseMode(v); ok {
			p.Mode = m
		}
	}
	if v, ok := kv[keyServerURL]; ok && v != "" {
		p.ServerURL = v
	}
	if v, ok := kv[keyAPIKey]; ok && v != "" {
		p.APIKey = v
	}
	return p, nil
}

// Update validates and stores p. An empty APIKey keeps the stored key, so a
// client can resubmit masked preferences without overwriting the secret.
func (s *Service) Update(ctx context.Context, p Preferences) (Preferences, error) {
	if _, ok := model.ParseMode(string(p.Mode)); !ok {
		return Preferences{}, apperrors.Validation("mode", fmt.Sprintf("unknown mode %q", p.Mode))
	}
	p.ServerURL = strings.TrimSpace(p.ServerURL)
	if p.ServerURL != "" {
		u, err := url.Parse(p.ServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return Preferences{}, apperrors.Validation("server_url", "must be an absolute http(s) URL")
		}
	}

	kv := map[string]string{keyMode: string(p.Mode)}
	if p.ServerURL != "" {
		kv[keyServerURL] = p.ServerURL
	}
	if key := strings.TrimSpace(p.APIKey); key != "" && !strings.Contains(key, "*") {
		kv[keyAPIKey] = key
	}

	s.mu.Lock()
	err := s.kv.PutSettings(ctx, kv)
	s.mu.Unlock()
	if err != nil {
		return Preferences{}, apperrors.Store("settings.put", err)
	}
	return s.Get(ctx)
}

// RemoteCredentials returns the server URL and API key for the remote source.
func (s *Service) RemoteCredentials(ctx context.Context) (remote.Credentials, error) {
	p, err := s.Get(ctx)
	if err != nil {
		return remote.Credentials{}, err
	}
	return remote.Credentials{ServerURL: p.ServerURL, APIKey: p.APIKey}, nil
}
