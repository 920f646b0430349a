// Package credentials renders a JSON secrets template and decodes the tokens
// card-stats needs. Template functions fetch values from the environment,
// files or registered secret providers:
//
//	{
//	  "auth_token": {{ env "SYNC_SERVER_TOKEN" | json }},
//	  "sync_token": {{ op "op://cards/sync/token" | json }},
//	  "store_dsn":  {{ file "/run/secrets/dsn" | json }}
//	}
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"
)

const (
	maxTemplateSize = 1 << 20
	maxRenderedSize = 1 << 20
)

// Credentials are the secrets card-stats reads from a template. Empty
// fields leave the matching flag untouched.
type Credentials struct {
	// AuthToken is the bearer token the sync server requires.
	AuthToken string `json:"auth_token,omitempty"`

	// SyncToken is the bearer token the sync client sends.
	SyncToken string `json:"sync_token,omitempty"`

	// CSRFToken is sent with origin requests.
	CSRFToken string `json:"csrf_token,omitempty"`

	// StoreDSN selects the sync server's remote store, usually because it
	// embeds a database password.
	StoreDSN string `json:"store_dsn,omitempty"`
}

// Fill copies each non-empty credential into the matching destination when
// the destination is still empty.
func (c *Credentials) Fill(authToken, syncToken, csrfToken, storeDSN *string) {
	if c == nil {
		return
	}
	for _, f := range []struct {
		dst *string
		val string
	}{
		{authToken, c.AuthToken},
		{syncToken, c.SyncToken},
		{csrfToken, c.CSRFToken},
		{storeDSN, c.StoreDSN},
	} {
		if f.dst != nil && *f.dst == "" {
			*f.dst = f.val
		}
	}
}

// SecretProvider looks up a secret by reference.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// Loader renders credential templates.
type Loader struct {
	providers map[string]SecretProvider
	lookupEnv func(string) (string, bool)
	logger    *slog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithProvider exposes p as the template function name.
func WithProvider(name string, p SecretProvider) Option {
	return func(l *Loader) {
		l.providers[name] = p
	}
}

// WithLookupEnv replaces os.LookupEnv, for testing.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(l *Loader) {
		l.lookupEnv = fn
	}
}

// NewLoader creates a Loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		providers: make(map[string]SecretProvider),
		lookupEnv: os.LookupEnv,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadFile renders the template at path.
func (l *Loader) LoadFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer f.Close()

	creds, err := l.Load(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return creds, nil
}

// Load renders a template read from r. Unknown JSON fields are rejected so a
// typo does not silently drop a secret.
func (l *Loader) Load(ctx context.Context, r io.Reader) (*Credentials, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxTemplateSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(data) > maxTemplateSize {
		return nil, fmt.Errorf("credentials template exceeds %d bytes", maxTemplateSize)
	}

	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(l.funcs(ctx)).
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("rendering credentials template: %w", err)
	}
	if buf.Len() > maxRenderedSize {
		return nil, fmt.Errorf("rendered credentials exceed %d bytes", maxRenderedSize)
	}

	dec := json.NewDecoder(&buf)
	dec.DisallowUnknownFields()
	var creds Credentials
	if err := dec.Decode(&creds); err != nil {
		return nil, fmt.Errorf("decoding rendered credentials: %w", err)
	}

	l.logger.Debug("credentials loaded",
		"auth_token", creds.AuthToken != "",
		"sync_token", creds.SyncToken != "",
		"csrf_token", creds.CSRFToken != "",
		"store_dsn", creds.StoreDSN != "",
	)
	return &creds, nil
}

func (l *Loader) funcs(ctx context.Context) template.FuncMap {
	fm := template.FuncMap{
		"env": func(key string) (string, error) {
			v, ok := l.lookupEnv(key)
			if !ok {
				return "", fmt.Errorf("environment variable %q is not set", key)
			}
			return v, nil
		},
		"envDefault": func(key, fallback string) string {
			if v, ok := l.lookupEnv(key); ok {
				return v
			}
			return fallback
		},
		"file": func(path string) (string, error) {
			b, err := os.ReadFile(path)
			if err != nil {
				return "", err
			}
			return strings.TrimSpace(string(b)), nil
		},
		"json": func(s string) (string, error) {
			b, err := json.Marshal(s)
			return string(b), err
		},
	}

	// One lookup per reference per render.
	seen := make(map[string]string)
	for name, p := range l.providers {
		fm[name] = func(ref string) (string, error) {
			k := name + "\x00" + ref
			if v, ok := seen[k]; ok {
				return v, nil
			}
			v, err := p(ctx, ref)
			if err != nil {
				return "", fmt.Errorf("%s %q: %w", name, ref, err)
			}
			if v == "" {
				return "", fmt.Errorf("%s %q: %w", name, ref, ErrEmptySecret)
			}
			seen[k] = v
			return v, nil
		}
	}
	return fm
}

// ErrEmptySecret is returned when a provider resolves a reference to nothing.
var ErrEmptySecret = errors.New("empty secret")
