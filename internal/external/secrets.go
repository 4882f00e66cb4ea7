// Package external holds the engine's black-box collaborators: the
// secrets store, notification sink, artifact store, approval source and
// the metrics endpoint queried by gate stages. Each is a small interface
// with an HTTP or filesystem default, so tests swap in statics.
package external

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// secretScheme prefixes values that should be resolved instead of used
// verbatim, e.g. "secret://deploy-token".
const secretScheme = "secret://"

// SecretSource resolves credential references. Implementations never
// log resolved values.
type SecretSource interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// IsSecretRef reports whether the value is a secret reference.
func IsSecretRef(value string) bool {
	return strings.HasPrefix(value, secretScheme)
}

// RefName strips the secret scheme from a reference.
func RefName(ref string) string {
	return strings.TrimPrefix(ref, secretScheme)
}

// EnvSecrets resolves references from process environment variables
// with a fixed prefix. The default for local development.
type EnvSecrets struct {
	Prefix string
}

func (s EnvSecrets) Resolve(_ context.Context, ref string) (string, error) {
	key := s.Prefix + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(RefName(ref)))
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("secret %q not found (env %s unset)", RefName(ref), key)
	}
	return value, nil
}

// HTTPSecrets fetches secrets by name from a store exposing
// GET {base}/{name} returning the plain value.
type HTTPSecrets struct {
	Base   string
	Client *http.Client
}

func (s HTTPSecrets) Resolve(ctx context.Context, ref string) (string, error) {
	name := RefName(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(s.Base, "/")+"/"+name, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("secret store: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("secret store: %s for %q", resp.Status, name)
	}
	value, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(value)), nil
}

func (s HTTPSecrets) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}
