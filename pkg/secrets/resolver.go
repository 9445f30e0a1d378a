// Package secrets resolves secret references used in configuration values.
//
// A reference is one of:
//
//	env://NAME            value of environment variable NAME
//	file:///path/to/file  contents of the file, trailing newline trimmed
//	vault://path#key      key of a Vault KV secret at path
//
// Anything else is returned unchanged as a literal.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/mwebcode/hgc-frontend-tests-api/pkg/config"
	"github.com/sirupsen/logrus"
)

const (
	schemeEnv   = "env://"
	schemeFile  = "file://"
	schemeVault = "vault://"
)

// Provider resolves the path part of a reference for a single scheme.
type Provider interface {
	Resolve(ctx context.Context, path string) (string, error)
}

// Resolver dispatches references to providers by scheme.
type Resolver struct {
	log       logrus.FieldLogger
	vaultCfg  config.VaultConfig
	vaultOnce sync.Once
	vault     Provider
	vaultErr  error
	lookupEnv func(string) (string, bool)
}

// Compile-time interface check.
var _ config.SecretResolver = (*Resolver)(nil)

// NewResolver creates a resolver. The Vault client is created lazily on the
// first vault:// reference.
func NewResolver(log logrus.FieldLogger, cfg config.VaultConfig) *Resolver {
	return &Resolver{
		log:       log.WithField("component", "secrets"),
		vaultCfg:  cfg,
		lookupEnv: os.LookupEnv,
	}
}

// Resolve returns the value a reference points to.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, schemeEnv):
		name := strings.TrimPrefix(ref, schemeEnv)

		val, ok := r.lookupEnv(name)
		if !ok {
			return "", fmt.Errorf("environment variable %q is not set", name)
		}

		return val, nil
	case strings.HasPrefix(ref, schemeFile):
		p := strings.TrimPrefix(ref, schemeFile)

		data, err := os.ReadFile(p)
		if err != nil {
			return "", fmt.Errorf("reading secret file: %w", err)
		}

		return strings.TrimRight(string(data), "\r\n"), nil
	case strings.HasPrefix(ref, schemeVault):
		provider, err := r.vaultProvider()
		if err != nil {
			return "", err
		}

		val, err := provider.Resolve(ctx, strings.TrimPrefix(ref, schemeVault))
		if err != nil {
			return "", fmt.Errorf("resolving vault secret: %w", err)
		}

		r.log.WithField("ref", ref).Debug("Resolved vault secret")

		return val, nil
	default:
		return ref, nil
	}
}

func (r *Resolver) vaultProvider() (Provider, error) {
	r.vaultOnce.Do(func() {
		if r.vault != nil {
			return
		}

		p, err := newVaultProvider(r.vaultCfg)
		if err != nil {
			r.vaultErr = err

			return
		}

		r.vault = p
	})

	if r.vaultErr != nil {
		return nil, fmt.Errorf("creating vault client: %w", r.vaultErr)
	}

	return r.vault, nil
}
