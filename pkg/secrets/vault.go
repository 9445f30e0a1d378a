package secrets

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
	"github.com/mwebcode/hgc-frontend-tests-api/pkg/config"
)

type vaultProvider struct {
	client    *vault.Client
	mount     string
	kvVersion int
}

func newVaultProvider(cfg config.VaultConfig) (*vaultProvider, error) {
	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		return nil, fmt.Errorf("secrets.vault.address is required for vault:// references")
	}

	apiCfg := vault.DefaultConfig()
	apiCfg.Address = address

	client, err := vault.NewClient(apiCfg)
	if err != nil {
		return nil, err
	}

	if ns := strings.TrimSpace(cfg.Namespace); ns != "" {
		client.SetNamespace(ns)
	}

	// An empty token leaves VAULT_TOKEN from the environment in effect.
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mount := strings.Trim(strings.TrimSpace(cfg.Mount), "/")
	if mount == "" {
		mount = "secret"
	}

	kvVersion := cfg.KVVersion
	if kvVersion == 0 {
		kvVersion = 2
	}

	if kvVersion != 1 && kvVersion != 2 {
		return nil, fmt.Errorf("vault kv_version must be 1 or 2")
	}

	return &vaultProvider{
		client:    client,
		mount:     mount,
		kvVersion: kvVersion,
	}, nil
}

// Resolve reads "path#key". Without a key, a secret holding a single value
// (or a "value" field) is returned.
func (p *vaultProvider) Resolve(ctx context.Context, ref string) (string, error) {
	path, key := splitVaultPath(ref)
	if path == "" {
		return "", fmt.Errorf("vault secret path is required")
	}

	data, err := p.read(ctx, path)
	if err != nil {
		return "", err
	}

	return selectSecretValue(data, key)
}

func (p *vaultProvider) read(ctx context.Context, path string) (map[string]any, error) {
	switch p.kvVersion {
	case 1:
		secret, err := p.client.Logical().ReadWithContext(ctx, p.mount+"/"+path)
		if err != nil {
			return nil, err
		}

		if secret == nil || secret.Data == nil {
			return nil, fmt.Errorf("vault secret %q not found", path)
		}

		return secret.Data, nil
	default:
		secret, err := p.client.KVv2(p.mount).Get(ctx, path)
		if err != nil {
			return nil, err
		}

		if secret == nil || secret.Data == nil {
			return nil, fmt.Errorf("vault secret %q not found", path)
		}

		return secret.Data, nil
	}
}

func splitVaultPath(raw string) (string, string) {
	parts := strings.SplitN(strings.TrimSpace(raw), "#", 2)
	path := strings.Trim(strings.TrimSpace(parts[0]), "/")

	key := ""
	if len(parts) > 1 {
		key = strings.TrimSpace(parts[1])
	}

	return path, key
}

func selectSecretValue(data map[string]any, key string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("secret data is empty")
	}

	if key == "" {
		if val, ok := data["value"]; ok {
			return coerceString(val)
		}

		if len(data) == 1 {
			for _, val := range data {
				return coerceString(val)
			}
		}

		return "", fmt.Errorf("secret value is ambiguous; specify a key")
	}

	val, ok := data[key]
	if !ok {
		return "", fmt.Errorf("secret key %q not found", key)
	}

	return coerceString(val)
}

func coerceString(val any) (string, error) {
	switch typed := val.(type) {
	case string:
		return typed, nil
	case []byte:
		return string(typed), nil
	default:
		return "", fmt.Errorf("secret value must be a string")
	}
}
