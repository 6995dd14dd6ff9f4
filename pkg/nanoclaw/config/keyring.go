package config

import (
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// keyringService is the service name used in the OS keyring.
const keyringService = "nanoclaw"

// resolveSecret looks a credential up by priority: environment variable,
// OS keyring, config fallback.
func resolveSecret(envVar, keyringKey, fallback string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	if v, err := keyring.Get(keyringService, keyringKey); err == nil && v != "" {
		return v
	}
	return fallback
}

// StoreSecret saves a credential to the OS keyring.
func StoreSecret(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// DeleteSecret removes a credential from the OS keyring.
func DeleteSecret(key string) error {
	return keyring.Delete(keyringService, key)
}

// envName qualifies an env var with a slack namespace: NANOCLAW_SLACK_BOT_TOKEN
// or NANOCLAW_SLACK_BOT_TOKEN_CIT.
func envName(base, namespace string) string {
	if namespace == "" {
		return base
	}
	return base + "_" + strings.ToUpper(namespace)
}

// keyName qualifies a keyring key with a slack namespace.
func keyName(base, namespace string) string {
	if namespace == "" {
		return base
	}
	return base + "_" + strings.ToLower(namespace)
}
