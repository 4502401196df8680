package keyring

import (
	"fmt"
	"os"
	"strings"

	zkr "github.com/zalando/go-keyring"
)

const serviceName = "pagerelay"

// GetAPIKey retrieves the stored API key for a platform. Falls back to the
// conventional environment variable (e.g. OPENAI_API_KEY) when the OS
// keychain has no entry or is disabled, so headless setups keep working.
func GetAPIKey(platformID string) (string, error) {
	if keychainEnabled() {
		if key, err := zkr.Get(serviceName, platformID); err == nil && key != "" {
			return key, nil
		}
	}
	if key := os.Getenv(envVar(platformID)); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("no credentials for platform %q", platformID)
}

// SetAPIKey stores an API key for a platform in the OS keychain.
func SetAPIKey(platformID, key string) error {
	return zkr.Set(serviceName, platformID, key)
}

// DeleteAPIKey removes a platform's API key from the OS keychain.
func DeleteAPIKey(platformID string) error {
	return zkr.Delete(serviceName, platformID)
}

// HasCredentials reports whether a usable key exists for the platform.
// Local platforms (ollama) need no key and always pass.
func HasCredentials(platformID string) bool {
	if platformID == "ollama" {
		return true
	}
	_, err := GetAPIKey(platformID)
	return err == nil
}

// keychainEnabled returns false when PAGERELAY_KEYRING_DISABLED=1 is set
// (opt-out for headless/CI/Docker).
func keychainEnabled() bool {
	return os.Getenv("PAGERELAY_KEYRING_DISABLED") != "1"
}

func envVar(platformID string) string {
	return strings.ToUpper(strings.ReplaceAll(platformID, "-", "_")) + "_API_KEY"
}
