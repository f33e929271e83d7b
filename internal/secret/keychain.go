package secret

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"releasegen/internal/errors"
)

const keychainService = "releasegen"

// KeychainStore reads secrets from the macOS Keychain via the `security`
// CLI tool. On other systems every key is reported missing.
type KeychainStore struct{}

// NewKeychainStore creates a new KeychainStore.
func NewKeychainStore() *KeychainStore {
	return &KeychainStore{}
}

// Get retrieves a secret from the macOS Keychain.
func (k *KeychainStore) Get(key string) ([]byte, error) {
	if runtime.GOOS != "darwin" {
		return nil, errors.NotFound("keychain " + key)
	}
	cmd := exec.Command("security", "find-generic-password",
		"-a", key,
		"-s", keychainService,
		"-w", // output only the password
	)
	out, err := cmd.Output()
	if err != nil {
		// "security" exits with 44 when the item is not found.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 44 {
			return nil, errors.NotFound("keychain " + key)
		}
		return nil, fmt.Errorf("keychain get %s: %w", key, err)
	}
	return []byte(strings.TrimSpace(string(out))), nil
}
