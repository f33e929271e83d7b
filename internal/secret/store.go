// Package secret resolves credentials referenced from configuration, so
// passwords and DSNs need not live in the config file.
package secret

import (
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"

	"releasegen/internal/errors"
)

// Ref prefixes a configuration value that names a secret instead of
// holding it, e.g. "secret:idservice-password".
const Ref = "secret:"

// Store provides a pluggable interface for reading sensitive data.
type Store interface {
	// Get retrieves the secret value for key. Returns errors.ErrNotFound
	// when the key does not exist.
	Get(key string) ([]byte, error)
}

// Chain consults each store in order and returns the first hit.
type Chain []Store

func (c Chain) Get(key string) ([]byte, error) {
	for _, s := range c {
		v, err := s.Get(key)
		if err == nil {
			return v, nil
		}
		if !errors.IsNotFound(err) {
			return nil, err
		}
	}
	return nil, errors.NotFound("secret " + key)
}

// Resolve returns value unchanged unless it is a secret reference, in which
// case the referenced secret is looked up in s.
func Resolve(s Store, value string) (string, error) {
	key, ok := strings.CutPrefix(value, Ref)
	if !ok {
		return value, nil
	}
	if key == "" {
		return "", fmt.Errorf("empty secret reference")
	}
	v, err := s.Get(key)
	if err != nil {
		return "", fmt.Errorf("resolve secret %s: %w", key, err)
	}
	return strings.TrimRight(string(v), "\r\n"), nil
}

// EnvStore reads RELEASEGEN_SECRET_<KEY>, with the key upper-cased and
// dashes and dots turned into underscores.
type EnvStore struct{}

func (EnvStore) Get(key string) ([]byte, error) {
	name := "RELEASEGEN_SECRET_" + strings.NewReplacer("-", "_", ".", "_").Replace(strings.ToUpper(key))
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil, errors.NotFound("env " + name)
	}
	return []byte(v), nil
}

// DirStore reads one file per key from a directory, the layout of mounted
// container secrets.
type DirStore struct {
	Fs  afero.Fs
	Dir string
}

// NewDirStore returns a DirStore over dir on the local disk.
func NewDirStore(dir string) *DirStore {
	return &DirStore{Fs: afero.NewOsFs(), Dir: dir}
}

func (d *DirStore) Get(key string) ([]byte, error) {
	if strings.ContainsAny(key, `/\`) || key == ".." {
		return nil, fmt.Errorf("invalid secret key %q", key)
	}
	data, err := afero.ReadFile(d.Fs, path.Join(d.Dir, key))
	if os.IsNotExist(err) {
		return nil, errors.NotFound("secret file " + key)
	}
	return data, err
}
