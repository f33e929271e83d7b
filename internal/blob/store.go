// Package blob implements byte storage for release files on an afero
// filesystem. Production uses a directory on disk; tests use memory.
package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"releasegen/internal/domain"
	"releasegen/internal/errors"
)

// partSuffix marks an output that has not been completed yet.
const partSuffix = ".part"

// Store is a domain.ByteStore over an afero filesystem.
type Store struct {
	fs afero.Fs
}

var _ domain.ByteStore = (*Store)(nil)

// New wraps fs.
func New(fs afero.Fs) *Store {
	return &Store{fs: fs}
}

// NewOS returns a Store rooted at dir on the local disk.
func NewOS(dir string) *Store {
	return New(afero.NewBasePathFs(afero.NewOsFs(), dir))
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Store {
	return New(afero.NewMemMapFs())
}

// Fs exposes the underlying filesystem.
func (s *Store) Fs() afero.Fs {
	return s.fs
}

func clean(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

// GetInputStream opens p for reading.
func (s *Store) GetInputStream(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := s.fs.Open(clean(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound(p)
		}
		return nil, err
	}
	return f, nil
}

// PutOutputStream returns a sink for p. Bytes are pumped through a pipe to a
// consumer goroutine writing a temporary object, so writes block until the
// consumer drains them. The object becomes visible under p only once Close
// succeeds.
func (s *Store) PutOutputStream(ctx context.Context, p string) (domain.OutputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target := clean(p)
	if err := s.fs.MkdirAll(path.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("create parent of %s: %w", p, err)
	}
	f, err := s.fs.Create(target + partSuffix)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", p, err)
	}

	pr, pw := io.Pipe()
	out := &outputStream{fs: s.fs, target: target, pw: pw, done: make(chan struct{})}
	go func() {
		defer close(out.done)
		_, copyErr := io.Copy(f, pr)
		closeErr := f.Close()
		if copyErr == nil {
			copyErr = closeErr
		}
		out.consumeErr = copyErr
		// Unblock the writer if the consumer failed.
		pr.CloseWithError(copyErr)
	}()
	return out, nil
}

type outputStream struct {
	fs         afero.Fs
	target     string
	pw         *io.PipeWriter
	done       chan struct{}
	consumeErr error
	once       sync.Once
	closeErr   error
}

func (o *outputStream) Write(p []byte) (int, error) {
	return o.pw.Write(p)
}

// Close completes the object and waits for the consumer.
func (o *outputStream) Close() error {
	o.once.Do(func() {
		o.pw.Close()
		<-o.done
		if o.consumeErr != nil {
			o.fs.Remove(o.target + partSuffix)
			o.closeErr = fmt.Errorf("store %s: %w", o.target, o.consumeErr)
			return
		}
		if err := o.fs.Rename(o.target+partSuffix, o.target); err != nil {
			o.closeErr = fmt.Errorf("commit %s: %w", o.target, err)
		}
	})
	return o.closeErr
}

// Abort discards everything written.
func (o *outputStream) Abort(err error) {
	o.once.Do(func() {
		if err == nil {
			err = io.ErrClosedPipe
		}
		o.pw.CloseWithError(err)
		<-o.done
		o.fs.Remove(o.target + partSuffix)
		o.closeErr = fmt.Errorf("aborted %s: %w", o.target, err)
	})
}

// List returns every completed object under prefix, sorted. A missing prefix
// yields an empty list.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root := clean(prefix)
	if root == "" {
		root = "."
	}
	var out []string
	err := afero.Walk(s.fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasSuffix(p, partSuffix) {
			return nil
		}
		out = append(out, clean(p))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Rename moves an object, replacing any existing object at to.
func (s *Store) Rename(ctx context.Context, from, to string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst := clean(to)
	if err := s.fs.MkdirAll(path.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := s.fs.Rename(clean(from), dst); err != nil {
		if os.IsNotExist(err) {
			return errors.NotFound(from)
		}
		return err
	}
	return nil
}

// Delete removes an object.
func (s *Store) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.fs.Remove(clean(p)); err != nil {
		if os.IsNotExist(err) {
			return errors.NotFound(p)
		}
		return err
	}
	return nil
}

// WriteFile stores data under p in one call.
func (s *Store) WriteFile(ctx context.Context, p string, data []byte) error {
	out, err := s.PutOutputStream(ctx, p)
	if err != nil {
		return err
	}
	if _, err := out.Write(data); err != nil {
		out.Abort(err)
		return err
	}
	return out.Close()
}

// ReadFile returns the full content of p.
func (s *Store) ReadFile(ctx context.Context, p string) ([]byte, error) {
	rc, err := s.GetInputStream(ctx, p)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
