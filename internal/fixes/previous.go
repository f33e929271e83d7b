package fixes

import (
	"bufio"
	"context"
	"io"
	"path"
	"strings"

	"releasegen/internal/domain"
	"releasegen/internal/errors"
	"releasegen/internal/schema"
)

// Previous locates files of the previously published release.
type Previous struct {
	Store domain.ByteStore
	// Dir is the storage prefix holding the previous release's files.
	Dir string
}

// Find returns the path of the previously published counterpart of filename
// in the given release form. The previous release carries a different date,
// so names are matched ignoring it.
func (p *Previous) Find(ctx context.Context, filename string, variant domain.FileVariant) (string, error) {
	want, ok := schema.VariantName(path.Base(filename), variant)
	if !ok {
		return "", errors.NotFound("previous " + string(variant) + " for " + filename)
	}
	if p == nil || p.Store == nil || p.Dir == "" {
		return "", errors.NotFound("previous " + want)
	}

	paths, err := p.Store.List(ctx, p.Dir)
	if err != nil {
		return "", err
	}
	for _, candidate := range paths {
		if schema.SameRelease(path.Base(candidate), want) {
			return candidate, nil
		}
	}
	return "", errors.NotFound("previous " + want)
}

// Open opens the previously published counterpart of filename.
func (p *Previous) Open(ctx context.Context, filename string, variant domain.FileVariant) (io.ReadCloser, string, error) {
	found, err := p.Find(ctx, filename, variant)
	if err != nil {
		return nil, "", err
	}
	rc, err := p.Store.GetInputStream(ctx, found)
	if err != nil {
		return nil, "", err
	}
	return rc, found, nil
}

// eachLine streams the data lines of an RF2 file, skipping its header.
func eachLine(r io.Reader, fn func([]string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	first := true
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if first {
			first = false
			continue
		}
		if line == "" {
			continue
		}
		if err := fn(strings.Split(line, "\t")); err != nil {
			return err
		}
	}
	return sc.Err()
}
