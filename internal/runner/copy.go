package runner

import (
	"context"
	"io"
	"path"
	"time"
)

// copyThrough copies a file the engine does not recognize to the output
// unchanged.
func (r *Runner) copyThrough(ctx context.Context, b *build, p string) {
	start := time.Now()
	name := path.Base(p)
	res := FileResult{File: name, Status: StatusCopied}
	dst := path.Join(b.outDir, name)

	if err := r.copy(ctx, p, dst); err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		b.logger.Error("copy failed", "file", name, "err", err)
	} else {
		res.Outputs = []string{dst}
		b.logger.Debug("copied unrecognized file", "file", name)
	}
	res.Duration = time.Since(start)
	b.report.add(res)
}

func (r *Runner) copy(ctx context.Context, src, dst string) error {
	in, err := r.Store.GetInputStream(ctx, src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := r.Store.PutOutputStream(ctx, dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Abort(err)
		return err
	}
	return out.Close()
}
