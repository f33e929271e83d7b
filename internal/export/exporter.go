// Package export derives the Delta, Full and Snapshot release files from a
// populated scratch table.
package export

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/log"

	"releasegen/internal/domain"
	"releasegen/internal/storage"
)

// Options control one export.
type Options struct {
	// TargetDate is the release effective date as integer yyyyMMdd.
	TargetDate int64
	// FirstTimeRelease emits a header-only Delta.
	FirstTimeRelease bool
	// DeltaLastSeq bounds the rows that belong to the current Delta. Rows
	// inserted later (a previously published Full) appear only in Full and
	// Snapshot. Zero means every row; a negative value selects none.
	DeltaLastSeq int64
}

// Outputs are the three destinations of an export. A nil writer skips that
// release form.
type Outputs struct {
	Delta    io.Writer
	Full     io.Writer
	Snapshot io.Writer
}

// Stats counts the data rows written per release form.
type Stats struct {
	Delta    int
	Full     int
	Snapshot int
}

// Exporter writes tab-separated, CRLF-terminated release files.
type Exporter struct {
	Logger *log.Logger
}

// New returns an Exporter.
func New(logger *log.Logger) *Exporter {
	if logger == nil {
		logger = log.Default()
	}
	return &Exporter{Logger: logger}
}

// Export writes the Delta in insertion order, then Full and Snapshot from a
// single scan ordered by entity key and effectiveTime.
func (e *Exporter) Export(ctx context.Context, t *storage.Table, opts Options, out Outputs) (Stats, error) {
	var stats Stats
	if out.Delta != nil {
		n, err := e.ExportDelta(ctx, t, opts, out.Delta)
		if err != nil {
			return stats, err
		}
		stats.Delta = n
	}
	if out.Full != nil || out.Snapshot != nil {
		full, snap, err := e.ExportFullAndSnapshot(ctx, t, opts.TargetDate, out.Full, out.Snapshot)
		if err != nil {
			return stats, err
		}
		stats.Full, stats.Snapshot = full, snap
	}
	e.Logger.Debug("exported", "table", t.Name(), "delta", stats.Delta, "full", stats.Full, "snapshot", stats.Snapshot)
	return stats, nil
}

// ExportDelta writes the current Delta rows. A first-time release selects
// nothing and yields only the header.
func (e *Exporter) ExportDelta(ctx context.Context, t *storage.Table, opts Options, w io.Writer) (int, error) {
	dw := newLineWriter(w)
	if err := dw.header(t.Schema); err != nil {
		return 0, err
	}
	if !opts.FirstTimeRelease && opts.DeltaLastSeq >= 0 {
		visit := func(r storage.Row) error { return dw.row(r) }
		var err error
		if opts.DeltaLastSeq > 0 {
			err = t.ScanUpTo(ctx, opts.DeltaLastSeq, visit)
		} else {
			err = t.ScanInserted(ctx, visit)
		}
		if err != nil {
			return dw.rows, fmt.Errorf("export delta %s: %w", t.Name(), err)
		}
	}
	return dw.rows, dw.flush()
}

// ExportFullAndSnapshot writes every row to full and the latest row per
// entity with effectiveTime <= target to snapshot. Either writer may be nil.
func (e *Exporter) ExportFullAndSnapshot(ctx context.Context, t *storage.Table, target int64, full, snapshot io.Writer) (int, int, error) {
	fw := newLineWriter(full)
	sw := newLineWriter(snapshot)
	if err := fw.header(t.Schema); err != nil {
		return 0, 0, err
	}
	if err := sw.header(t.Schema); err != nil {
		return 0, 0, err
	}

	var (
		lastKey  string
		first    = true
		valid    storage.Row
		hasValid bool
	)
	flushValid := func() error {
		if !hasValid {
			return nil
		}
		hasValid = false
		return sw.row(valid)
	}

	err := t.ScanOrdered(ctx, func(r storage.Row) error {
		if err := fw.row(r); err != nil {
			return err
		}
		key := r.Key(t.Schema.KeyFields)
		passedTarget := r.EffectiveTime > target
		if first || key != lastKey || passedTarget {
			if err := flushValid(); err != nil {
				return err
			}
		}
		if !passedTarget {
			valid, hasValid = r, true
		}
		lastKey, first = key, false
		return nil
	})
	if err != nil {
		return fw.rows, sw.rows, fmt.Errorf("export full/snapshot %s: %w", t.Name(), err)
	}
	if err := flushValid(); err != nil {
		return fw.rows, sw.rows, err
	}
	if err := fw.flush(); err != nil {
		return fw.rows, sw.rows, err
	}
	return fw.rows, sw.rows, sw.flush()
}

// lineWriter buffers RF2 lines. A nil destination discards.
type lineWriter struct {
	w    *bufio.Writer
	rows int
}

func newLineWriter(w io.Writer) *lineWriter {
	if w == nil {
		return &lineWriter{}
	}
	return &lineWriter{w: bufio.NewWriterSize(w, 64*1024)}
}

func (lw *lineWriter) header(s *domain.TableSchema) error {
	if lw.w == nil {
		return nil
	}
	return lw.write(s.Header())
}

func (lw *lineWriter) row(r storage.Row) error {
	if lw.w == nil {
		return nil
	}
	lw.rows++
	return lw.write(r.Line())
}

func (lw *lineWriter) write(line string) error {
	if _, err := lw.w.WriteString(line); err != nil {
		return err
	}
	_, err := lw.w.WriteString(domain.LineEnding)
	return err
}

func (lw *lineWriter) flush() error {
	if lw.w == nil {
		return nil
	}
	return lw.w.Flush()
}
