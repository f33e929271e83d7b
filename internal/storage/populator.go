package storage

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"

	"releasegen/internal/domain"
	"releasegen/internal/errors"
	"releasegen/internal/schema"
)

// ── Populator ──────────────────────────────────────────────
// Streams tab-separated RF2 lines into a scratch table in batches.

// DefaultBatchSize is the number of rows inserted per transaction.
const DefaultBatchSize = 10000

// maxLineSize bounds one line; descriptions and text definitions can be long.
const maxLineSize = 4 << 20

// PopulationStats counts what happened to the lines of one load.
type PopulationStats struct {
	Inserted int
	Skipped  int
}

func (s PopulationStats) add(o PopulationStats) PopulationStats {
	return PopulationStats{Inserted: s.Inserted + o.Inserted, Skipped: s.Skipped + o.Skipped}
}

// Populator creates and fills scratch tables from RF2 streams.
type Populator struct {
	DB        *ScratchDB
	BatchSize int
	Logger    *log.Logger
}

// NewPopulator returns a Populator with the default batch size.
func NewPopulator(db *ScratchDB, logger *log.Logger) *Populator {
	return &Populator{DB: db, BatchSize: DefaultBatchSize, Logger: logger}
}

// CreateTable reads the header from r, resolves extension refset field names,
// creates the table and loads the remaining lines.
func (p *Populator) CreateTable(ctx context.Context, s *domain.TableSchema, r io.Reader) (*Table, PopulationStats, error) {
	sc := newLineScanner(r)
	header, err := readHeader(sc, s.TableName)
	if err != nil {
		return nil, PopulationStats{}, err
	}
	if err := schema.PopulateExtendedRefsetAdditionalFieldNames(s, header); err != nil {
		return nil, PopulationStats{}, &errors.PopulationError{Table: s.TableName, Err: err}
	}

	t, err := p.DB.CreateTable(ctx, s)
	if err != nil {
		return nil, PopulationStats{}, &errors.PopulationError{Table: s.TableName, Err: err}
	}

	stats, err := p.load(ctx, t, sc)
	if err != nil {
		return nil, stats, err
	}
	return t, stats, nil
}

// AppendData loads another stream with the same layout into an existing
// table. The stream must start with a header line.
func (p *Populator) AppendData(ctx context.Context, t *Table, r io.Reader) (PopulationStats, error) {
	sc := newLineScanner(r)
	if _, err := readHeader(sc, t.Name()); err != nil {
		return PopulationStats{}, err
	}
	return p.load(ctx, t, sc)
}

func newLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return sc
}

func readHeader(sc *bufio.Scanner, table string) (string, error) {
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", &errors.PopulationError{Table: table, Err: fmt.Errorf("read header: %w", err)}
		}
		return "", &errors.PopulationError{Table: table, Err: fmt.Errorf("no header line")}
	}
	header := strings.TrimRight(sc.Text(), "\r")
	if header == "" {
		return "", &errors.PopulationError{Table: table, Err: fmt.Errorf("empty header line")}
	}
	return header, nil
}

func (p *Populator) load(ctx context.Context, t *Table, sc *bufio.Scanner) (PopulationStats, error) {
	batchSize := p.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	logger := p.logger().With("table", t.Name())

	var total, pending PopulationStats
	batch := make([][]any, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := t.InsertBatch(ctx, batch); err != nil {
			return &errors.PopulationError{Table: t.Name(), Err: err}
		}
		logger.Debug("inserted batch", "rows", len(batch))
		pending.Inserted += len(batch)
		batch = batch[:0]
		return nil
	}

	lineNo := 1
	width := len(t.Schema.Fields)
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return total.add(pending), err
		}

		fields := strings.Split(line, "\t")
		if len(fields) != width {
			logger.Warn("skipping row with wrong column count", "line", lineNo, "got", len(fields), "want", width)
			pending.Skipped++
			continue
		}
		values, err := t.toValues(fields)
		if err != nil {
			logger.Warn("skipping malformed row", "line", lineNo, "err", err)
			pending.Skipped++
			continue
		}

		batch = append(batch, values)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return total.add(pending), err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return total.add(pending), &errors.PopulationError{Table: t.Name(), Err: fmt.Errorf("read line %d: %w", lineNo+1, err)}
	}
	if err := flush(); err != nil {
		return total.add(pending), err
	}

	total = total.add(pending)
	logger.Debug("table loaded", "inserted", total.Inserted, "skipped", total.Skipped)
	return total, nil
}

func (p *Populator) logger() *log.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return log.Default()
}
