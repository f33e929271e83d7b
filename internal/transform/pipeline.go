package transform

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"

	"releasegen/internal/domain"
	"releasegen/internal/errors"
)

const maxLineSize = 4 << 20

// Pipeline streams a file line by line through its rules.
type Pipeline struct {
	Rules  []Rule
	Logger *log.Logger

	// Width is the column count of a well-formed row. Rows of any other
	// width pass through untouched for the populator to skip. Zero disables
	// the check.
	Width int
}

// Stats counts lines seen by a pipeline run.
type Stats struct {
	Lines int
}

// New returns a Pipeline over rules.
func New(logger *log.Logger, rules ...Rule) *Pipeline {
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{Rules: rules, Logger: logger}
}

// Run copies the header unchanged and writes every data line after the rules
// have rewritten it. Output lines always end in CRLF. The first rule error
// aborts the run with a TransformationError naming the line.
func (p *Pipeline) Run(ctx context.Context, in io.Reader, out io.Writer) (Stats, error) {
	var stats Stats
	w := bufio.NewWriterSize(out, 64*1024)

	err := p.each(ctx, in, false, func(lineNo int, line string, cols []string) error {
		if cols != nil {
			line = strings.Join(cols, "\t")
			stats.Lines++
		}
		if _, err := w.WriteString(line); err != nil {
			return err
		}
		_, err := w.WriteString(domain.LineEnding)
		return err
	})
	if err != nil {
		return stats, err
	}
	if err := w.Flush(); err != nil {
		return stats, err
	}
	p.Logger.Debug("transformed", "lines", stats.Lines)
	return stats, nil
}

// Collect runs the rules, except identifier substitution, over every data
// line and returns the distinct values of col that hold a temporary UUID.
func (p *Pipeline) Collect(ctx context.Context, in io.Reader, col int) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	err := p.each(ctx, in, true, func(_ int, _ string, cols []string) error {
		if cols == nil || col >= len(cols) {
			return nil
		}
		v := cols[col]
		if !strings.Contains(v, "-") {
			return nil
		}
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
		return nil
	})
	return out, err
}

// each hands fn the header and malformed rows with nil cols, then every
// other non-empty data line after the rules ran.
func (p *Pipeline) each(ctx context.Context, in io.Reader, collecting bool, fn func(lineNo int, line string, cols []string) error) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if lineNo == 1 {
			if err := fn(lineNo, line, nil); err != nil {
				return err
			}
			continue
		}
		if line == "" {
			continue
		}
		if lineNo%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		cols := strings.Split(line, "\t")
		if p.Width > 0 && len(cols) != p.Width {
			p.Logger.Debug("passing through malformed row", "line", lineNo, "got", len(cols), "want", p.Width)
			if err := fn(lineNo, line, nil); err != nil {
				return err
			}
			continue
		}
		if err := p.apply(cols, collecting); err != nil {
			var te *errors.TransformationError
			if stderrors.As(err, &te) {
				return errors.NewTransformationError(te.Err, "line %d: %s", lineNo, te.Cause)
			}
			return errors.NewTransformationError(err, "line %d", lineNo)
		}
		if err := fn(lineNo, line, cols); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read line %d: %w", lineNo+1, err)
	}
	if lineNo == 0 {
		return errors.NewTransformationError(nil, "empty input")
	}
	return nil
}

func (p *Pipeline) apply(cols []string, collecting bool) error {
	for _, r := range p.Rules {
		if _, ok := r.(*SCTIDFromCache); ok && collecting {
			continue
		}
		if c := r.Column(); c != WholeLine && c >= len(cols) {
			// Short lines are rejected by the populator.
			continue
		}
		if err := r.Apply(cols); err != nil {
			return err
		}
	}
	return nil
}
