package runner

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// FileStatus is the outcome of one input file.
type FileStatus string

const (
	StatusTransformed FileStatus = "transformed"
	StatusCopied      FileStatus = "copied"
	StatusSkipped     FileStatus = "skipped"
	StatusFailed      FileStatus = "failed"
)

// FileResult records what happened to one input file.
type FileResult struct {
	File     string        `json:"file"`
	Status   FileStatus    `json:"status"`
	Rows     int           `json:"rows"`
	Outputs  []string      `json:"outputs,omitempty"`
	Warnings []string      `json:"warnings,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report is the outcome of a build run. It is safe for concurrent use.
type Report struct {
	BuildID    string    `json:"buildId"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`

	mu       sync.Mutex
	files    map[string]*FileResult
	warnings []string
}

func newReport(buildID string) *Report {
	return &Report{BuildID: buildID, StartedAt: time.Now(), files: make(map[string]*FileResult)}
}

func (r *Report) add(res FileResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[res.File] = &res
}

// warn records a problem that belongs to the build rather than one file.
func (r *Report) warn(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, msg)
}

// Warnings returns the build-level warnings.
func (r *Report) Warnings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.warnings...)
}

func (r *Report) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FinishedAt = time.Now()
}

// MarshalJSON includes the per-file results.
func (r *Report) MarshalJSON() ([]byte, error) {
	files := r.Files()
	r.mu.Lock()
	doc := struct {
		BuildID    string       `json:"buildId"`
		StartedAt  time.Time    `json:"startedAt"`
		FinishedAt time.Time    `json:"finishedAt"`
		Files      []FileResult `json:"files"`
		Warnings   []string     `json:"warnings,omitempty"`
	}{r.BuildID, r.StartedAt, r.FinishedAt, files, append([]string(nil), r.warnings...)}
	r.mu.Unlock()
	return json.Marshal(doc)
}

// Files returns every result sorted by file name.
func (r *Report) Files() []FileResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FileResult, 0, len(r.files))
	for _, res := range r.files {
		out = append(out, *res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out
}

// File returns the result for one input file.
func (r *Report) File(name string) (FileResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.files[name]
	if !ok {
		return FileResult{}, false
	}
	return *res, true
}

// Failed returns the results of files that failed.
func (r *Report) Failed() []FileResult {
	var out []FileResult
	for _, res := range r.Files() {
		if res.Status == StatusFailed {
			out = append(out, res)
		}
	}
	return out
}

// Transformed counts files that produced release output.
func (r *Report) Transformed() int {
	return r.count(StatusTransformed)
}

func (r *Report) count(status FileStatus) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, res := range r.files {
		if res.Status == status {
			n++
		}
	}
	return n
}

// Summary is a one-line description of the outcome.
func (r *Report) Summary() string {
	return fmt.Sprintf("%d transformed, %d copied, %d skipped, %d failed",
		r.count(StatusTransformed), r.count(StatusCopied), r.count(StatusSkipped), r.count(StatusFailed))
}
