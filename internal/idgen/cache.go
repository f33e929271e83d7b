package idgen

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"releasegen/internal/domain"
	"releasegen/internal/errors"
)

// Legacy identifier schemes.
const (
	SchemeCTV3   = "CTV3ID"
	SchemeSnomed = "SNOMEDID"
)

// Options configure a Cache.
type Options struct {
	Username     string
	Password     string
	Namespace    int
	MaxTries     int
	RetryDelay   time.Duration
	BatchSize    int
	PollInterval time.Duration
	Timeout      time.Duration
	Comment      string
}

func (o Options) withDefaults() Options {
	if o.MaxTries <= 0 {
		o.MaxTries = 1
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 1000
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Minute
	}
	return o
}

// Cache maps temporary UUIDs to durable identifiers. It is safe for
// concurrent use and lives for one build.
type Cache struct {
	client *Client
	opts   Options
	logger *log.Logger

	mu      sync.RWMutex
	ids     map[string]string
	schemes map[string]map[string]string

	sessMu sync.Mutex
	token  string
	users  int
}

// NewCache returns an empty cache backed by client.
func NewCache(client *Client, opts Options, logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.Default()
	}
	return &Cache{
		client:  client,
		opts:    opts.withDefaults(),
		logger:  logger,
		ids:     make(map[string]string),
		schemes: make(map[string]map[string]string),
	}
}

// ── Session ────────────────────────────────────────────────

// Login registers a user of the session, acquiring a token if none is held.
func (c *Cache) Login(ctx context.Context) error {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	if c.token == "" {
		token, err := c.client.Login(ctx, c.opts.Username, c.opts.Password)
		if err != nil {
			return err
		}
		c.token = token
	}
	c.users++
	return nil
}

// Logout releases one user. The last user ends the session.
func (c *Cache) Logout(ctx context.Context) error {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	if c.users == 0 {
		return nil
	}
	c.users--
	if c.users > 0 || c.token == "" {
		return nil
	}
	token := c.token
	c.token = ""
	return c.client.Logout(ctx, token)
}

// session returns a validated token, logging in again when it was rejected.
func (c *Cache) session(ctx context.Context) (string, error) {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	if c.token != "" {
		ok, err := c.client.Authenticate(ctx, c.token)
		if err != nil {
			return "", err
		}
		if ok {
			return c.token, nil
		}
		c.logger.Debug("identifier service token expired, logging in again")
	}
	token, err := c.client.Login(ctx, c.opts.Username, c.opts.Password)
	if err != nil {
		return "", err
	}
	c.token = token
	return token, nil
}

func (c *Cache) dropToken(token string) {
	c.sessMu.Lock()
	if c.token == token {
		c.token = ""
	}
	c.sessMu.Unlock()
}

// ── Lookups ────────────────────────────────────────────────

// Peek returns the cached identifier for uuid without contacting the service.
func (c *Cache) Peek(uuid string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.ids[uuid]
	return id, ok
}

// PeekScheme returns a cached legacy scheme id.
func (c *Cache) PeekScheme(scheme, uuid string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.schemes[scheme][uuid]
	return id, ok
}

// Put records a mapping. Existing entries are never replaced.
func (c *Cache) Put(uuid, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ids[uuid]; !ok {
		c.ids[uuid] = id
	}
}

func (c *Cache) putScheme(scheme, uuid, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.schemes[scheme]
	if m == nil {
		m = make(map[string]string)
		c.schemes[scheme] = m
	}
	if _, ok := m[uuid]; !ok {
		m[uuid] = id
	}
}

// Len returns the number of cached identifiers.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}

// ── Resolution ─────────────────────────────────────────────

// PartitionID returns the identifier partition for a component type.
func PartitionID(namespace int, ct domain.ComponentType) (string, error) {
	var p string
	switch ct {
	case domain.ComponentConcept:
		p = "0"
	case domain.ComponentDescription:
		p = "1"
	case domain.ComponentRelationship, domain.ComponentStatedRelationship:
		p = "2"
	default:
		return "", fmt.Errorf("no identifier partition for %s", ct)
	}
	if namespace == 0 {
		return "0" + p, nil
	}
	return "1" + p, nil
}

// Resolve returns the identifier for uuid, minting one if needed.
func (c *Cache) Resolve(ctx context.Context, uuid string, ct domain.ComponentType) (string, error) {
	if id, ok := c.Peek(uuid); ok {
		return id, nil
	}
	partition, err := PartitionID(c.opts.Namespace, ct)
	if err != nil {
		return "", err
	}

	var id string
	err = c.retry(ctx, "generate", func(token string) error {
		var err error
		id, err = c.client.Generate(ctx, token, GenerateRequest{
			Namespace:   c.opts.Namespace,
			PartitionID: partition,
			SystemID:    uuid,
			Comment:     c.opts.Comment,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	c.Put(uuid, id)
	id, _ = c.Peek(uuid)
	return id, nil
}

// ResolveBatch returns identifiers for every uuid, minting the missing ones
// through bulk jobs of at most BatchSize ids.
func (c *Cache) ResolveBatch(ctx context.Context, uuids []string, ct domain.ComponentType) (map[string]string, error) {
	missing := c.missing(uuids, func(u string) bool {
		_, ok := c.Peek(u)
		return ok
	})
	if len(missing) > 0 {
		partition, err := PartitionID(c.opts.Namespace, ct)
		if err != nil {
			return nil, err
		}
		for _, chunk := range chunks(missing, c.opts.BatchSize) {
			err := c.bulk(ctx, chunk, func(token string) (int64, error) {
				return c.client.BulkGenerate(ctx, token, BulkGenerateRequest{
					Namespace:   c.opts.Namespace,
					PartitionID: partition,
					SystemIDs:   chunk,
					Quantity:    len(chunk),
					Comment:     c.opts.Comment,
				})
			}, func(r JobRecord) { c.Put(r.SystemID, r.SCTID) })
			if err != nil {
				return nil, err
			}
		}
		c.logger.Info("minted identifiers", "type", ct, "count", len(missing))
	}

	out := make(map[string]string, len(uuids))
	for _, u := range uuids {
		id, ok := c.Peek(u)
		if !ok {
			return nil, fmt.Errorf("identifier service returned no id for %s", u)
		}
		out[u] = id
	}
	return out, nil
}

// ResolveSchemeBatch returns legacy scheme ids for every uuid.
func (c *Cache) ResolveSchemeBatch(ctx context.Context, scheme string, uuids []string) (map[string]string, error) {
	missing := c.missing(uuids, func(u string) bool {
		_, ok := c.PeekScheme(scheme, u)
		return ok
	})
	for _, chunk := range chunks(missing, c.opts.BatchSize) {
		err := c.bulk(ctx, chunk, func(token string) (int64, error) {
			return c.client.SchemeBulkGenerate(ctx, token, scheme, SchemeBulkGenerateRequest{
				SystemIDs: chunk,
				Quantity:  len(chunk),
				Comment:   c.opts.Comment,
			})
		}, func(r JobRecord) { c.putScheme(scheme, r.SystemID, r.SchemeID) })
		if err != nil {
			return nil, err
		}
	}

	out := make(map[string]string, len(uuids))
	for _, u := range uuids {
		id, ok := c.PeekScheme(scheme, u)
		if !ok {
			return nil, fmt.Errorf("identifier service returned no %s for %s", scheme, u)
		}
		out[u] = id
	}
	return out, nil
}

func (c *Cache) missing(uuids []string, known func(string) bool) []string {
	seen := make(map[string]struct{}, len(uuids))
	var out []string
	for _, u := range uuids {
		if _, dup := seen[u]; dup || known(u) {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func chunks(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > 0 {
		n := min(size, len(ids))
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

// bulk submits a job, waits for it and stores its records, retrying the
// whole round trip on transient failures.
func (c *Cache) bulk(ctx context.Context, chunk []string, submit func(token string) (int64, error), store func(JobRecord)) error {
	return c.retry(ctx, "bulk generate", func(token string) error {
		jobID, err := submit(token)
		if err != nil {
			return err
		}
		if err := c.waitForJob(ctx, token, jobID); err != nil {
			return err
		}
		records, err := c.client.JobRecords(ctx, token, jobID)
		if err != nil {
			return err
		}
		for _, r := range records {
			store(r)
		}
		c.logger.Debug("bulk job complete", "job", jobID, "records", len(records), "requested", len(chunk))
		return nil
	})
}

// waitForJob polls until the job reaches a terminal state or the timeout
// elapses.
func (c *Cache) waitForJob(ctx context.Context, token string, jobID int64) error {
	start := time.Now()
	for {
		job, err := c.client.JobStatus(ctx, token, jobID)
		if err != nil {
			return err
		}
		switch job.Status {
		case JobCompleted:
			return nil
		case JobFailed:
			return errors.Fatal("bulk generate", "", fmt.Errorf("job %d failed: %s", jobID, job.Log))
		}

		elapsed := time.Since(start)
		if elapsed >= c.opts.Timeout {
			return &errors.ClientTimeoutError{JobID: fmt.Sprint(jobID), Elapsed: elapsed.Round(time.Millisecond).String()}
		}
		if err := sleep(ctx, c.opts.PollInterval); err != nil {
			return err
		}
	}
}

// retry runs fn with a valid token up to MaxTries times. Only transient
// failures and rejected tokens are retried.
func (c *Cache) retry(ctx context.Context, op string, fn func(token string) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxTries; attempt++ {
		token, err := c.session(ctx)
		if err == nil {
			err = fn(token)
			if stderrors.Is(err, ErrUnauthorized) {
				c.dropToken(token)
			}
		}
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return err
		}
		c.logger.Warn("identifier service call failed", "op", op, "attempt", attempt, "max", c.opts.MaxTries, "err", err)
		if attempt < c.opts.MaxTries {
			if err := sleep(ctx, c.opts.RetryDelay); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%s: %w: %w", op, errors.ErrMaxRetries, lastErr)
}

func retryable(err error) bool {
	if stderrors.Is(err, ErrUnauthorized) {
		return true
	}
	if stderrors.Is(err, errors.ErrTimeout) || stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.KindOf(err) == errors.KindRetryable
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
