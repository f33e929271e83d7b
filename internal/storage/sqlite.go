package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"releasegen/internal/domain"
)

// DateLayout is the fixed RF2 date format.
const DateLayout = "20060102"

// ScratchDB is an in-memory SQLite database owned by the processing of one
// release file. Closing it destroys every table inside.
type ScratchDB struct {
	conn *sql.DB
}

// OpenScratch creates a fresh in-memory database.
func OpenScratch() (*ScratchDB, error) {
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Every connection to :memory: is a separate database, so the pool is
	// pinned to one connection that is never recycled.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &ScratchDB{conn: conn}, nil
}

// Close closes the database connection, dropping all scratch tables.
func (db *ScratchDB) Close() error {
	return db.conn.Close()
}

// Table is a scratch table created from a TableSchema.
type Table struct {
	db     *ScratchDB
	Schema *domain.TableSchema
	name   string
	cols   []string
	timeIx int
}

// Name returns the SQL table name.
func (t *Table) Name() string {
	return t.name
}

// CreateTable creates the table and its ordering index.
func (db *ScratchDB) CreateTable(ctx context.Context, s *domain.TableSchema) (*Table, error) {
	t := &Table{db: db, Schema: s, name: s.TableName, timeIx: s.TimeFieldIndex()}
	if t.name == "" {
		return nil, fmt.Errorf("schema for %s has no table name", s.Filename)
	}

	defs := make([]string, len(s.Fields))
	t.cols = make([]string, len(s.Fields))
	for i, f := range s.Fields {
		col := columnName(i)
		t.cols[i] = col
		defs[i] = fmt.Sprintf("%s %s", col, sqlType(f.Type))
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", quote(t.name), strings.Join(defs, ", "))
	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create table %s: %w", t.name, err)
	}

	idx := fmt.Sprintf("CREATE INDEX %s ON %s (%s)", quote(t.name+"_order"), quote(t.name), strings.Join(t.orderColumns(), ", "))
	if _, err := db.conn.ExecContext(ctx, idx); err != nil {
		return nil, fmt.Errorf("create index on %s: %w", t.name, err)
	}
	return t, nil
}

// Columns are positional (c0, c1, ...) because extension refset field names
// come from untrusted header lines.
func columnName(i int) string {
	return fmt.Sprintf("c%d", i)
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// sqlType maps an RF2 data type to a SQLite column type. Only dates are
// converted; every other value keeps its authored text.
func sqlType(t domain.DataType) string {
	switch t {
	case domain.TypeTime:
		return "INTEGER"
	case domain.TypeSCTID, domain.TypeInteger, domain.TypeBoolean,
		domain.TypeUUID, domain.TypeString:
		return "TEXT"
	default:
		return "TEXT"
	}
}

// orderColumns lists the key and effectiveTime ordering terms. Numeric key
// columns sort by value first so 999 precedes 1000; the raw text follows to
// keep equal keys adjacent when the value is not a number.
func (t *Table) orderColumns() []string {
	var cols []string
	for _, k := range t.Schema.KeyFields {
		switch t.Schema.Fields[k].Type {
		case domain.TypeSCTID, domain.TypeInteger:
			cols = append(cols, fmt.Sprintf("CAST(%s AS INTEGER)", t.cols[k]), t.cols[k])
		default:
			cols = append(cols, t.cols[k])
		}
	}
	if t.timeIx >= 0 {
		cols = append(cols, t.cols[t.timeIx])
	}
	return cols
}

// ── Values ─────────────────────────────────────────────────

// ParseDate validates an RF2 date and returns its integer yyyyMMdd form.
func ParseDate(v string) (int64, error) {
	d, err := time.Parse(DateLayout, v)
	if err != nil {
		return 0, fmt.Errorf("invalid date %q: %w", v, err)
	}
	return int64(d.Year()*10000 + int(d.Month())*100 + d.Day()), nil
}

// FormatDate renders an integer date back to yyyyMMdd. Zero renders empty.
func FormatDate(d int64) string {
	if d == 0 {
		return ""
	}
	return fmt.Sprintf("%08d", d)
}

// toValues converts a split line into insert arguments.
func (t *Table) toValues(fields []string) ([]any, error) {
	args := make([]any, len(fields))
	for i, v := range fields {
		if i == t.timeIx {
			if v == "" {
				args[i] = nil
				continue
			}
			d, err := ParseDate(v)
			if err != nil {
				return nil, err
			}
			args[i] = d
			continue
		}
		args[i] = v
	}
	return args, nil
}

// ── Writes ─────────────────────────────────────────────────

// InsertBatch inserts rows in a single transaction.
func (t *Table) InsertBatch(ctx context.Context, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := t.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(t.cols)), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(t.name), strings.Join(t.cols, ", "), placeholders))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, r := range rows {
		if _, err := stmt.ExecContext(ctx, r...); err != nil {
			return fmt.Errorf("insert row %d into %s: %w", i, t.name, err)
		}
	}
	return tx.Commit()
}

// DeleteRows removes rows by sequence number.
func (t *Table) DeleteRows(ctx context.Context, seqs []int64) error {
	return t.execEach(ctx, fmt.Sprintf("DELETE FROM %s WHERE rowid = ?", quote(t.name)), seqs, func(seq int64) []any {
		return []any{seq}
	})
}

// UpdateField sets one column on the given rows.
func (t *Table) UpdateField(ctx context.Context, field int, updates map[int64]string) error {
	if field < 0 || field >= len(t.cols) {
		return fmt.Errorf("field %d out of range for %s", field, t.name)
	}
	seqs := make([]int64, 0, len(updates))
	for seq := range updates {
		seqs = append(seqs, seq)
	}
	q := fmt.Sprintf("UPDATE %s SET %s = ? WHERE rowid = ?", quote(t.name), t.cols[field])
	return t.execEach(ctx, q, seqs, func(seq int64) []any {
		return []any{updates[seq], seq}
	})
}

func (t *Table) execEach(ctx context.Context, q string, seqs []int64, args func(int64) []any) error {
	if len(seqs) == 0 {
		return nil
	}
	tx, err := t.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, seq := range seqs {
		if _, err := stmt.ExecContext(ctx, args(seq)...); err != nil {
			return fmt.Errorf("%s: row %d: %w", t.name, seq, err)
		}
	}
	return tx.Commit()
}

// ── Reads ──────────────────────────────────────────────────

// Row is one stored line. Values are positional and TIME columns are
// rendered back to yyyyMMdd.
type Row struct {
	Seq           int64
	Values        []string
	EffectiveTime int64
}

// Line renders the row as a tab-separated line without terminator.
func (r Row) Line() string {
	return strings.Join(r.Values, "\t")
}

// Key returns the entity key of the row under the given key fields.
func (r Row) Key(keyFields []int) string {
	if len(keyFields) == 1 {
		return r.Values[keyFields[0]]
	}
	parts := make([]string, len(keyFields))
	for i, k := range keyFields {
		parts[i] = r.Values[k]
	}
	return strings.Join(parts, "\x1f")
}

// ScanOrdered visits every row ordered by entity key, effectiveTime, then
// insertion order.
func (t *Table) ScanOrdered(ctx context.Context, fn func(Row) error) error {
	order := append(t.orderColumns(), "rowid")
	q := fmt.Sprintf("SELECT rowid, %s FROM %s ORDER BY %s", strings.Join(t.cols, ", "), quote(t.name), strings.Join(order, ", "))
	return t.scan(ctx, q, nil, fn)
}

// ScanEffective visits rows whose effectiveTime equals date, in insertion order.
func (t *Table) ScanEffective(ctx context.Context, date int64, fn func(Row) error) error {
	if t.timeIx < 0 {
		return fmt.Errorf("%s has no effectiveTime column", t.name)
	}
	q := fmt.Sprintf("SELECT rowid, %s FROM %s WHERE %s = ? ORDER BY rowid", strings.Join(t.cols, ", "), quote(t.name), t.cols[t.timeIx])
	return t.scan(ctx, q, []any{date}, fn)
}

// ScanInserted visits every row in insertion order.
func (t *Table) ScanInserted(ctx context.Context, fn func(Row) error) error {
	q := fmt.Sprintf("SELECT rowid, %s FROM %s ORDER BY rowid", strings.Join(t.cols, ", "), quote(t.name))
	return t.scan(ctx, q, nil, fn)
}

// ScanUpTo visits rows inserted at or before lastSeq, in insertion order.
func (t *Table) ScanUpTo(ctx context.Context, lastSeq int64, fn func(Row) error) error {
	q := fmt.Sprintf("SELECT rowid, %s FROM %s WHERE rowid <= ? ORDER BY rowid", strings.Join(t.cols, ", "), quote(t.name))
	return t.scan(ctx, q, []any{lastSeq}, fn)
}

// LastSeq returns the sequence number of the most recently inserted row,
// or 0 for an empty table.
func (t *Table) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := t.db.conn.QueryRowContext(ctx, fmt.Sprintf("SELECT MAX(rowid) FROM %s", quote(t.name))).Scan(&seq)
	return seq.Int64, err
}

// Rows collects every row in insertion order.
func (t *Table) Rows(ctx context.Context) ([]Row, error) {
	var out []Row
	err := t.ScanInserted(ctx, func(r Row) error {
		out = append(out, r)
		return nil
	})
	return out, err
}

// First returns the earliest inserted row. The second result is false for
// an empty table.
func (t *Table) First(ctx context.Context) (Row, bool, error) {
	var (
		first Row
		found bool
	)
	q := fmt.Sprintf("SELECT rowid, %s FROM %s ORDER BY rowid LIMIT 1", strings.Join(t.cols, ", "), quote(t.name))
	err := t.scan(ctx, q, nil, func(r Row) error {
		first, found = r, true
		return nil
	})
	return first, found, err
}

// Count returns the number of rows in the table.
func (t *Table) Count(ctx context.Context) (int, error) {
	var n int
	err := t.db.conn.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", quote(t.name))).Scan(&n)
	return n, err
}

// scan calls fn while the cursor holds the only pooled connection, so fn
// must not touch the database. Callers collect what they need and write
// after the scan returns.
func (t *Table) scan(ctx context.Context, q string, args []any, fn func(Row) error) error {
	rows, err := t.db.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("query %s: %w", t.name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		raw := make([]sql.NullString, len(t.cols))
		var timeVal sql.NullInt64
		dest := make([]any, 0, len(t.cols)+1)
		dest = append(dest, &seq)
		for i := range t.cols {
			if i == t.timeIx {
				dest = append(dest, &timeVal)
			} else {
				dest = append(dest, &raw[i])
			}
		}
		if err := rows.Scan(dest...); err != nil {
			return fmt.Errorf("scan %s: %w", t.name, err)
		}

		r := Row{Seq: seq, Values: make([]string, len(t.cols))}
		for i := range t.cols {
			if i == t.timeIx {
				if timeVal.Valid {
					r.EffectiveTime = timeVal.Int64
				}
				r.Values[i] = FormatDate(r.EffectiveTime)
				continue
			}
			r.Values[i] = raw[i].String
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}
