package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"bastion.dev/internal/ids"
	"bastion.dev/internal/obs"
)

const (
	defaultMaxRetries   = 5
	defaultRetryBackoff = 10 * time.Millisecond
)

var _ Store = (*SQL)(nil)

// errReplay marks a transaction that lost a race and should be replayed.
var errReplay = errors.New("history: replay transaction")

// SQL implements Store on database/sql. Hubs live in hub_<hub> tables and
// satellites in sat_<satellite> tables (see the migrations package).
type SQL struct {
	db         *sql.DB
	dialect    Dialect
	maxRetries int
	backoff    time.Duration
}

// SQLOption configures SQL.
type SQLOption func(*SQL)

// WithMaxRetries bounds how often a conflicting close+insert is replayed.
func WithMaxRetries(n int) SQLOption {
	return func(s *SQL) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the base delay between replays; it grows linearly.
func WithRetryBackoff(d time.Duration) SQLOption {
	return func(s *SQL) {
		if d >= 0 {
			s.backoff = d
		}
	}
}

// NewSQL wraps an open database.
func NewSQL(db *sql.DB, dialect Dialect, opts ...SQLOption) *SQL {
	s := &SQL{
		db:         db,
		dialect:    dialect,
		maxRetries: defaultMaxRetries,
		backoff:    defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenPostgres connects through the pgx stdlib driver.
func OpenPostgres(dsn string, opts ...SQLOption) (*SQL, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewSQL(db, PostgresDialect{}, opts...), nil
}

// OpenSQLite opens (or creates) an embedded database at path; ":memory:" is
// supported for tests. The pool is limited to one connection, which makes it
// the single writer.
func OpenSQLite(path string, opts ...SQLOption) (*SQL, error) {
	dsn := path + "?_pragma=foreign_keys(1)"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		dsn += "&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return NewSQL(db, SQLiteDialect{}, opts...), nil
}

func (s *SQL) DB() *sql.DB { return s.db }

func (s *SQL) Dialect() Dialect { return s.dialect }

func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQL) CreateHub(ctx context.Context, rec HubRecord, initial ...Initial) error {
	if err := checkHubRecord(rec, initial); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Microsecond)

	err := s.inTx(ctx, string(rec.Hub), func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(fmt.Sprintf(
			`insert into hub_%s(entity_key, tenant_key, business_key, parent_key, created_at) values (?,?,?,?,?)`, rec.Hub)),
			string(rec.Key), string(rec.TenantKey), rec.BusinessKey, nullKey(rec.ParentKey), rec.CreatedAt,
		); err != nil {
			return err
		}
		for _, in := range initial {
			if _, err := tx.ExecContext(ctx, s.dialect.Rebind(fmt.Sprintf(
				`insert into sat_%s(entity_key, tenant_key, seq, valid_from, valid_to, attrs) values (?,?,1,?,null,?)`, in.Satellite)),
				string(rec.Key), string(rec.TenantKey), rec.CreatedAt, string(in.Attrs),
			); err != nil {
				return err
			}
		}
		return nil
	})
	if s.dialect.UniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *SQL) Hub(ctx context.Context, hub Hub, key ids.Key) (HubRecord, error) {
	if !hub.valid() {
		return HubRecord{}, errors.New("history: unknown hub " + string(hub))
	}
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(fmt.Sprintf(
		`select entity_key, tenant_key, business_key, parent_key, created_at from hub_%s where entity_key = ?`, hub)),
		string(key))
	rec, err := scanHub(hub, row)
	if errors.Is(err, sql.ErrNoRows) {
		return HubRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *SQL) Children(ctx context.Context, hub Hub, parent ids.Key) ([]HubRecord, error) {
	if !hub.valid() {
		return nil, errors.New("history: unknown hub " + string(hub))
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(fmt.Sprintf(
		`select entity_key, tenant_key, business_key, parent_key, created_at from hub_%s
		where parent_key = ? order by created_at asc, entity_key asc`, hub)),
		string(parent))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HubRecord
	for rows.Next() {
		rec, err := scanHub(hub, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQL) Current(ctx context.Context, sat Satellite, tenant, key ids.Key) (Version, error) {
	if !sat.valid() {
		return Version{}, errors.New("history: unknown satellite " + string(sat))
	}
	v, err := s.current(ctx, s.db, sat, key)
	if err != nil {
		return Version{}, err
	}
	if v.TenantKey != tenant {
		return Version{}, ErrTenantMismatch
	}
	return v, nil
}

// Update runs the close+insert pair in one transaction. The hub row is locked
// first so concurrent writers of the same entity queue behind each other; fn
// may therefore run more than once if the transaction is replayed.
func (s *SQL) Update(ctx context.Context, sat Satellite, tenant, key ids.Key, at time.Time, fn MutateFunc) (Version, error) {
	if !sat.valid() {
		return Version{}, errors.New("history: unknown satellite " + string(sat))
	}
	var result Version
	err := s.inTx(ctx, string(sat), func(tx *sql.Tx) error {
		var hubTenant string
		err := tx.QueryRowContext(ctx, s.dialect.Rebind(fmt.Sprintf(
			`select tenant_key from hub_%s where entity_key = ? %s`, sat.Hub(), s.dialect.ForUpdate())),
			string(key)).Scan(&hubTenant)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if ids.Key(hubTenant) != tenant {
			return ErrTenantMismatch
		}

		var prev *Version
		cur, err := s.current(ctx, tx, sat, key)
		switch {
		case err == nil:
			prev = &cur
		case !errors.Is(err, ErrNotFound):
			return err
		}

		attrs, err := fn(prev)
		if errors.Is(err, ErrSkip) {
			if prev == nil {
				return ErrNotFound
			}
			result = *prev
			return nil
		}
		if err != nil {
			return err
		}

		ts := successorTime(prev, at)
		next := Version{Satellite: sat, Key: key, TenantKey: tenant, Seq: 1, ValidFrom: ts, Attrs: attrs}
		if prev != nil {
			res, err := tx.ExecContext(ctx, s.dialect.Rebind(fmt.Sprintf(
				`update sat_%s set valid_to = ? where entity_key = ? and seq = ? and valid_to is null`, sat)),
				ts, string(key), prev.Seq)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n != 1 {
				return errReplay
			}
			next.Seq = prev.Seq + 1
		}
		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(fmt.Sprintf(
			`insert into sat_%s(entity_key, tenant_key, seq, valid_from, valid_to, attrs) values (?,?,?,?,null,?)`, sat)),
			string(key), string(tenant), next.Seq, ts, string(attrs),
		); err != nil {
			if s.dialect.UniqueViolation(err) {
				return errReplay
			}
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return Version{}, err
	}
	return result, nil
}

func (s *SQL) History(ctx context.Context, sat Satellite, tenant, key ids.Key) ([]Version, error) {
	if !sat.valid() {
		return nil, errors.New("history: unknown satellite " + string(sat))
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(fmt.Sprintf(
		`select seq, tenant_key, valid_from, valid_to, attrs from sat_%s where entity_key = ? order by seq asc`, sat)),
		string(key))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		v, err := scanVersion(sat, key, rows)
		if err != nil {
			return nil, err
		}
		if v.TenantKey != tenant {
			return nil, ErrTenantMismatch
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQL) current(ctx context.Context, q queryer, sat Satellite, key ids.Key) (Version, error) {
	row := q.QueryRowContext(ctx, s.dialect.Rebind(fmt.Sprintf(
		`select seq, tenant_key, valid_from, valid_to, attrs from sat_%s where entity_key = ? and valid_to is null`, sat)),
		string(key))
	v, err := scanVersion(sat, key, row)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, ErrNotFound
	}
	return v, err
}

func (s *SQL) inTx(ctx context.Context, label string, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			obs.StoreRetries.WithLabelValues(label).Inc()
			if werr := sleepContext(ctx, s.backoff*time.Duration(attempt)); werr != nil {
				return werr
			}
		}
		err = s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errReplay) && !s.dialect.Retryable(err) {
			return err
		}
	}
	obs.StoreConflicts.WithLabelValues(label).Inc()
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrConflict, label, s.maxRetries+1, err)
}

func (s *SQL) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, s.dialect.TxOptions())
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHub(hub Hub, row scanner) (HubRecord, error) {
	var (
		rec                      HubRecord
		key, tenant, businessKey string
		parent                   sql.NullString
	)
	if err := row.Scan(&key, &tenant, &businessKey, &parent, &rec.CreatedAt); err != nil {
		return HubRecord{}, err
	}
	rec.Hub = hub
	rec.Key = ids.Key(key)
	rec.TenantKey = ids.Key(tenant)
	rec.BusinessKey = businessKey
	if parent.Valid {
		rec.ParentKey = ids.Key(parent.String)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

func scanVersion(sat Satellite, key ids.Key, row scanner) (Version, error) {
	var (
		v       Version
		tenant  string
		validTo sql.NullTime
		attrs   []byte
	)
	if err := row.Scan(&v.Seq, &tenant, &v.ValidFrom, &validTo, &attrs); err != nil {
		return Version{}, err
	}
	v.Satellite = sat
	v.Key = key
	v.TenantKey = ids.Key(tenant)
	v.ValidFrom = v.ValidFrom.UTC()
	if validTo.Valid {
		t := validTo.Time.UTC()
		v.ValidTo = &t
	}
	v.Attrs = attrs
	return v, nil
}

func nullKey(k ids.Key) sql.NullString {
	if k == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(k), Valid: true}
}

func sleepContext(ctx context.Context, d time.Duration) error {
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
