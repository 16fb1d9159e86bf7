package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"bastion.dev/internal/ids"
)

func newMockStore(t *testing.T, opts ...SQLOption) (*SQL, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	opts = append([]SQLOption{WithRetryBackoff(0)}, opts...)
	return NewSQL(db, PostgresDialect{}, opts...), mock
}

func expectCloseInsert(mock sqlmock.Sqlmock, tenant, key ids.Key, seq int64, next string) {
	validFrom := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(`select tenant_key from hub_identity where entity_key = \$1 for update`).
		WithArgs(string(key)).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_key"}).AddRow(string(tenant)))
	mock.ExpectQuery(`select seq, tenant_key, valid_from, valid_to, attrs from sat_credential where entity_key = \$1 and valid_to is null`).
		WithArgs(string(key)).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "tenant_key", "valid_from", "valid_to", "attrs"}).
			AddRow(seq, string(tenant), validFrom, nil, []byte(`{"n":1}`)))
	mock.ExpectExec(`update sat_credential set valid_to = \$1 where entity_key = \$2 and seq = \$3 and valid_to is null`).
		WithArgs(sqlmock.AnyArg(), string(key), seq).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into sat_credential`).
		WithArgs(string(key), string(tenant), seq+1, sqlmock.AnyArg(), next).
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func TestPostgresUpdateClosesAndInserts(t *testing.T) {
	s, mock := newMockStore(t)
	tenant, key := ids.TenantKey("T1"), ids.DeriveKey("T1", "alice")

	expectCloseInsert(mock, tenant, key, 3, `{"n":2}`)
	mock.ExpectCommit()

	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	v, err := s.Update(context.Background(), SatCredential, tenant, key, at, func(cur *Version) (json.RawMessage, error) {
		if cur == nil || cur.Seq != 3 {
			t.Fatalf("unexpected current version %+v", cur)
		}
		return json.RawMessage(`{"n":2}`), nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if v.Seq != 4 || !v.ValidFrom.Equal(at) || v.ValidTo != nil {
		t.Fatalf("unexpected version %+v", v)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresUpdateRetriesSerializationFailure(t *testing.T) {
	s, mock := newMockStore(t)
	tenant, key := ids.TenantKey("T1"), ids.DeriveKey("T1", "alice")

	expectCloseInsert(mock, tenant, key, 3, `{"n":2}`)
	mock.ExpectCommit().WillReturnError(&pgconn.PgError{Code: "40001"})
	expectCloseInsert(mock, tenant, key, 4, `{"n":2}`)
	mock.ExpectCommit()

	calls := 0
	v, err := s.Update(context.Background(), SatCredential, tenant, key, time.Now(), func(cur *Version) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"n":2}`), nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected the mutation to be replayed once, ran %d times", calls)
	}
	if v.Seq != 5 {
		t.Fatalf("expected seq 5 after replay, got %d", v.Seq)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresUpdateSurfacesConflictAfterRetries(t *testing.T) {
	s, mock := newMockStore(t, WithMaxRetries(1))
	tenant, key := ids.TenantKey("T1"), ids.DeriveKey("T1", "alice")

	for i := 0; i < 2; i++ {
		expectCloseInsert(mock, tenant, key, 3, `{"n":2}`)
		mock.ExpectCommit().WillReturnError(&pgconn.PgError{Code: "40P01"})
	}

	_, err := Append(context.Background(), s, SatCredential, tenant, key, time.Now(), json.RawMessage(`{"n":2}`))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresUpdateReplaysWhenCurrentVersionMoved(t *testing.T) {
	s, mock := newMockStore(t)
	tenant, key := ids.TenantKey("T1"), ids.DeriveKey("T1", "alice")
	validFrom := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`select tenant_key from hub_identity`).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_key"}).AddRow(string(tenant)))
	mock.ExpectQuery(`select seq, tenant_key, valid_from, valid_to, attrs from sat_credential`).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "tenant_key", "valid_from", "valid_to", "attrs"}).
			AddRow(int64(3), string(tenant), validFrom, nil, []byte(`{"n":1}`)))
	mock.ExpectExec(`update sat_credential set valid_to`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	expectCloseInsert(mock, tenant, key, 4, `{"n":2}`)
	mock.ExpectCommit()

	v, err := Append(context.Background(), s, SatCredential, tenant, key, time.Now(), json.RawMessage(`{"n":2}`))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if v.Seq != 5 {
		t.Fatalf("expected seq 5, got %d", v.Seq)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresUpdateRejectsForeignTenant(t *testing.T) {
	s, mock := newMockStore(t)
	key := ids.DeriveKey("T1", "alice")

	mock.ExpectBegin()
	mock.ExpectQuery(`select tenant_key from hub_identity`).
		WithArgs(string(key)).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_key"}).AddRow(string(ids.TenantKey("T1"))))
	mock.ExpectRollback()

	_, err := Append(context.Background(), s, SatCredential, ids.TenantKey("T2"), key, time.Now(), json.RawMessage(`{}`))
	if !errors.Is(err, ErrTenantMismatch) {
		t.Fatalf("expected ErrTenantMismatch, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresCreateHubDuplicate(t *testing.T) {
	s, mock := newMockStore(t)
	tenant := ids.TenantKey("T1")

	mock.ExpectBegin()
	mock.ExpectExec(`insert into hub_tenant\(entity_key, tenant_key, business_key, parent_key, created_at\) values \(\$1,\$2,\$3,\$4,\$5\)`).
		WithArgs(string(tenant), string(tenant), "T1", nil, sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	err := s.CreateHub(context.Background(), HubRecord{Hub: HubTenant, Key: tenant, TenantKey: tenant, BusinessKey: "T1"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresCurrentNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`select seq, tenant_key, valid_from, valid_to, attrs from sat_session_state`).
		WillReturnError(sql.ErrNoRows)
	_, err := s.Current(context.Background(), SatSessionState, ids.TenantKey("T1"), ids.Key("missing"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresRebind(t *testing.T) {
	got := PostgresDialect{}.Rebind(`select a from b where c = ? and d = ?`)
	if got != `select a from b where c = $1 and d = $2` {
		t.Fatalf("unexpected rebind %q", got)
	}
	if got := (SQLiteDialect{}).Rebind(`x = ?`); got != `x = ?` {
		t.Fatalf("sqlite must keep question marks, got %q", got)
	}
}

func TestDialectFor(t *testing.T) {
	for _, name := range []string{"postgres", "PGX", "sqlite"} {
		if _, err := DialectFor(name); err != nil {
			t.Fatalf("DialectFor(%q): %v", name, err)
		}
	}
	if _, err := DialectFor("oracle"); err == nil {
		t.Fatal("expected unsupported dialect error")
	}
}
