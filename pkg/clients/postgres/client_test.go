package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"

	sserr "github.com/StricklySoft/realmgate/pkg/errors"
)

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func expectCode(t *testing.T, err error, want sserr.Code) {
	t.Helper()
	var ssErr *sserr.Error
	if !errors.As(err, &ssErr) {
		t.Fatalf("error type = %T, want *sserr.Error", err)
	}
	if ssErr.Code != want {
		t.Errorf("error code = %q, want %q", ssErr.Code, want)
	}
}

func TestNewFromPool(t *testing.T) {
	mock := newMockPool(t)

	cfg := &Config{Database: "audit"}
	client := NewFromPool(mock, cfg)
	if client.config != cfg {
		t.Error("config not set correctly")
	}
	if client.dbName != "audit" {
		t.Errorf("dbName = %q, want %q", client.dbName, "audit")
	}
	if client.tracer == nil {
		t.Error("tracer is nil")
	}

	client = NewFromPool(mock, nil)
	if client.config == nil || client.dbName != "" {
		t.Errorf("nil config: got config=%v dbName=%q", client.config, client.dbName)
	}
}

func TestNewClient_InvalidConfig(t *testing.T) {
	_, err := NewClient(context.Background(), Config{User: "x"})
	if err == nil {
		t.Fatal("NewClient() expected error for empty database")
	}
	expectCode(t, err, sserr.CodeConfigInvalid)
}

func TestClient_Query(t *testing.T) {
	mock := newMockPool(t)
	mock.ExpectQuery("SELECT code, count").
		WithArgs(10).
		WillReturnRows(pgxmock.NewRows([]string{"code", "count"}).
			AddRow("CROSS_POOL_ACCESS", int64(3)).
			AddRow("TOKEN_EXPIRED", int64(9)))

	client := NewFromPool(mock, &Config{Database: "audit"})
	rows, err := client.Query(context.Background(), "SELECT code, count(*) FROM auth_denials GROUP BY code LIMIT $1", 10)
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	defer rows.Close()

	var n int
	for rows.Next() {
		var code string
		var count int64
		if err := rows.Scan(&code, &count); err != nil {
			t.Fatalf("Scan() error: %v", err)
		}
		n++
	}
	if n != 2 {
		t.Errorf("row count = %d, want 2", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestClient_Query_Errors(t *testing.T) {
	tests := []struct {
		name  string
		cause error
		want  sserr.Code
	}{
		{"generic", errors.New(`relation "auth_denials" does not exist`), sserr.CodeInternalStorage},
		{"deadline", context.DeadlineExceeded, sserr.CodeStorageTimeout},
		{"canceled", context.Canceled, sserr.CodeStorageTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMockPool(t)
			mock.ExpectQuery("SELECT").WillReturnError(tt.cause)

			_, err := NewFromPool(mock, nil).Query(context.Background(), "SELECT 1")
			if err == nil {
				t.Fatal("Query() expected error")
			}
			expectCode(t, err, tt.want)
			if !errors.Is(err, tt.cause) {
				t.Errorf("error does not wrap cause: %v", err)
			}
		})
	}
}

func TestClient_Exec(t *testing.T) {
	mock := newMockPool(t)
	mock.ExpectExec("DELETE FROM auth_denials").
		WillReturnResult(pgxmock.NewResult("DELETE", 5))
	mock.ExpectExec("INSERT INTO auth_denials").
		WillReturnError(errors.New("duplicate key value violates unique constraint"))

	client := NewFromPool(mock, nil)
	tag, err := client.Exec(context.Background(), "DELETE FROM auth_denials WHERE denied_at < now() - interval '30 days'")
	if err != nil {
		t.Fatalf("Exec() error: %v", err)
	}
	if tag.RowsAffected() != 5 {
		t.Errorf("RowsAffected() = %d, want 5", tag.RowsAffected())
	}

	_, err = client.Exec(context.Background(), "INSERT INTO auth_denials (id) VALUES ($1)")
	if err == nil {
		t.Fatal("Exec() expected error")
	}
	expectCode(t, err, sserr.CodeInternalStorage)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestClient_Health(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectPing()
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	client := NewFromPool(mock, nil)
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("Health() error: %v", err)
	}

	err = client.Health(context.Background())
	if err == nil {
		t.Fatal("Health() expected error")
	}
	expectCode(t, err, sserr.CodeDependencyDown)
	if !sserr.IsUnavailable(err) || !sserr.IsRetryable(err) {
		t.Errorf("health failure should be unavailable and retryable: %v", err)
	}
}

func TestClient_Close(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	mock.ExpectClose()

	NewFromPool(mock, nil).Close()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		cause error
		want  sserr.Code
	}{
		{"connection failure", &pgconn.PgError{Code: "08006"}, sserr.CodeDependencyDown},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, sserr.CodeDependencyDown},
		{"statement timeout", &pgconn.PgError{Code: "57014"}, sserr.CodeStorageTimeout},
		{"undefined table", &pgconn.PgError{Code: "42P01"}, sserr.CodeInternalStorage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(tt.cause, "postgres: exec failed")
			expectCode(t, err, tt.want)
			if !errors.Is(err, tt.cause) {
				t.Errorf("error does not wrap cause: %v", err)
			}
		})
	}
	if err := classify(nil, "unused"); err != nil {
		t.Errorf("classify(nil) = %v, want nil", err)
	}
}
