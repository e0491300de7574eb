package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/StricklySoft/realmgate/pkg/auth"
	"github.com/StricklySoft/realmgate/pkg/clients/postgres"
	sserr "github.com/StricklySoft/realmgate/pkg/errors"
	"github.com/StricklySoft/realmgate/pkg/logging"
)

// DB is the part of the PostgreSQL client the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

var _ DB = (*postgres.Client)(nil)

const schemaSQL = `CREATE TABLE IF NOT EXISTS auth_denials (
	id                 uuid PRIMARY KEY,
	denied_at          timestamptz NOT NULL,
	code               text NOT NULL,
	message            text NOT NULL,
	stage              text NOT NULL,
	target_realm       text NOT NULL,
	token_realm        text NOT NULL DEFAULT '',
	resource           text NOT NULL,
	subject            text NOT NULL DEFAULT '',
	unverified_subject text NOT NULL DEFAULT '',
	issuer             text NOT NULL DEFAULT '',
	caller             text NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS auth_denials_denied_at_idx ON auth_denials (denied_at);
CREATE INDEX IF NOT EXISTS auth_denials_code_idx ON auth_denials (code, denied_at)`

const insertSQL = `INSERT INTO auth_denials
	(id, denied_at, code, message, stage, target_realm, token_realm, resource, subject, unverified_subject, issuer, caller)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (id) DO NOTHING`

const recentSQL = `SELECT id::text, denied_at, code, message, stage, target_realm, token_realm, resource, subject, unverified_subject, issuer, caller
	FROM auth_denials ORDER BY denied_at DESC LIMIT $1`

const purgeSQL = `DELETE FROM auth_denials WHERE denied_at < $1`

// PostgresStore persists denies in the auth_denials table.
type PostgresStore struct {
	db     DB
	logger zerolog.Logger
}

var _ auth.AuditSink = (*PostgresStore)(nil)

// NewPostgresStore returns a store writing through db.
func NewPostgresStore(db DB, logger zerolog.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logging.Component(logger, "audit")}
}

// EnsureSchema creates the table and its indexes if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		code := sserr.GetCode(err)
		if code == "" {
			code = sserr.CodeInternalStorage
		}
		return sserr.Wrap(err, code, "audit: create auth_denials schema")
	}
	return nil
}

// Insert writes one event. Re-inserting an event with the same ID is a
// no-op.
func (s *PostgresStore) Insert(ctx context.Context, ev auth.DenyEvent) error {
	_, err := s.db.Exec(ctx, insertSQL,
		ev.ID, ev.Time.UTC(), string(ev.Code), ev.Message, string(ev.Stage),
		string(ev.TargetRealm), string(ev.TokenRealm), ev.Resource,
		ev.Subject, ev.UnverifiedSubject, ev.Issuer, ev.Caller,
	)
	return err
}

// RecordDeny inserts ev and logs failures.
func (s *PostgresStore) RecordDeny(ctx context.Context, ev auth.DenyEvent) {
	if err := s.Insert(ctx, ev); err != nil {
		logging.WithError(logging.FromContext(ctx, s.logger).Error(), err).
			Str("deny_id", ev.ID.String()).
			Msg("audit insert failed")
	}
}

// Recent returns up to limit events, newest first.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]auth.DenyEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, recentSQL, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.DenyEvent
	for rows.Next() {
		var (
			ev                                       auth.DenyEvent
			id, code, stage, targetRealm, tokenRealm string
		)
		if err := rows.Scan(&id, &ev.Time, &code, &ev.Message, &stage, &targetRealm, &tokenRealm,
			&ev.Resource, &ev.Subject, &ev.UnverifiedSubject, &ev.Issuer, &ev.Caller); err != nil {
			return nil, sserr.Wrap(err, sserr.CodeInternalStorage, "audit: scan auth_denials row")
		}
		if ev.ID, err = uuid.Parse(id); err != nil {
			return nil, sserr.Wrap(err, sserr.CodeInternalStorage, "audit: parse deny id")
		}
		ev.Code = sserr.Code(code)
		ev.Stage = auth.Stage(stage)
		ev.TargetRealm = auth.Realm(targetRealm)
		ev.TokenRealm = auth.Realm(tokenRealm)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalStorage, "audit: read auth_denials")
	}
	return out, nil
}

// Purge deletes events older than retention and returns how many went.
func (s *PostgresStore) Purge(ctx context.Context, retention time.Duration, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, purgeSQL, now.Add(-retention).UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
