package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PostgresStore implements Store on PostgreSQL. Sliding-log mutations take a
// transaction-scoped advisory lock on the key, which serialises concurrent
// admissions for the same key across every connected process.
//
// Tables are created by the goose migrations in migrations/ (cmd/migrate).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM kv_entries WHERE key = $1 AND expires_at > NOW()
	`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return value, nil
}

func (s *PostgresStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, $2, NOW() + $3 * INTERVAL '1 millisecond')
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`, key, value, ttl.Milliseconds())
	return unavailable("set", err)
}

// SetIfAbsent overwrites an existing row only once it has expired; the
// conditional upsert touches zero rows while a live value is present.
func (s *PostgresStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, $2, NOW() + $3 * INTERVAL '1 millisecond')
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
		WHERE kv_entries.expires_at <= NOW()
	`, key, value, ttl.Milliseconds())
	if err != nil {
		return false, unavailable("setnx", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("delete", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = $1`, key); err != nil {
		return unavailable("delete", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_logs WHERE key = $1`, key); err != nil {
		return unavailable("delete", err)
	}
	return unavailable("delete", tx.Commit())
}

func (s *PostgresStore) ListKeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	pattern := escapeLike(prefix) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM kv_entries WHERE key LIKE $1 AND expires_at > NOW()
		UNION
		SELECT key FROM kv_logs WHERE key LIKE $1 AND expires_at > NOW()
		ORDER BY key
	`, pattern)
	if err != nil {
		return nil, unavailable("list", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, unavailable("list", err)
		}
		keys = append(keys, k)
	}
	return keys, unavailable("list", rows.Err())
}

func (s *PostgresStore) AppendWithTTL(ctx context.Context, key string, at time.Time, ttl time.Duration) (int, error) {
	var n int
	err := s.withKeyLock(ctx, key, func(tx *sql.Tx) error {
		if err := touchLog(ctx, tx, key, ttl); err != nil {
			return err
		}
		if err := pruneLog(ctx, tx, key, at.Add(-ttl)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv_log_entries (key, at) VALUES ($1, $2)`, key, at); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv_log_entries WHERE key = $1`, key).Scan(&n)
	})
	if err != nil {
		return 0, unavailable("append", err)
	}
	return n, nil
}

func (s *PostgresStore) Window(ctx context.Context, key string, since time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.at
		FROM kv_log_entries e
		JOIN kv_logs l ON l.key = e.key
		WHERE e.key = $1 AND e.at > $2 AND l.expires_at > NOW()
		ORDER BY e.at
	`, key, since)
	if err != nil {
		return nil, unavailable("window", err)
	}
	defer func() { _ = rows.Close() }()

	var out []time.Time
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return nil, unavailable("window", err)
		}
		out = append(out, at)
	}
	return out, unavailable("window", rows.Err())
}

func (s *PostgresStore) Admit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Admission, error) {
	var adm Admission
	err := s.withKeyLock(ctx, key, func(tx *sql.Tx) error {
		// An expired log is discarded wholesale before counting.
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv_logs WHERE key = $1 AND expires_at <= NOW()`, key); err != nil {
			return err
		}
		if err := pruneLog(ctx, tx, key, now.Add(-window)); err != nil {
			return err
		}

		var oldest sql.NullTime
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*), MIN(at) FROM kv_log_entries WHERE key = $1
		`, key).Scan(&adm.Count, &oldest); err != nil {
			return err
		}

		if adm.Count < limit {
			if err := touchLog(ctx, tx, key, window); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO kv_log_entries (key, at) VALUES ($1, $2)`, key, now); err != nil {
				return err
			}
			adm.Admitted = true
			adm.Count++
			if !oldest.Valid {
				oldest = sql.NullTime{Time: now, Valid: true}
			}
		}
		if oldest.Valid {
			adm.Oldest = oldest.Time
		}
		return nil
	})
	if err != nil {
		return Admission{}, unavailable("admit", err)
	}
	return adm, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return unavailable("ping", s.db.PingContext(ctx))
}

// Close is a no-op: the *sql.DB is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Sweep deletes expired keys and logs. Returns the number of rows removed.
func (s *PostgresStore) Sweep(ctx context.Context) (int64, error) {
	var total int64
	for _, q := range []string{
		`DELETE FROM kv_entries WHERE expires_at <= NOW()`,
		`DELETE FROM kv_logs WHERE expires_at <= NOW()`,
	} {
		res, err := s.db.ExecContext(ctx, q)
		if err != nil {
			return total, unavailable("sweep", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (s *PostgresStore) withKeyLock(ctx context.Context, key string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func touchLog(ctx context.Context, tx *sql.Tx, key string, ttl time.Duration) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO kv_logs (key, expires_at)
		VALUES ($1, NOW() + $2 * INTERVAL '1 millisecond')
		ON CONFLICT (key) DO UPDATE SET expires_at = EXCLUDED.expires_at
	`, key, ttl.Milliseconds())
	return err
}

func pruneLog(ctx context.Context, tx *sql.Tx, key string, cutoff time.Time) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM kv_log_entries WHERE key = $1 AND at <= $2`, key, cutoff)
	return err
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
	return r.Replace(s)
}
