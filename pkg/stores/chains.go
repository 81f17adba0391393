package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vpsfleet/vpsfleet/pkg/engine"
)

const chainColumns = `id, label, state, no_rollback, urgent_rollback, metadata, created_at, finished_at`

func insertChain(ctx context.Context, q querier, c *engine.ChainRecord, now time.Time) error {
	query := `
		INSERT INTO transaction_chains (id, label, state, no_rollback, urgent_rollback, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	metadata := "{}"
	if len(c.Metadata) > 0 {
		data, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode chain metadata: %w", err)
		}
		metadata = string(data)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}

	_, err := q.ExecContext(ctx, query,
		c.ID,
		c.Label,
		string(c.State),
		c.NoRollback,
		c.UrgentRollback,
		metadata,
		c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create chain: %w", err)
	}
	return nil
}

func scanChain(sc scanner) (*engine.ChainRecord, error) {
	c := &engine.ChainRecord{}
	var metadata string
	var finished sql.NullTime

	err := sc.Scan(
		&c.ID,
		&c.Label,
		&c.State,
		&c.NoRollback,
		&c.UrgentRollback,
		&metadata,
		&c.CreatedAt,
		&finished,
	)
	if err != nil {
		return nil, err
	}

	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &c.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of chain %s: %w", c.ID, err)
		}
	}
	if finished.Valid {
		ts := finished.Time
		c.FinishedAt = &ts
	}
	return c, nil
}

// GetChain implements engine.Store.
func (s *SQLiteStore) GetChain(ctx context.Context, id string) (*engine.ChainRecord, error) {
	query := `SELECT ` + chainColumns + ` FROM transaction_chains WHERE id = ?`

	c, err := scanChain(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chain %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chain: %w", err)
	}
	return c, nil
}

// ListChains retrieves chains with optional state filtering, newest first
func (s *SQLiteStore) ListChains(ctx context.Context, state *engine.ChainState, limit, offset int) ([]*engine.ChainRecord, error) {
	query := `
		SELECT ` + chainColumns + `
		FROM transaction_chains
		WHERE (? IS NULL OR state = ?)
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?
	`

	var filter interface{}
	if state != nil {
		filter = string(*state)
	}

	rows, err := s.db.QueryContext(ctx, query, filter, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list chains: %w", err)
	}
	defer rows.Close()

	chains := []*engine.ChainRecord{}
	for rows.Next() {
		c, err := scanChain(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chain: %w", err)
		}
		chains = append(chains, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chains: %w", err)
	}

	return chains, nil
}

// TransitionChain implements engine.Store.
func (s *SQLiteStore) TransitionChain(ctx context.Context, id string, from []engine.ChainState, to engine.ChainState, now time.Time) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}

	var finished interface{}
	if to.IsTerminal() {
		finished = now.UTC()
	}

	query := fmt.Sprintf(`
		UPDATE transaction_chains
		SET state = ?, finished_at = COALESCE(?, finished_at)
		WHERE id = ? AND state IN (%s)
	`, placeholders(len(from)))

	args := []interface{}{string(to), finished, id}
	for _, st := range from {
		args = append(args, string(st))
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition chain: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetChain(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// AcquireLock implements engine.Store.
func (s *SQLiteStore) AcquireLock(ctx context.Context, resource, holder string, now time.Time) (string, bool, error) {
	var current string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO resource_locks (resource, holder, acquired_at) VALUES (?, ?, ?)`,
			resource, holder, now.UTC())
		if err != nil {
			return fmt.Errorf("failed to acquire lock: %w", err)
		}

		err = tx.QueryRowContext(ctx,
			`SELECT holder FROM resource_locks WHERE resource = ?`, resource).Scan(&current)
		if err != nil {
			return fmt.Errorf("failed to read lock holder: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return current, current == holder, nil
}

// ReleaseLocks implements engine.Store.
func (s *SQLiteStore) ReleaseLocks(ctx context.Context, holder string) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM resource_locks WHERE holder = ?`, holder)
	if err != nil {
		return 0, fmt.Errorf("failed to release locks: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// ListLocks implements engine.Store.
func (s *SQLiteStore) ListLocks(ctx context.Context) ([]engine.Lock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT resource, holder, acquired_at FROM resource_locks ORDER BY resource`)
	if err != nil {
		return nil, fmt.Errorf("failed to list locks: %w", err)
	}
	defer rows.Close()

	locks := []engine.Lock{}
	for rows.Next() {
		var l engine.Lock
		if err := rows.Scan(&l.Resource, &l.Holder, &l.AcquiredAt); err != nil {
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		locks = append(locks, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating locks: %w", err)
	}

	return locks, nil
}
