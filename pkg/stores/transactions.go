package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/vpsfleet/vpsfleet/pkg/engine"
)

var _ engine.Store = (*SQLiteStore)(nil)

const transactionColumns = `
	t_id, t_type, t_vps, t_server, t_m_id, t_param, t_depends_on, t_urgent,
	t_priority, t_time, t_state, t_output, t_real_start, t_end, t_fallback,
	t_chain, t_direction, t_origin, t_rolled_back, t_patches`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(sc scanner) (*engine.Transaction, error) {
	var (
		t                         engine.Transaction
		vps, userID, dep, origin  sql.NullInt64
		param                     string
		output, fallback, patches sql.NullString
		chain                     sql.NullString
		started, ended            sql.NullTime
	)

	err := sc.Scan(
		&t.ID,
		&t.Type,
		&vps,
		&t.Node,
		&userID,
		&param,
		&dep,
		&t.Urgent,
		&t.Priority,
		&t.CreatedAt,
		&t.State,
		&output,
		&started,
		&ended,
		&fallback,
		&chain,
		&t.Direction,
		&origin,
		&t.RolledBack,
		&patches,
	)
	if err != nil {
		return nil, err
	}

	t.VPS = vps.Int64
	t.UserID = userID.Int64
	t.DependsOn = dep.Int64
	t.Origin = origin.Int64
	t.ChainID = chain.String
	t.Payload = json.RawMessage(param)
	if output.Valid {
		t.Output = json.RawMessage(output.String)
	}
	if started.Valid {
		ts := started.Time
		t.StartedAt = &ts
	}
	if ended.Valid {
		ts := ended.Time
		t.FinishedAt = &ts
	}
	if fallback.Valid && fallback.String != "" {
		t.Fallback = &engine.Fallback{}
		if err := json.Unmarshal([]byte(fallback.String), t.Fallback); err != nil {
			return nil, fmt.Errorf("failed to decode fallback of transaction %d: %w", t.ID, err)
		}
	}
	if patches.Valid && patches.String != "" {
		if err := json.Unmarshal([]byte(patches.String), &t.Patches); err != nil {
			return nil, fmt.Errorf("failed to decode patches of transaction %d: %w", t.ID, err)
		}
	}

	return &t, nil
}

func nullID(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func insertTransaction(ctx context.Context, q querier, t *engine.Transaction) (int64, error) {
	query := `
		INSERT INTO transactions (
			t_type, t_vps, t_server, t_m_id, t_param, t_depends_on, t_urgent,
			t_priority, t_time, t_done, t_success, t_output, t_end, t_fallback,
			t_chain, t_state, t_direction, t_origin, t_patches
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	param := string(t.Payload)
	if param == "" {
		param = "{}"
	}

	var fallback, patches interface{}
	if !t.Fallback.Empty() {
		data, err := json.Marshal(t.Fallback)
		if err != nil {
			return 0, fmt.Errorf("failed to encode fallback: %w", err)
		}
		fallback = string(data)
	}
	if len(t.Patches) > 0 {
		data, err := json.Marshal(t.Patches)
		if err != nil {
			return 0, fmt.Errorf("failed to encode patches: %w", err)
		}
		patches = string(data)
	}

	var output interface{}
	if len(t.Output) > 0 {
		output = string(t.Output)
	}

	result, err := q.ExecContext(ctx, query,
		int(t.Type),
		nullID(t.VPS),
		t.Node,
		nullID(t.UserID),
		param,
		nullID(t.DependsOn),
		t.Urgent,
		t.Priority,
		t.CreatedAt,
		t.State.IsTerminal(),
		int(t.State.Success()),
		output,
		t.FinishedAt,
		fallback,
		nullString(t.ChainID),
		string(t.State),
		string(t.Direction),
		nullID(t.Origin),
		patches,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert transaction: %w", err)
	}

	return result.LastInsertId()
}

func getTransaction(ctx context.Context, q querier, id int64) (*engine.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE t_id = ?`

	t, err := scanTransaction(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %d: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return t, nil
}

func listTransactions(ctx context.Context, q querier, query string, args ...interface{}) ([]*engine.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	txs := []*engine.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return txs, nil
}

func queryIDs(ctx context.Context, q querier, query string, args ...interface{}) ([]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// markDependencyFailed finishes queued rows that will never run.
func markDependencyFailed(ctx context.Context, q querier, ids []int64, now time.Time) error {
	output, err := json.Marshal(engine.DependencyFailedOutput())
	if err != nil {
		return err
	}

	query := `
		UPDATE transactions
		SET t_state = ?, t_done = 1, t_success = 0, t_output = ?, t_end = ?
		WHERE t_id = ? AND t_state = ?
	`
	for _, id := range ids {
		_, err := q.ExecContext(ctx, query,
			string(engine.StateDependencyFailed), string(output), now, id, string(engine.StateQueued))
		if err != nil {
			return fmt.Errorf("failed to fail transaction %d: %w", id, err)
		}
	}
	return nil
}

// CommitChain implements engine.Store.
func (s *SQLiteStore) CommitChain(ctx context.Context, chain *engine.ChainRecord, batch []engine.NewTransaction) error {
	for i, nt := range batch {
		if nt.DepIndex >= i {
			return fmt.Errorf("row %d depends on later row %d", i, nt.DepIndex)
		}
	}

	now := time.Now().UTC()
	depFailed, err := json.Marshal(engine.DependencyFailedOutput())
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if chain != nil {
			if err := insertChain(ctx, tx, chain, now); err != nil {
				return err
			}
		}

		for _, nt := range batch {
			t := nt.Tx
			t.State = engine.StateQueued
			if t.Direction == "" {
				t.Direction = engine.DirectionExec
			}
			if chain != nil {
				t.ChainID = chain.ID
			}
			if t.CreatedAt.IsZero() {
				t.CreatedAt = now
			}

			var depState engine.State
			depExists := false
			if nt.DepIndex >= 0 {
				dep := batch[nt.DepIndex].Tx
				t.DependsOn = dep.ID
				depState, depExists = dep.State, true
			} else if t.DependsOn != 0 {
				err := tx.QueryRowContext(ctx,
					`SELECT t_state FROM transactions WHERE t_id = ?`, t.DependsOn).Scan(&depState)
				switch {
				case err == nil:
					depExists = true
				case !errors.Is(err, sql.ErrNoRows):
					return fmt.Errorf("failed to check dependency %d: %w", t.DependsOn, err)
				}
			}

			if t.DependsOn != 0 && (!depExists || depState.IsFailure()) {
				t.State = engine.StateDependencyFailed
				t.Output = depFailed
				finished := now
				t.FinishedAt = &finished
			}

			id, err := insertTransaction(ctx, tx, t)
			if err != nil {
				return err
			}
			t.ID = id
		}
		return nil
	})
}

// GetTransaction implements engine.Store.
func (s *SQLiteStore) GetTransaction(ctx context.Context, id int64) (*engine.Transaction, error) {
	return getTransaction(ctx, s.db, id)
}

// ListChainTransactions implements engine.Store.
func (s *SQLiteStore) ListChainTransactions(ctx context.Context, chainID string) ([]*engine.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE t_chain = ? ORDER BY t_id`
	return listTransactions(ctx, s.db, query, chainID)
}

// ListNodeTransactions returns the unfinished transactions of a node in
// claim order.
func (s *SQLiteStore) ListNodeTransactions(ctx context.Context, node int64) ([]*engine.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE t_server = ? AND t_done = 0
		ORDER BY t_urgent DESC, t_priority DESC, t_id ASC`
	return listTransactions(ctx, s.db, query, node)
}

// ClaimNext implements engine.Store.
func (s *SQLiteStore) ClaimNext(ctx context.Context, node int64, now time.Time) (*engine.Transaction, error) {
	query := `
		SELECT t.t_id
		FROM transactions t
		LEFT JOIN transactions d ON d.t_id = t.t_depends_on
		LEFT JOIN transaction_chains c ON c.id = t.t_chain
		WHERE t.t_server = ?
		  AND t.t_state = ?
		  AND (t.t_depends_on IS NULL OR d.t_state IN (?, ?))
		  AND (t.t_chain IS NULL OR t.t_direction = ? OR c.state = ?)
		ORDER BY t.t_urgent DESC, t.t_priority DESC, t.t_id ASC
		LIMIT 1
	`

	var claimed *engine.Transaction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, query,
			node,
			string(engine.StateQueued),
			string(engine.StateDoneOK), string(engine.StateDoneWarning),
			string(engine.DirectionRollback),
			string(engine.ChainExecuting),
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select ready transaction: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE transactions SET t_state = ?, t_real_start = ? WHERE t_id = ? AND t_state = ?`,
			string(engine.StateRunning), now.UTC(), id, string(engine.StateQueued))
		if err != nil {
			return fmt.Errorf("failed to claim transaction: %w", err)
		}

		claimed, err = getTransaction(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// FailBlocked implements engine.Store.
func (s *SQLiteStore) FailBlocked(ctx context.Context, node int64, now time.Time) ([]*engine.Transaction, error) {
	query := `
		SELECT t.t_id
		FROM transactions t
		LEFT JOIN transactions d ON d.t_id = t.t_depends_on
		WHERE t.t_server = ?
		  AND t.t_state = ?
		  AND t.t_depends_on IS NOT NULL
		  AND (d.t_id IS NULL OR d.t_state IN (?, ?, ?))
		ORDER BY t.t_id
	`

	var failed []*engine.Transaction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var all []int64
		for {
			ids, err := queryIDs(ctx, tx, query,
				node,
				string(engine.StateQueued),
				string(engine.StateFailed), string(engine.StateDependencyFailed), string(engine.StateKilled),
			)
			if err != nil {
				return fmt.Errorf("failed to select blocked transactions: %w", err)
			}
			if len(ids) == 0 {
				break
			}
			if err := markDependencyFailed(ctx, tx, ids, now.UTC()); err != nil {
				return err
			}
			all = append(all, ids...)
		}

		for _, id := range all {
			t, err := getTransaction(ctx, tx, id)
			if err != nil {
				return err
			}
			failed = append(failed, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}

// Finish implements engine.Store.
func (s *SQLiteStore) Finish(ctx context.Context, id int64, out engine.Outcome) error {
	output, err := json.Marshal(out.Output)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}

	var started interface{}
	if !out.StartedAt.IsZero() {
		started = out.StartedAt.UTC()
	}

	query := `
		UPDATE transactions
		SET t_state = ?, t_done = 1, t_success = ?, t_output = ?,
		    t_real_start = COALESCE(t_real_start, ?), t_end = ?
		WHERE t_id = ? AND t_done = 0
	`

	result, err := s.db.ExecContext(ctx, query,
		string(out.State),
		int(out.State.Success()),
		string(output),
		started,
		out.FinishedAt.UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish transaction: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetTransaction(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("transaction %d: %w", id, engine.ErrTerminal)
	}

	return nil
}

// CancelQueued implements engine.Store.
func (s *SQLiteStore) CancelQueued(ctx context.Context, chainID string, now time.Time) ([]int64, error) {
	var ids []int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ids, err = queryIDs(ctx, tx,
			`SELECT t_id FROM transactions WHERE t_chain = ? AND t_direction = ? AND t_state = ? ORDER BY t_id`,
			chainID, string(engine.DirectionExec), string(engine.StateQueued))
		if err != nil {
			return fmt.Errorf("failed to select queued steps: %w", err)
		}
		return markDependencyFailed(ctx, tx, ids, now.UTC())
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// AppendCompensations implements engine.Store.
func (s *SQLiteStore) AppendCompensations(ctx context.Context, chainID string, comps []*engine.Transaction) ([]*engine.Transaction, error) {
	var inserted []*engine.Transaction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT t_id, t_origin FROM transactions WHERE t_chain = ? AND t_direction = ?`,
			chainID, string(engine.DirectionRollback))
		if err != nil {
			return fmt.Errorf("failed to list compensations: %w", err)
		}

		origins := make(map[int64]bool)
		var last int64
		for rows.Next() {
			var id int64
			var origin sql.NullInt64
			if err := rows.Scan(&id, &origin); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan compensation: %w", err)
			}
			origins[origin.Int64] = true
			if id > last {
				last = id
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("error iterating compensations: %w", err)
		}
		rows.Close()

		now := time.Now().UTC()
		for _, c := range comps {
			if origins[c.Origin] {
				continue
			}
			c.ChainID = chainID
			c.Direction = engine.DirectionRollback
			c.State = engine.StateQueued
			c.DependsOn = last
			c.CreatedAt = now

			id, err := insertTransaction(ctx, tx, c)
			if err != nil {
				return err
			}
			c.ID = id
			origins[c.Origin] = true
			last = id
			inserted = append(inserted, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// MarkRolledBack implements engine.Store.
func (s *SQLiteStore) MarkRolledBack(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `UPDATE transactions SET t_rolled_back = 1 WHERE t_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark transaction rolled back: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("transaction %d: %w", id, engine.ErrNotFound)
	}
	return nil
}

// QueueDepth implements engine.Store.
func (s *SQLiteStore) QueueDepth(ctx context.Context, node int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE t_server = ? AND t_done = 0`, node).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queued transactions: %w", err)
	}
	return n, nil
}

// patchable lists the columns a confirm patch may touch.
var patchable = map[string]map[string]bool{
	"vpses":        {"node_id": true, "hostname": true, "running": true, "dataset_id": true, "os_template": true},
	"datasets":     {"pool_id": true, "parent_id": true},
	"ip_addresses": {"vps_id": true, "user_id": true},
	"mounts":       {"dataset_id": true, "vps_id": true, "mount_type": true, "mount_opts": true},
}

// ApplyPatches implements engine.Store.
func (s *SQLiteStore) ApplyPatches(ctx context.Context, patches []engine.Patch) error {
	for _, p := range patches {
		if !patchable[p.Table][p.Column] {
			return engine.NewValidationError(
				fmt.Sprintf("column %s.%s cannot be patched", p.Table, p.Column), nil)
		}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, p := range patches {
			// Table and column come from the whitelist above.
			query := fmt.Sprintf("UPDATE %s SET %s = ? WHERE id = ?", p.Table, p.Column)
			result, err := tx.ExecContext(ctx, query, patchValue(p.Value), p.RowID)
			if err != nil {
				return fmt.Errorf("failed to patch %s.%s of row %d: %w", p.Table, p.Column, p.RowID, err)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to get rows affected: %w", err)
			}
			if n == 0 {
				return fmt.Errorf("%s row %d: %w", p.Table, p.RowID, engine.ErrNotFound)
			}
		}
		return nil
	})
}

// patchValue converts a JSON-decoded patch value to a column value.
func patchValue(v interface{}) interface{} {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) {
			return int64(x)
		}
		return x
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		return x.String()
	default:
		return v
	}
}
