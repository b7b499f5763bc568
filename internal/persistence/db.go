// Package persistence provides SQLite-based run archival: ledger entries,
// agent snapshots, and diagnostic trial results, keyed by run id. The engine
// never touches the database; the runner and the diagnostic CLI write here.
package persistence

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/creditnet/internal/agent"
	"github.com/talgya/creditnet/internal/engine"
)

// DB wraps a SQLite connection for run archival.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		seed INTEGER NOT NULL,
		started_at TEXT NOT NULL DEFAULT (datetime('now')),
		label TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		step INTEGER NOT NULL,
		agent_id TEXT NOT NULL,
		action TEXT NOT NULL,
		delta_y REAL NOT NULL,
		delta_balance REAL NOT NULL,
		delta_quota REAL NOT NULL,
		y_before REAL NOT NULL,
		y_after REAL NOT NULL,
		price_before REAL NOT NULL,
		price_after REAL NOT NULL,
		f_before REAL NOT NULL,
		f_after REAL NOT NULL,
		description TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		run_id TEXT NOT NULL,
		step INTEGER NOT NULL,
		tick INTEGER NOT NULL,
		client_balance REAL NOT NULL,
		narrative TEXT NOT NULL,
		agents_json TEXT NOT NULL,
		tasks_json TEXT NOT NULL,
		PRIMARY KEY (run_id, step)
	);

	CREATE TABLE IF NOT EXISTS trials (
		run_id TEXT NOT NULL,
		trial INTEGER NOT NULL,
		result_json TEXT NOT NULL,
		PRIMARY KEY (run_id, trial)
	);

	CREATE TABLE IF NOT EXISTS run_meta (
		run_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (run_id, key)
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_run_step ON ledger_entries(run_id, step);
	CREATE INDEX IF NOT EXISTS idx_ledger_agent ON ledger_entries(run_id, agent_id);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// BeginRun registers a new run and returns its id.
func (db *DB) BeginRun(seed uint32, label string) (string, error) {
	id := uuid.NewString()
	_, err := db.conn.Exec(
		"INSERT INTO runs (id, seed, label) VALUES (?, ?, ?)",
		id, seed, label,
	)
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}
	slog.Info("run registered", "run", id, "seed", seed, "label", label)
	return id, nil
}

// AppendLedger appends entries to a run's archived ledger.
func (db *DB) AppendLedger(runID string, entries []engine.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Preparex(`INSERT INTO ledger_entries
		(run_id, step, agent_id, action, delta_y, delta_balance, delta_quota,
		 y_before, y_after, price_before, price_after, f_before, f_after, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		_, err := stmt.Exec(
			runID, e.Step, string(e.AgentID), string(e.Action),
			e.DeltaY, e.DeltaBalance, e.DeltaQuota,
			e.YBefore, e.YAfter, e.PriceBefore, e.PriceAfter,
			e.FBefore, e.FAfter, e.Description,
		)
		if err != nil {
			return fmt.Errorf("insert ledger entry step %d: %w", e.Step, err)
		}
	}

	return tx.Commit()
}

// SaveSnapshot archives the agent and task state at a step boundary.
func (db *DB) SaveSnapshot(runID string, step int, state engine.State) error {
	agentsJSON, err := json.Marshal(state.Agents)
	if err != nil {
		return fmt.Errorf("marshal agents: %w", err)
	}
	tasksJSON, err := json.Marshal(state.Tasks)
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}

	_, err = db.conn.Exec(`INSERT OR REPLACE INTO snapshots
		(run_id, step, tick, client_balance, narrative, agents_json, tasks_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, step, state.Tick, state.ClientBalance, state.LastNarrative,
		string(agentsJSON), string(tasksJSON),
	)
	return err
}

// Snapshot is one archived step boundary.
type Snapshot struct {
	Step          int     `db:"step"`
	Tick          int     `db:"tick"`
	ClientBalance float64 `db:"client_balance"`
	Narrative     string  `db:"narrative"`
	AgentsJSON    string  `db:"agents_json"`
	TasksJSON     string  `db:"tasks_json"`
}

// Agents decodes the archived agent map.
func (s Snapshot) Agents() (map[agent.ID]agent.State, error) {
	out := make(map[agent.ID]agent.State)
	if err := json.Unmarshal([]byte(s.AgentsJSON), &out); err != nil {
		return nil, fmt.Errorf("decode agents: %w", err)
	}
	return out, nil
}

// LoadSnapshot reads the snapshot archived at a given step.
func (db *DB) LoadSnapshot(runID string, step int) (Snapshot, error) {
	var snap Snapshot
	err := db.conn.Get(&snap,
		`SELECT step, tick, client_balance, narrative, agents_json, tasks_json
		 FROM snapshots WHERE run_id = ? AND step = ?`,
		runID, step,
	)
	return snap, err
}

// LedgerRow is one archived ledger entry.
type LedgerRow struct {
	Step         int     `db:"step"`
	AgentID      string  `db:"agent_id"`
	Action       string  `db:"action"`
	DeltaY       float64 `db:"delta_y"`
	DeltaBalance float64 `db:"delta_balance"`
	DeltaQuota   float64 `db:"delta_quota"`
	Description  string  `db:"description"`
}

// LedgerForRun returns a run's archived ledger in step order.
func (db *DB) LedgerForRun(runID string, limit int) ([]LedgerRow, error) {
	var rows []LedgerRow
	err := db.conn.Select(&rows,
		`SELECT step, agent_id, action, delta_y, delta_balance, delta_quota, description
		 FROM ledger_entries WHERE run_id = ? ORDER BY id LIMIT ?`,
		runID, limit,
	)
	return rows, err
}

// SaveTrial archives one diagnostic trial result as JSON.
func (db *DB) SaveTrial(runID string, result engine.TrialResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal trial %d: %w", result.Trial, err)
	}
	_, err = db.conn.Exec(
		"INSERT OR REPLACE INTO trials (run_id, trial, result_json) VALUES (?, ?, ?)",
		runID, result.Trial, string(resultJSON),
	)
	return err
}

// TrialsForRun decodes every archived trial result for a run.
func (db *DB) TrialsForRun(runID string) ([]engine.TrialResult, error) {
	var raws []string
	err := db.conn.Select(&raws,
		"SELECT result_json FROM trials WHERE run_id = ? ORDER BY trial",
		runID,
	)
	if err != nil {
		return nil, err
	}

	results := make([]engine.TrialResult, 0, len(raws))
	for _, raw := range raws {
		var result engine.TrialResult
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			return nil, fmt.Errorf("decode trial: %w", err)
		}
		results = append(results, result)
	}
	return results, nil
}

// SaveMeta stores a key-value pair scoped to a run.
func (db *DB) SaveMeta(runID, key, value string) error {
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO run_meta (run_id, key, value) VALUES (?, ?, ?)",
		runID, key, value,
	)
	return err
}

// GetMeta retrieves a run-scoped metadata value.
func (db *DB) GetMeta(runID, key string) (string, error) {
	var value string
	err := db.conn.Get(&value, "SELECT value FROM run_meta WHERE run_id = ? AND key = ?", runID, key)
	return value, err
}

// ArchiveTick appends the tick's new ledger entries and snapshots the
// resulting state in one call. before is the ledger length prior to the tick.
func (db *DB) ArchiveTick(runID string, before int, state engine.State) error {
	if before < 0 || before > len(state.Ledger) {
		before = 0
	}
	if err := db.AppendLedger(runID, state.Ledger[before:]); err != nil {
		return fmt.Errorf("archive ledger: %w", err)
	}
	if err := db.SaveSnapshot(runID, state.Phase, state); err != nil {
		return fmt.Errorf("archive snapshot: %w", err)
	}
	return nil
}
