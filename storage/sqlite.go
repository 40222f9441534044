package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"edge_finder/models"
)

// SQLiteStore keeps operational data: pipeline runs, run logs, the command
// queue polled by the daemon and verification page snapshots.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pipeline_runs (
		id INTEGER PRIMARY KEY,
		started_at DATETIME,
		finished_at DATETIME,
		status TEXT,
		summary JSON,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS run_logs (
		id INTEGER PRIMARY KEY,
		run_id INTEGER,
		timestamp DATETIME,
		level TEXT,
		message TEXT,
		component TEXT
	);

	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY,
		command TEXT,
		params JSON,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		processed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS page_snapshots (
		id INTEGER PRIMARY KEY,
		property_id TEXT NOT NULL,
		url TEXT,
		final_url TEXT,
		status_code INTEGER,
		content_hash TEXT,
		s3_key TEXT,
		outcome TEXT,
		fetched_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(processed_at) WHERE processed_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_logs_run ON run_logs(run_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON pipeline_runs(status, started_at);
	CREATE INDEX IF NOT EXISTS idx_snapshots_property ON page_snapshots(property_id, fetched_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// Runs
// =============================================================================

func (s *SQLiteStore) CreateRun(run *models.PipelineRun) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO pipeline_runs (started_at, status, summary)
		VALUES (?, ?, ?)`,
		run.StartedAt, run.Status, run.Summary.ToJSON())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *SQLiteStore) UpdateRun(run *models.PipelineRun) error {
	_, err := s.db.Exec(`
		UPDATE pipeline_runs SET finished_at = ?, status = ?, summary = ?, error = ?
		WHERE id = ?`,
		run.FinishedAt, run.Status, run.Summary.ToJSON(), run.Error, run.ID)
	return err
}

func (s *SQLiteStore) GetLastRun() (*models.PipelineRun, error) {
	row := s.db.QueryRow(`
		SELECT id, started_at, finished_at, status, summary, COALESCE(error, '')
		FROM pipeline_runs ORDER BY started_at DESC LIMIT 1`)

	var run models.PipelineRun
	var summary sql.NullString
	err := row.Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &run.Status, &summary, &run.Error)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if summary.Valid {
		if err := json.Unmarshal([]byte(summary.String), &run.Summary); err != nil {
			return nil, err
		}
	}
	return &run, nil
}

func (s *SQLiteStore) Log(runID *int64, level models.LogLevel, message, component string) error {
	_, err := s.db.Exec(`
		INSERT INTO run_logs (run_id, timestamp, level, message, component)
		VALUES (?, ?, ?, ?, ?)`,
		runID, time.Now(), level, message, component)
	return err
}

func (s *SQLiteStore) GetRunLogs(runID int64) ([]models.RunLog, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, timestamp, level, message, component
		FROM run_logs WHERE run_id = ? ORDER BY timestamp, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.RunLog
	for rows.Next() {
		var l models.RunLog
		if err := rows.Scan(&l.ID, &l.RunID, &l.Timestamp, &l.Level, &l.Message, &l.Component); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// =============================================================================
// Commands
// =============================================================================

func (s *SQLiteStore) EnqueueCommand(cmd models.CommandType, params *models.CommandParams) (int64, error) {
	var raw any
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return 0, err
		}
		raw = string(data)
	}
	result, err := s.db.Exec(`INSERT INTO commands (command, params, created_at) VALUES (?, ?, ?)`,
		cmd, raw, time.Now())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *SQLiteStore) GetPendingCommands() ([]models.Command, error) {
	rows, err := s.db.Query(`
		SELECT id, command, params, created_at, processed_at
		FROM commands WHERE processed_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []models.Command
	for rows.Next() {
		var cmd models.Command
		var params sql.NullString
		if err := rows.Scan(&cmd.ID, &cmd.Command, &params, &cmd.CreatedAt, &cmd.ProcessedAt); err != nil {
			return nil, err
		}
		if params.Valid {
			cmd.Params = json.RawMessage(params.String)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

func (s *SQLiteStore) MarkCommandProcessed(id int64) error {
	_, err := s.db.Exec(`UPDATE commands SET processed_at = ? WHERE id = ?`, time.Now(), id)
	return err
}

func ParseCommandParams(cmd *models.Command) (*models.CommandParams, error) {
	if cmd.Params == nil || string(cmd.Params) == "null" {
		return &models.CommandParams{}, nil
	}
	var params models.CommandParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return nil, err
	}
	return &params, nil
}

// =============================================================================
// Page snapshots
// =============================================================================

func (s *SQLiteStore) CreatePageSnapshot(snap *models.PageSnapshot) error {
	result, err := s.db.Exec(`
		INSERT INTO page_snapshots (property_id, url, final_url, status_code, content_hash, s3_key, outcome, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.PropertyID.String(), snap.URL, snap.FinalURL, snap.StatusCode, snap.ContentHash, snap.S3Key, snap.Outcome, snap.FetchedAt)
	if err != nil {
		return err
	}
	snap.ID, _ = result.LastInsertId()
	return nil
}

func (s *SQLiteStore) GetLastPageSnapshot(propertyID string) (*models.PageSnapshot, error) {
	row := s.db.QueryRow(`
		SELECT id, property_id, url, final_url, status_code, content_hash, s3_key, outcome, fetched_at
		FROM page_snapshots WHERE property_id = ? ORDER BY fetched_at DESC, id DESC LIMIT 1`, propertyID)

	var snap models.PageSnapshot
	var pid string
	var s3Key sql.NullString
	err := row.Scan(&snap.ID, &pid, &snap.URL, &snap.FinalURL, &snap.StatusCode, &snap.ContentHash, &s3Key, &snap.Outcome, &snap.FetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := snap.PropertyID.UnmarshalText([]byte(pid)); err != nil {
		return nil, err
	}
	if s3Key.Valid {
		snap.S3Key = &s3Key.String
	}
	return &snap, nil
}
