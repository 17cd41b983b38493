package results

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Journal is a local spool of every record produced by a run. Rows are
// keyed on (benchmark, commit, environment, day), the same identity the
// results store deduplicates on, so replaying a journal after a crash or
// a reporting outage cannot double-count.
type Journal struct {
	db *sql.DB
}

const journalSchema = `
CREATE TABLE IF NOT EXISTS results (
	id            TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL,
	benchmark     TEXT NOT NULL,
	commitid      TEXT NOT NULL,
	branch        TEXT NOT NULL,
	environment   TEXT NOT NULL,
	executable    TEXT NOT NULL,
	value         REAL NOT NULL,
	units         TEXT NOT NULL,
	units_title   TEXT NOT NULL,
	recorded_day  TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (benchmark, commitid, environment, recorded_day)
);
`

// OpenJournal opens (creating if needed) the journal database at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("unable to open journal: %w", err)
	}
	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to initialize journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append stores one record under the given run. It returns false when an
// equivalent record was journaled earlier today.
func (j *Journal) Append(runID string, rec Record) (bool, error) {
	res, err := j.db.Exec(`
		INSERT OR IGNORE INTO results
		(id, run_id, benchmark, commitid, branch, environment, executable,
		 value, units, units_title, recorded_day)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), runID, rec.Benchmark, rec.CommitID, rec.Branch,
		rec.Environment, rec.Executable, rec.Value, rec.Units, rec.UnitsTitle,
		time.Now().UTC().Format("2006-01-02"))
	if err != nil {
		return false, fmt.Errorf("unable to journal result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ForRun returns every record journaled under runID, oldest first.
func (j *Journal) ForRun(runID string) ([]Record, error) {
	rows, err := j.db.Query(`
		SELECT benchmark, commitid, branch, environment, executable,
		       value, units, units_title
		FROM results WHERE run_id = ? ORDER BY created_at, benchmark`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Benchmark, &rec.CommitID, &rec.Branch,
			&rec.Environment, &rec.Executable, &rec.Value, &rec.Units,
			&rec.UnitsTitle); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
