package store

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/google/uuid"
)

var _ Store = new(PG)

// PG persists records in Postgres, for rigs whose history is consumed by
// external reporting tooling.
type PG struct {
	db *sql.DB
}

func NewPG(databaseURL string) (*PG, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	pg := &PG{db: db}
	if err := pg.ensureSchema(); err != nil {
		return nil, err
	}
	return pg, nil
}

func (p *PG) ensureSchema() error {
	query := `create table if not exists testrecord (
id text primary key,
image_url text not null,
requested_by text,
status text not null,
stages text not null default '{}',
enqueued_at timestamptz not null,
started_at timestamptz,
finished_at timestamptz,
error_stage text,
error_message text,
reported boolean not null default false
)`
	if _, err := p.db.Exec(query); err != nil {
		return errors.Wrap(err, "ensure schema")
	}
	return nil
}

func (p *PG) CreateRecord(imageURL, requestedBy string) (*TestRecord, error) {
	record := &TestRecord{
		ID:          uuid.New().String(),
		ImageURL:    imageURL,
		RequestedBy: requestedBy,
		Status:      StatusQueued,
		Stages:      make(map[string]StageStatus),
		EnqueuedAt:  time.Now(),
	}

	query := `insert into testrecord (id, image_url, requested_by, status, stages, enqueued_at)
values ($1, $2, $3, $4, $5, $6)`
	if _, err := p.db.Exec(query, record.ID, record.ImageURL, record.RequestedBy, record.Status, "{}", record.EnqueuedAt); err != nil {
		return nil, errors.Wrap(err, "failed to insert")
	}
	return record, nil
}

func (p *PG) GetRecord(id string) (*TestRecord, error) {
	query := `select id, image_url, requested_by, status, stages, enqueued_at, started_at, finished_at, error_stage, error_message, reported
from testrecord where id = $1`
	record, err := scanRecord(p.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query record")
	}
	return record, nil
}

func (p *PG) ListQueued() ([]*TestRecord, error) {
	return p.listByStatus(string(StatusQueued))
}

func (p *PG) ListRunning() ([]*TestRecord, error) {
	return p.listByStatus(string(StatusRunning))
}

func (p *PG) ListRecords() ([]*TestRecord, error) {
	query := `select id, image_url, requested_by, status, stages, enqueued_at, started_at, finished_at, error_stage, error_message, reported
from testrecord order by enqueued_at asc`
	return p.queryRecords(query)
}

func (p *PG) MarkRunning(id string) error {
	query := `update testrecord set status = $1, started_at = now() where id = $2 and status = $3`
	result, err := p.db.Exec(query, StatusRunning, id, StatusQueued)
	if err != nil {
		return errors.Wrap(err, "failed to update")
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.Errorf("record %s is not queued", id)
	}
	return nil
}

func (p *PG) UpdateStage(id, stage string, status StageStatus) error {
	record, err := p.GetRecord(id)
	if err != nil {
		return err
	}
	if record.Terminal() {
		return errors.Errorf("record %s is terminal", id)
	}
	record.Stages[stage] = status

	stages, err := json.Marshal(record.Stages)
	if err != nil {
		return errors.Wrap(err, "marshal stages")
	}
	query := `update testrecord set stages = $1 where id = $2`
	if _, err := p.db.Exec(query, string(stages), id); err != nil {
		return errors.Wrap(err, "failed to update")
	}
	return nil
}

func (p *PG) CompleteRecord(id string, passed bool, errorStage, errorMessage string) error {
	status := StatusFailed
	if passed {
		status = StatusPassed
		errorStage = ""
		errorMessage = ""
	}
	query := `update testrecord set status = $1, finished_at = now(), error_stage = $2, error_message = $3
where id = $4 and status not in ($5, $6)`
	result, err := p.db.Exec(query, status, errorStage, errorMessage, id, StatusPassed, StatusFailed)
	if err != nil {
		return errors.Wrap(err, "failed to update")
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.Errorf("record %s is already terminal", id)
	}
	return nil
}

func (p *PG) MarkReported(id string) error {
	query := `update testrecord set reported = true where id = $1`
	if _, err := p.db.Exec(query, id); err != nil {
		return errors.Wrap(err, "failed to update")
	}
	return nil
}

func (p *PG) listByStatus(status string) ([]*TestRecord, error) {
	query := `select id, image_url, requested_by, status, stages, enqueued_at, started_at, finished_at, error_stage, error_message, reported
from testrecord where status = $1 order by enqueued_at asc`
	return p.queryRecords(query, status)
}

func (p *PG) queryRecords(query string, args ...interface{}) ([]*TestRecord, error) {
	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query records")
	}
	defer rows.Close()

	var out []*TestRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan record")
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*TestRecord, error) {
	record := TestRecord{}
	var requestedBy, stages, errorStage, errorMessage sql.NullString
	var startedAt, finishedAt sql.NullTime

	if err := row.Scan(
		&record.ID,
		&record.ImageURL,
		&requestedBy,
		&record.Status,
		&stages,
		&record.EnqueuedAt,
		&startedAt,
		&finishedAt,
		&errorStage,
		&errorMessage,
		&record.Reported,
	); err != nil {
		return nil, err
	}

	record.RequestedBy = requestedBy.String
	record.ErrorStage = errorStage.String
	record.ErrorMessage = errorMessage.String
	if startedAt.Valid {
		record.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		record.FinishedAt = &finishedAt.Time
	}

	record.Stages = make(map[string]StageStatus)
	if stages.Valid && stages.String != "" {
		if err := json.Unmarshal([]byte(stages.String), &record.Stages); err != nil {
			return nil, errors.Wrap(err, "unmarshal stages")
		}
	}
	return &record, nil
}
