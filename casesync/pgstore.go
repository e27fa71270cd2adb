// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sqlStateUniqueViolation = "23505"

// PgCaseStore is the Postgres CaseStore. Each case row carries a JSON
// snapshot for cheap bulk reads; index edges are also broken out into
// casesync.case_indices so incoming edges can be queried directly.
type PgCaseStore struct {
	pool *pgxpool.Pool
}

func NewPgCaseStore(pool *pgxpool.Pool) *PgCaseStore {
	return &PgCaseStore{pool: pool}
}

func (s *PgCaseStore) GetCase(ctx context.Context, caseID string) (*Case, error) {
	var snapshot []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM casesync.cases WHERE case_id = @case_id`,
		pgx.NamedArgs{"case_id": caseID},
	).Scan(&snapshot)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCaseNotFound
		}
		return nil, fmt.Errorf("query case %s: %w", caseID, err)
	}
	return decodeCaseSnapshot(caseID, snapshot)
}

func (s *PgCaseStore) GetCases(ctx context.Context, caseIDs []string) (map[string]*Case, error) {
	out := make(map[string]*Case, len(caseIDs))
	if len(caseIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT case_id, snapshot FROM casesync.cases WHERE case_id = ANY(@case_ids)`,
		pgx.NamedArgs{"case_ids": caseIDs},
	)
	if err != nil {
		return nil, fmt.Errorf("query cases: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var caseID string
		var snapshot []byte
		if err := rows.Scan(&caseID, &snapshot); err != nil {
			return nil, fmt.Errorf("scan case row: %w", err)
		}
		c, err := decodeCaseSnapshot(caseID, snapshot)
		if err != nil {
			return nil, err
		}
		out[caseID] = c
	}
	return out, rows.Err()
}

func (s *PgCaseStore) SaveCase(ctx context.Context, c *Case) error {
	snapshot, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode case %s: %w", c.CaseID, err)
	}
	return pgx.BeginTxFunc(ctx, s.pool,
		pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite},
		func(tx pgx.Tx) error {
			if c.ServerRev == 1 {
				_, err := tx.Exec(ctx, `
					INSERT INTO casesync.cases
						(case_id, case_type, case_name, owner_id, closed,
						 server_rev, server_modified_on, last_modified_by, snapshot)
					VALUES
						(@case_id, @case_type, @case_name, @owner_id, @closed,
						 @server_rev, @server_modified_on, @last_modified_by, @snapshot)`,
					saveCaseArgs(c, snapshot),
				)
				if err != nil {
					var pgErr *pgconn.PgError
					if errors.As(err, &pgErr) && pgErr.Code == sqlStateUniqueViolation {
						return &StoreConflictError{CaseID: c.CaseID, Err: err}
					}
					return fmt.Errorf("insert case %s: %w", c.CaseID, err)
				}
			} else {
				tag, err := tx.Exec(ctx, `
					UPDATE casesync.cases SET
						case_type = @case_type,
						case_name = @case_name,
						owner_id = @owner_id,
						closed = @closed,
						server_rev = @server_rev,
						server_modified_on = @server_modified_on,
						last_modified_by = @last_modified_by,
						snapshot = @snapshot
					WHERE case_id = @case_id AND server_rev = @expected_rev`,
					saveCaseArgs(c, snapshot, pgx.NamedArgs{"expected_rev": c.ServerRev - 1}),
				)
				if err != nil {
					return fmt.Errorf("update case %s: %w", c.CaseID, err)
				}
				if tag.RowsAffected() == 0 {
					return &StoreConflictError{CaseID: c.CaseID,
						Err: fmt.Errorf("expected rev %d not found", c.ServerRev-1)}
				}
			}

			if _, err := tx.Exec(ctx,
				`DELETE FROM casesync.case_indices WHERE case_id = @case_id`,
				pgx.NamedArgs{"case_id": c.CaseID},
			); err != nil {
				return fmt.Errorf("clear indices of %s: %w", c.CaseID, err)
			}
			for _, idx := range c.Indices {
				if _, err := tx.Exec(ctx, `
					INSERT INTO casesync.case_indices
						(case_id, identifier, referenced_type, referenced_id, relationship)
					VALUES (@case_id, @identifier, @referenced_type, @referenced_id, @relationship)`,
					pgx.NamedArgs{
						"case_id":         c.CaseID,
						"identifier":      idx.Identifier,
						"referenced_type": idx.ReferencedType,
						"referenced_id":   idx.ReferencedID,
						"relationship":    idx.Relationship,
					},
				); err != nil {
					return fmt.Errorf("insert index %s/%s: %w", c.CaseID, idx.Identifier, err)
				}
			}
			return nil
		},
	)
}

func saveCaseArgs(c *Case, snapshot []byte, extra ...pgx.NamedArgs) pgx.NamedArgs {
	args := pgx.NamedArgs{
		"case_id":            c.CaseID,
		"case_type":          c.CaseType,
		"case_name":          c.Name,
		"owner_id":           c.OwnerID,
		"closed":             c.Closed,
		"server_rev":         c.ServerRev,
		"server_modified_on": c.ServerModifiedOn,
		"last_modified_by":   c.LastModifiedBy,
		"snapshot":           snapshot,
	}
	for _, e := range extra {
		for k, v := range e {
			args[k] = v
		}
	}
	return args
}

func decodeCaseSnapshot(caseID string, snapshot []byte) (*Case, error) {
	var c Case
	if err := json.Unmarshal(snapshot, &c); err != nil {
		return nil, fmt.Errorf("decode case %s: %w", caseID, err)
	}
	return &c, nil
}

func (s *PgCaseStore) GetOpenCaseIDsByOwner(ctx context.Context, ownerID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT case_id FROM casesync.cases
		 WHERE owner_id = @owner_id AND NOT closed
		 ORDER BY case_id`,
		pgx.NamedArgs{"owner_id": ownerID},
	)
	if err != nil {
		return nil, fmt.Errorf("query open cases for owner %s: %w", ownerID, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan case id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PgCaseStore) GetIncomingIndices(ctx context.Context, caseID string) ([]IncomingIndex, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT case_id, identifier, referenced_type, referenced_id, relationship
		 FROM casesync.case_indices
		 WHERE referenced_id = @referenced_id
		 ORDER BY case_id, identifier`,
		pgx.NamedArgs{"referenced_id": caseID},
	)
	if err != nil {
		return nil, fmt.Errorf("query incoming indices of %s: %w", caseID, err)
	}
	defer rows.Close()
	var out []IncomingIndex
	for rows.Next() {
		var in IncomingIndex
		if err := rows.Scan(&in.FromCaseID, &in.Index.Identifier,
			&in.Index.ReferencedType, &in.Index.ReferencedID, &in.Index.Relationship); err != nil {
			return nil, fmt.Errorf("scan index row: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// PgSyncLogStore is the Postgres SyncLogStore. The full log is stored as
// JSON; user/device/date columns exist for lookups and cleanup.
type PgSyncLogStore struct {
	pool *pgxpool.Pool
}

func NewPgSyncLogStore(pool *pgxpool.Pool) *PgSyncLogStore {
	return &PgSyncLogStore{pool: pool}
}

func (s *PgSyncLogStore) Get(ctx context.Context, syncID string) (*SyncLog, error) {
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT body FROM casesync.sync_logs WHERE sync_id = @sync_id`,
		pgx.NamedArgs{"sync_id": syncID},
	).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &SyncLogNotFoundError{SyncID: syncID}
		}
		return nil, fmt.Errorf("query sync log %s: %w", syncID, err)
	}
	var log SyncLog
	if err := json.Unmarshal(body, &log); err != nil {
		return nil, fmt.Errorf("decode sync log %s: %w", syncID, err)
	}
	log.normalize()
	return &log, nil
}

func (s *PgSyncLogStore) Save(ctx context.Context, log *SyncLog) error {
	body, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("encode sync log %s: %w", log.SyncID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO casesync.sync_logs
			(sync_id, user_id, device_id, previous_log_id, log_date, body)
		VALUES (@sync_id, @user_id, @device_id, @previous_log_id, @log_date, @body)
		ON CONFLICT (sync_id) DO UPDATE SET
			previous_log_id = EXCLUDED.previous_log_id,
			log_date = EXCLUDED.log_date,
			body = EXCLUDED.body`,
		pgx.NamedArgs{
			"sync_id":         log.SyncID,
			"user_id":         log.UserID,
			"device_id":       log.DeviceID,
			"previous_log_id": log.PreviousLogID,
			"log_date":        log.Date,
			"body":            body,
		},
	)
	if err != nil {
		return fmt.Errorf("save sync log %s: %w", log.SyncID, err)
	}
	return nil
}

func (s *PgSyncLogStore) Delete(ctx context.Context, syncID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM casesync.sync_logs WHERE sync_id = @sync_id`,
		pgx.NamedArgs{"sync_id": syncID},
	)
	if err != nil {
		return fmt.Errorf("delete sync log %s: %w", syncID, err)
	}
	return nil
}

func (s *PgSyncLogStore) MarkConfirmed(ctx context.Context, syncID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE casesync.sync_logs SET confirmed = TRUE WHERE sync_id = @sync_id`,
		pgx.NamedArgs{"sync_id": syncID},
	)
	if err != nil {
		return fmt.Errorf("confirm sync log %s: %w", syncID, err)
	}
	return nil
}

func (s *PgSyncLogStore) PurgeSuperseded(ctx context.Context, userID string, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM casesync.sync_logs old
		WHERE old.user_id = @user_id
		  AND old.confirmed
		  AND EXISTS (
			SELECT 1 FROM casesync.sync_logs successor
			WHERE successor.previous_log_id = old.sync_id
			  AND successor.user_id = old.user_id
			  AND successor.log_date < @before
		  )`,
		pgx.NamedArgs{"user_id": userID, "before": before},
	)
	if err != nil {
		return 0, fmt.Errorf("purge superseded sync logs for %s: %w", userID, err)
	}
	return int(tag.RowsAffected()), nil
}

// PgCleanlinessStore is the Postgres CleanlinessStore.
type PgCleanlinessStore struct {
	pool *pgxpool.Pool
}

func NewPgCleanlinessStore(pool *pgxpool.Pool) *PgCleanlinessStore {
	return &PgCleanlinessStore{pool: pool}
}

func (s *PgCleanlinessStore) GetFlag(ctx context.Context, ownerID string) (*CleanlinessFlag, error) {
	var flag CleanlinessFlag
	err := s.pool.QueryRow(ctx,
		`SELECT owner_id, is_clean, hint, last_checked
		 FROM casesync.cleanliness_flags WHERE owner_id = @owner_id`,
		pgx.NamedArgs{"owner_id": ownerID},
	).Scan(&flag.OwnerID, &flag.IsClean, &flag.Hint, &flag.LastChecked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query cleanliness flag %s: %w", ownerID, err)
	}
	return &flag, nil
}

func (s *PgCleanlinessStore) SaveFlag(ctx context.Context, flag *CleanlinessFlag) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO casesync.cleanliness_flags (owner_id, is_clean, hint, last_checked)
		VALUES (@owner_id, @is_clean, @hint, @last_checked)
		ON CONFLICT (owner_id) DO UPDATE SET
			is_clean = EXCLUDED.is_clean,
			hint = EXCLUDED.hint,
			last_checked = EXCLUDED.last_checked`,
		pgx.NamedArgs{
			"owner_id":     flag.OwnerID,
			"is_clean":     flag.IsClean,
			"hint":         flag.Hint,
			"last_checked": flag.LastChecked,
		},
	)
	if err != nil {
		return fmt.Errorf("save cleanliness flag %s: %w", flag.OwnerID, err)
	}
	return nil
}

// PgJobStore is the Postgres JobStore.
type PgJobStore struct {
	pool *pgxpool.Pool
}

func NewPgJobStore(pool *pgxpool.Pool) *PgJobStore {
	return &PgJobStore{pool: pool}
}

func (s *PgJobStore) CreateJob(ctx context.Context, job *RestoreJob) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO casesync.restore_jobs
			(job_id, user_id, device_id, cache_key, status, sync_id, error, created_at)
		VALUES (@job_id, @user_id, @device_id, @cache_key, @status, @sync_id, @error, @created_at)`,
		pgx.NamedArgs{
			"job_id":     job.JobID,
			"user_id":    job.UserID,
			"device_id":  job.DeviceID,
			"cache_key":  job.CacheKey,
			"status":     job.Status,
			"sync_id":    job.SyncID,
			"error":      job.Error,
			"created_at": job.CreatedAt,
		},
	)
	if err != nil {
		return fmt.Errorf("create restore job %s: %w", job.JobID, err)
	}
	return nil
}

func (s *PgJobStore) GetJob(ctx context.Context, jobID string) (*RestoreJob, error) {
	return s.scanJob(s.pool.QueryRow(ctx,
		`SELECT job_id, user_id, device_id, cache_key, status, sync_id, error, created_at, completed_at
		 FROM casesync.restore_jobs WHERE job_id = @job_id`,
		pgx.NamedArgs{"job_id": jobID},
	))
}

func (s *PgJobStore) UpdateJob(ctx context.Context, job *RestoreJob) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE casesync.restore_jobs SET
			status = @status,
			sync_id = @sync_id,
			error = @error,
			completed_at = @completed_at
		WHERE job_id = @job_id`,
		pgx.NamedArgs{
			"job_id":       job.JobID,
			"status":       job.Status,
			"sync_id":      job.SyncID,
			"error":        job.Error,
			"completed_at": nullableTime(job.CompletedAt),
		},
	)
	if err != nil {
		return fmt.Errorf("update restore job %s: %w", job.JobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("restore job %s not found", job.JobID)
	}
	return nil
}

func (s *PgJobStore) FindActiveJob(ctx context.Context, userID, deviceID string) (*RestoreJob, error) {
	job, err := s.scanJob(s.pool.QueryRow(ctx,
		`SELECT job_id, user_id, device_id, cache_key, status, sync_id, error, created_at, completed_at
		 FROM casesync.restore_jobs
		 WHERE user_id = @user_id AND device_id = @device_id AND status = 'pending'
		 ORDER BY created_at DESC
		 LIMIT 1`,
		pgx.NamedArgs{"user_id": userID, "device_id": deviceID},
	))
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *PgJobStore) scanJob(row pgx.Row) (*RestoreJob, error) {
	var job RestoreJob
	var completedAt *time.Time
	err := row.Scan(&job.JobID, &job.UserID, &job.DeviceID, &job.CacheKey,
		&job.Status, &job.SyncID, &job.Error, &job.CreatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan restore job: %w", err)
	}
	if completedAt != nil {
		job.CompletedAt = *completedAt
	}
	return &job, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
