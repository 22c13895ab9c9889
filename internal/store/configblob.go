package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"
)

// HashConfigurationBlob derives the content-addressed key for a
// configuration blob from its canonicalized inputs.
func HashConfigurationBlob(pathsJSON, configJSON, pickerStateJSON string) string {
	h := sha256.New()
	h.Write([]byte(pathsJSON))
	h.Write([]byte{0})
	h.Write([]byte(configJSON))
	h.Write([]byte{0})
	h.Write([]byte(pickerStateJSON))
	return hex.EncodeToString(h.Sum(nil))
}

// PutConfigurationBlob inserts a blob if its content-addressed key does not
// already exist; blobs are immutable once written.
func (s *Store) PutConfigurationBlob(ctx context.Context, b ConfigurationBlob) (string, error) {
	key := b.Key
	if key == "" {
		key = HashConfigurationBlob(b.PathsJSON, b.ConfigJSON, b.PickerStateJSON)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO config_blobs(key, paths_json, config_json, picker_state_json)
		VALUES(?,?,?,?) ON CONFLICT(key) DO NOTHING`,
		key, b.PathsJSON, b.ConfigJSON, nullableString(b.PickerStateJSON))
	if err != nil {
		return "", err
	}
	return key, nil
}

// GetConfigurationBlob fetches a blob by its content key.
func (s *Store) GetConfigurationBlob(ctx context.Context, key string) (ConfigurationBlob, error) {
	var b ConfigurationBlob
	var picker sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT key, paths_json, config_json, picker_state_json, created_at
		FROM config_blobs WHERE key=?`, key).Scan(&b.Key, &b.PathsJSON, &b.ConfigJSON, &picker, &b.CreatedAt)
	if err != nil {
		return ConfigurationBlob{}, err
	}
	if picker.Valid {
		b.PickerStateJSON = picker.String
	}
	b.CreatedAt = normalizeTimestamp(b.CreatedAt)
	return b, nil
}

// GCConfigurationBlobs deletes blobs older than retention that are no
// longer referenced by any job, run by a daily scheduled task.
func (s *Store) GCConfigurationBlobs(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention).Format("2006-01-02T15:04:05.000Z")
	res, err := s.db.ExecContext(ctx, `DELETE FROM config_blobs
		WHERE created_at < ?
		AND key NOT IN (SELECT config_key FROM jobs WHERE config_key IS NOT NULL)`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CreateJobCreationBatch records bookkeeping for a multi-file submission.
func (s *Store) CreateJobCreationBatch(ctx context.Context, totalFiles int, configKey *string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO job_creation_batches(total_files, created_count, status, config_key)
		VALUES(?, 0, 'pending', ?)`, totalFiles, configKey)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// IncrementJobCreationBatch advances a batch's created_count, marking it
// completed once every file has produced a job.
func (s *Store) IncrementJobCreationBatch(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE job_creation_batches
		SET created_count = created_count + 1,
		    status = CASE WHEN created_count + 1 >= total_files THEN 'completed' ELSE status END,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id=?`, id)
	return err
}

// FailJobCreationBatch records a terminal error for a batch.
func (s *Store) FailJobCreationBatch(ctx context.Context, id int64, message string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE job_creation_batches
		SET status='failed', error_message=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, message, id)
	return err
}

// GetJobCreationBatch fetches a batch by id.
func (s *Store) GetJobCreationBatch(ctx context.Context, id int64) (JobCreationBatch, error) {
	var b JobCreationBatch
	var errMsg, configKey sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, total_files, created_count, status, error_message, config_key, created_at, updated_at
		FROM job_creation_batches WHERE id=?`, id).Scan(
		&b.ID, &b.TotalFiles, &b.CreatedCount, &b.Status, &errMsg, &configKey, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return JobCreationBatch{}, err
	}
	if errMsg.Valid {
		b.ErrorMessage = &errMsg.String
	}
	if configKey.Valid {
		b.ConfigKey = &configKey.String
	}
	b.CreatedAt = normalizeTimestamp(b.CreatedAt)
	b.UpdatedAt = normalizeTimestamp(b.UpdatedAt)
	return b, nil
}
