package store

import (
	"context"
	"math"
)

// GetPaginated returns one page of the default job listing: pending jobs
// first (queue order), then finished jobs (most recently updated first).
// When a page runs out of pending rows it is filled from the head of the
// finished section; the returned cursor names whichever section the next
// page should resume from.
func (s *Store) GetPaginated(ctx context.Context, limit int, cursor *Cursor, includeCleared bool) (Page, error) {
	if limit <= 0 {
		limit = 20
	}

	section := SectionPending
	if cursor != nil {
		section = cursor.Section
	}

	jobs := make([]Job, 0, limit)

	if section == SectionPending {
		pending, more, err := s.pendingPage(ctx, limit+1, cursor, includeCleared)
		if err != nil {
			return Page{}, err
		}
		if len(pending) > limit {
			pending = pending[:limit]
			more = true
		}
		jobs = append(jobs, pending...)
		if more {
			last := jobs[len(jobs)-1]
			next := Cursor{Section: SectionPending, QueuePosition: last.QueuePosition, CreatedAt: last.CreatedAt, ID: last.ID}
			nc, err := EncodeCursor(next)
			if err != nil {
				return Page{}, err
			}
			return Page{Jobs: jobs, NextCursor: nc, HasMore: true}, nil
		}
		// Pending section exhausted: fill the remainder from the head of finished.
		remaining := limit - len(jobs)
		if remaining <= 0 {
			return Page{Jobs: jobs, HasMore: false}, nil
		}
		finished, more2, err := s.finishedPage(ctx, remaining+1, nil, includeCleared)
		if err != nil {
			return Page{}, err
		}
		if len(finished) > remaining {
			finished = finished[:remaining]
			more2 = true
		}
		jobs = append(jobs, finished...)
		if more2 && len(finished) > 0 {
			last := finished[len(finished)-1]
			next := Cursor{Section: SectionFinished, UpdatedAt: last.UpdatedAt, ID: last.ID}
			nc, err := EncodeCursor(next)
			if err != nil {
				return Page{}, err
			}
			return Page{Jobs: jobs, NextCursor: nc, HasMore: true}, nil
		}
		return Page{Jobs: jobs, HasMore: false}, nil
	}

	// Resuming directly in the finished section.
	finished, more, err := s.finishedPage(ctx, limit+1, cursor, includeCleared)
	if err != nil {
		return Page{}, err
	}
	if len(finished) > limit {
		finished = finished[:limit]
		more = true
	}
	jobs = append(jobs, finished...)
	if more {
		last := jobs[len(jobs)-1]
		next := Cursor{Section: SectionFinished, UpdatedAt: last.UpdatedAt, ID: last.ID}
		nc, err := EncodeCursor(next)
		if err != nil {
			return Page{}, err
		}
		return Page{Jobs: jobs, NextCursor: nc, HasMore: true}, nil
	}
	return Page{Jobs: jobs, HasMore: false}, nil
}

func (s *Store) pendingPage(ctx context.Context, limit int, cursor *Cursor, includeCleared bool) ([]Job, bool, error) {
	clearedClause := "cleared=0"
	if includeCleared {
		clearedClause = "1=1"
	}

	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status=? AND ` + clearedClause
	args := []any{string(StatusPending)}

	if cursor != nil && cursor.ID != 0 {
		qp := int64(math.MaxInt64)
		if cursor.QueuePosition != nil {
			qp = *cursor.QueuePosition
		}
		q += ` AND (
			COALESCE(queue_position, 9223372036854775807) > ?
			OR (COALESCE(queue_position, 9223372036854775807) = ? AND created_at > ?)
			OR (COALESCE(queue_position, 9223372036854775807) = ? AND created_at = ? AND id > ?)
		)`
		args = append(args, qp, qp, cursor.CreatedAt, qp, cursor.CreatedAt, cursor.ID)
	}

	q += ` ORDER BY COALESCE(queue_position, 9223372036854775807) ASC, created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	jobs, err := scanJobs(rows)
	return jobs, false, err
}

func (s *Store) finishedPage(ctx context.Context, limit int, cursor *Cursor, includeCleared bool) ([]Job, bool, error) {
	clearedClause := "cleared=0"
	if includeCleared {
		clearedClause = "1=1"
	}

	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status IN (?, ?, ?) AND ` + clearedClause
	args := []any{string(StatusCompleted), string(StatusFailed), string(StatusCancelled)}

	if cursor != nil && cursor.ID != 0 {
		q += ` AND (
			updated_at < ?
			OR (updated_at = ? AND id < ?)
		)`
		args = append(args, cursor.UpdatedAt, cursor.UpdatedAt, cursor.ID)
	}

	q += ` ORDER BY updated_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	jobs, err := scanJobs(rows)
	return jobs, false, err
}
