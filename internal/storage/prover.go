package storage

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EnqueueProverJob inserts a new idle job.
func (s *Store) EnqueueProverJob(ctx context.Context, row *ProverJobRow) error {
	row.Status = "Idle"
	row.UpdatedAt = time.Now()
	return s.db.WithContext(ctx).Create(row).Error
}

// DequeueNextProverJob atomically leases the highest-priority idle job
// to worker, using an UPDATE ... RETURNING-shaped pattern: select the
// candidate id for update, then flip it, inside one transaction so two
// concurrent dequeuers cannot both win the same row (spec §5's
// "transactional UPDATE ... RETURNING semantics" requirement).
func (s *Store) DequeueNextProverJob(ctx context.Context, worker string) (*ProverJobRow, error) {
	var job ProverJobRow
	err := s.WithTx(ctx, func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", "Idle").
			Order("priority desc, id asc").
			Limit(1).
			First(&job).Error
		if err != nil {
			return err
		}
		now := time.Now()
		job.Status = "InProgress"
		job.AssignedWorker = &worker
		job.AssignedAt = &now
		job.UpdatedAt = now
		return tx.Save(&job).Error
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// Heartbeat refreshes a leased job's updated_at, rejecting if ownership
// has been lost (job reassigned or no longer in progress).
func (s *Store) Heartbeat(ctx context.Context, jobID uint64, worker string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&ProverJobRow{}).
		Where("id = ? AND status = ? AND assigned_worker = ?", jobID, "InProgress", worker).
		Update("updated_at", time.Now())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SubmitResult marks a job Done iff worker still owns it.
func (s *Store) SubmitResult(ctx context.Context, jobID uint64, worker string, proof *AggregatedProofRow) (bool, error) {
	ok := false
	err := s.WithTx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&ProverJobRow{}).
			Where("id = ? AND status = ? AND assigned_worker = ?", jobID, "InProgress", worker).
			Update("status", "Done")
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil // stale: ownership already lost
		}
		ok = true
		return tx.Save(proof).Error
	})
	return ok, err
}

// ReapExpiredLeases returns any InProgress job whose updated_at is
// older than ttl back to Idle, clearing its worker; returns the number
// reclaimed.
func (s *Store) ReapExpiredLeases(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl)
	res := s.db.WithContext(ctx).Model(&ProverJobRow{}).
		Where("status = ? AND updated_at < ?", "InProgress", cutoff).
		Updates(map[string]interface{}{"status": "Idle", "assigned_worker": nil, "assigned_at": nil})
	return res.RowsAffected, res.Error
}

// FailJob sets a job's status straight back to Idle with newPriority
// and bumps its attempt count; no Failed status is written, so the job
// is dequeueable again at once without a reaper pass. The retry cap is
// enforced by the caller.
func (s *Store) FailJob(ctx context.Context, jobID uint64, newPriority int32) error {
	return s.db.WithContext(ctx).Model(&ProverJobRow{}).Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":   "Idle",
			"priority": newPriority,
			"attempts": gorm.Expr("attempts + 1"),
		}).Error
}

// AggregatedProofStartingAt returns the widest available proof that
// starts exactly at from and does not run past maxTo, the shape the
// Commit Aggregator (C8) needs before it can emit a PublishProof op:
// the range must already have been proven as one job (whether a single
// block or an aggregate), not merely covered by several smaller proofs.
func (s *Store) AggregatedProofStartingAt(ctx context.Context, from, maxTo uint64) (*AggregatedProofRow, error) {
	var row AggregatedProofRow
	err := s.db.WithContext(ctx).
		Where("first_block = ? AND last_block <= ?", from, maxTo).
		Order("last_block desc").First(&row).Error
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ContiguousProvenRange returns the longest contiguous [from, x] range
// of single-block proofs available at or above from, used by the
// aggregate-job selector to pick the largest size it can build.
func (s *Store) ContiguousProvenRange(ctx context.Context, from uint64, maxSpan uint64) (uint64, error) {
	var rows []AggregatedProofRow
	err := s.db.WithContext(ctx).
		Where("first_block = last_block AND first_block >= ? AND first_block < ?", from, from+maxSpan).
		Order("first_block asc").Find(&rows).Error
	if err != nil {
		return 0, err
	}
	last := from - 1
	for _, r := range rows {
		if r.FirstBlock != last+1 {
			break
		}
		last = r.FirstBlock
	}
	return last, nil
}
