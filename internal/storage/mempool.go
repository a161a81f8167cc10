package storage

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// InsertMempoolTx admits a tx row; the caller has already performed all
// admission checks. Returns ErrDuplicateTx if the hash already exists
// either in the mempool or in executed history, so mempool at-most-once
// (spec §8 property 6) is enforced at the storage layer, not just by
// the in-memory mempool's own dedup set — the two must never diverge.
var ErrDuplicateTx = errors.New("storage: duplicate tx hash")

func (s *Store) InsertMempoolTx(ctx context.Context, row *MempoolTxRow) error {
	return s.WithTx(ctx, func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&MempoolTxRow{}).Where("tx_hash = ?", row.TxHash).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrDuplicateTx
		}
		var executed int64
		if err := tx.Model(&ExecutedTransactionRow{}).Where("tx_hash = ?", row.TxHash).Count(&executed).Error; err != nil {
			return err
		}
		if executed > 0 {
			return ErrDuplicateTx
		}
		return tx.Create(row).Error
	})
}

// RemoveMempoolTx deletes a tx from the mempool once the state keeper
// has committed (successfully or not) its fate into a block.
func (s *Store) RemoveMempoolTx(ctx context.Context, txHash []byte) error {
	return s.db.WithContext(ctx).Where("tx_hash = ?", txHash).Delete(&MempoolTxRow{}).Error
}

// MarkMempoolTxsReverted flags previously-sealed txs as reverted so
// they re-enter iteration in original order (spec §4.2 "Reverted-block
// handling").
func (s *Store) MarkMempoolTxsReverted(ctx context.Context, hashes [][]byte) error {
	if len(hashes) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&MempoolTxRow{}).Where("tx_hash IN ?", hashes).Update("reverted", true).Error
}

// ListMempoolTxs returns mempool rows ordered by arrival, batches kept
// consecutive because batch members are always inserted consecutively
// and CreatedAt is monotonic per inserter (the mempool is single-owner,
// spec §5's shared-resource policy).
func (s *Store) ListMempoolTxs(ctx context.Context, limit int) ([]MempoolTxRow, error) {
	var rows []MempoolTxRow
	q := s.db.WithContext(ctx).Order("created_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rows).Error
	return rows, err
}

// InsertPriorityOp relays a confirmed priority op from the L1 watcher
// into the mempool's buffer.
func (s *Store) InsertPriorityOp(ctx context.Context, row *MempoolPriorityOperationRow) error {
	return s.db.WithContext(ctx).Create(row).Error
}

// NextPriorityOps returns up to limit buffered priority ops in
// ascending serial_id order.
func (s *Store) NextPriorityOps(ctx context.Context, afterSerial uint64, limit int) ([]MempoolPriorityOperationRow, error) {
	var rows []MempoolPriorityOperationRow
	err := s.db.WithContext(ctx).
		Where("serial_id > ?", afterSerial).
		Order("serial_id asc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// DeletePriorityOpsThrough removes relayed priority ops once a block
// referencing them has been sealed.
func (s *Store) DeletePriorityOpsThrough(ctx context.Context, serialID uint64) error {
	return s.db.WithContext(ctx).Where("serial_id <= ?", serialID).Delete(&MempoolPriorityOperationRow{}).Error
}
