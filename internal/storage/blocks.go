package storage

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// SavePendingBlock upserts the singleton pending-block row.
func (s *Store) SavePendingBlock(ctx context.Context, row *PendingBlockRow) error {
	row.ID = 1
	return s.db.WithContext(ctx).Save(row).Error
}

// LoadPendingBlock returns the singleton pending-block row, or nil if
// there is none (fresh start / just sealed).
func (s *Store) LoadPendingBlock(ctx context.Context) (*PendingBlockRow, error) {
	var row PendingBlockRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ClearPendingBlock deletes the singleton row once a block is sealed.
func (s *Store) ClearPendingBlock(ctx context.Context) error {
	return s.db.WithContext(ctx).Where("id = ?", 1).Delete(&PendingBlockRow{}).Error
}

// SealIncompleteBlock is the durable step between "pending" and
// "incomplete": snapshot ops to incomplete_blocks, then clear pending.
// Must run in one transaction so a crash can never leave neither row
// present.
func (s *Store) SealIncompleteBlock(ctx context.Context, row *IncompleteBlockRow) error {
	return s.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", 1).Delete(&PendingBlockRow{}).Error
	})
}

// PromoteToSealed finalizes a block once its root hash/commitment have
// been computed off the blocking pool: write the blocks row, drop the
// incomplete_blocks row, in one transaction.
func (s *Store) PromoteToSealed(ctx context.Context, row *BlockRow) error {
	return s.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		return tx.Where("number = ?", row.Number).Delete(&IncompleteBlockRow{}).Error
	})
}

// PromoteToSealedWithEvent is PromoteToSealed plus an events-table
// append in the same transaction, so a Block event is never visible
// before the block row it describes.
func (s *Store) PromoteToSealedWithEvent(ctx context.Context, row *BlockRow, event *EventRow) error {
	return s.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		if err := tx.Where("number = ?", row.Number).Delete(&IncompleteBlockRow{}).Error; err != nil {
			return err
		}
		return AppendEvent(tx, event)
	})
}

// LoadIncompleteBlock returns the pending root-computation job left
// over from a crash between seal and promote, if any.
func (s *Store) LoadIncompleteBlock(ctx context.Context) (*IncompleteBlockRow, error) {
	var row IncompleteBlockRow
	err := s.db.WithContext(ctx).Order("number desc").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// LastSealedBlockNumber returns the highest committed blocks.number, or
// 0 at genesis.
func (s *Store) LastSealedBlockNumber(ctx context.Context) (uint64, error) {
	var max uint64
	err := s.db.WithContext(ctx).Model(&BlockRow{}).Select("COALESCE(MAX(number), 0)").Scan(&max).Error
	return max, err
}

// SealedBlocksInRange returns contiguous sealed blocks for aggregation.
func (s *Store) SealedBlocksInRange(ctx context.Context, from, to uint64) ([]BlockRow, error) {
	var rows []BlockRow
	err := s.db.WithContext(ctx).Where("number BETWEEN ? AND ?", from, to).Order("number asc").Find(&rows).Error
	return rows, err
}

// DeleteSealedBlocksFrom implements the rollback path (spec §9
// "Reverted blocks"): delete every sealed-but-not-committed block at or
// above `from`.
func (s *Store) DeleteSealedBlocksFrom(ctx context.Context, from uint64) error {
	return s.db.WithContext(ctx).Where("number >= ?", from).Delete(&BlockRow{}).Error
}
