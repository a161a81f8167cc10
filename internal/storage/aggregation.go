package storage

import (
	"context"

	"gorm.io/gorm"
)

// InsertAggregatedOperation writes a new aggregated operation and
// enqueues it on the unprocessed FIFO in one transaction, so the
// Ethereum Sender can never observe the op without also seeing its
// queue entry.
func (s *Store) InsertAggregatedOperation(ctx context.Context, row *AggregateOperationRow) error {
	return s.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		return tx.Create(&EthUnprocessedAggregatedOpRow{OpID: row.ID}).Error
	})
}

// NextUnprocessedAggregatedOp returns the oldest aggregated op still
// awaiting an L1 transaction, preserving the sender's strict FIFO
// (spec §4.5, §5's "Aggregated-op FIFO" ordering guarantee).
func (s *Store) NextUnprocessedAggregatedOp(ctx context.Context) (*AggregateOperationRow, error) {
	var link EthUnprocessedAggregatedOpRow
	err := s.db.WithContext(ctx).Order("op_id asc").First(&link).Error
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var row AggregateOperationRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", link.OpID).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// BindEthOperation records that aggregated op opID is now driven by
// ethOpID and removes it from the unprocessed FIFO.
func (s *Store) BindEthOperation(ctx context.Context, opID, ethOpID uint64) error {
	return s.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&EthAggregatedOpsBindingRow{OpID: opID, EthOpID: ethOpID}).Error; err != nil {
			return err
		}
		return tx.Where("op_id = ?", opID).Delete(&EthUnprocessedAggregatedOpRow{}).Error
	})
}

// MarkAggregatedOpConfirmed flips confirmed on both the aggregated op
// and its bound eth_operations row.
func (s *Store) MarkAggregatedOpConfirmed(ctx context.Context, opID uint64) error {
	return s.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Model(&AggregateOperationRow{}).Where("id = ?", opID).Update("confirmed", true).Error; err != nil {
			return err
		}
		var link EthAggregatedOpsBindingRow
		if err := tx.First(&link, "op_id = ?", opID).Error; err != nil {
			return err
		}
		return tx.Model(&EthOperationRow{}).Where("id = ?", link.EthOpID).Update("confirmed", true).Error
	})
}

// AggregatedOpByEthOpID finds the aggregated operation bound to an
// eth_operations row, letting the sender re-derive an attempt's
// calldata (e.g. to rebroadcast byte-identical calldata at a higher gas
// price) or resolve which aggregated op to mark confirmed once an
// attempt's receipt lands.
func (s *Store) AggregatedOpByEthOpID(ctx context.Context, ethOpID uint64) (*AggregateOperationRow, error) {
	var link EthAggregatedOpsBindingRow
	if err := s.db.WithContext(ctx).First(&link, "eth_op_id = ?", ethOpID).Error; err != nil {
		return nil, err
	}
	var row AggregateOperationRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", link.OpID).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// LastBlockByKind returns the highest to_block among confirmed
// aggregated ops of the given kind (e.g. to compute last_committed /
// last_verified / last_executed for eth_parameters recovery).
func (s *Store) LastBlockByKind(ctx context.Context, kind string) (uint64, error) {
	var max uint64
	err := s.db.WithContext(ctx).Model(&AggregateOperationRow{}).
		Where("action_type = ? AND confirmed = ?", kind, true).
		Select("COALESCE(MAX(to_block), 0)").Scan(&max).Error
	return max, err
}

// HighestEmittedBlockByKind returns the highest to_block among aggregated
// ops of the given kind regardless of confirmation, so the aggregator
// never re-emits a range it has already queued for the sender even
// before that op lands on L1.
func (s *Store) HighestEmittedBlockByKind(ctx context.Context, kind string) (uint64, error) {
	var max uint64
	err := s.db.WithContext(ctx).Model(&AggregateOperationRow{}).
		Where("action_type = ?", kind).
		Select("COALESCE(MAX(to_block), 0)").Scan(&max).Error
	return max, err
}
