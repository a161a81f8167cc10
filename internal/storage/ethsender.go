package storage

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// LoadEthParameters returns the singleton eth_parameters row,
// initializing it on first use.
func (s *Store) LoadEthParameters(ctx context.Context) (*EthParametersRow, error) {
	var row EthParametersRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", 1).Error
	if isNotFound(err) {
		row = EthParametersRow{ID: 1}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return nil, err
		}
		return &row, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// SaveEthParameters persists the singleton row.
func (s *Store) SaveEthParameters(ctx context.Context, row *EthParametersRow) error {
	row.ID = 1
	return s.db.WithContext(ctx).Save(row).Error
}

// CreateEthOperation inserts a new attempt row at the sender's current
// nonce.
func (s *Store) CreateEthOperation(ctx context.Context, row *EthOperationRow) error {
	return s.db.WithContext(ctx).Create(row).Error
}

// AppendEthTxHash records a broadcast attempt (initial send or a
// gas-escalated resend) under the same nonce.
func (s *Store) AppendEthTxHash(ctx context.Context, row *EthTxHashRow) error {
	row.SentAt = time.Now()
	return s.db.WithContext(ctx).Create(row).Error
}

// UpdateEthOperationAttempt records the latest deadline block and gas
// price used for an in-flight eth_operations row.
func (s *Store) UpdateEthOperationAttempt(ctx context.Context, ethOpID uint64, deadlineBlock uint64, gasPrice string) error {
	return s.db.WithContext(ctx).Model(&EthOperationRow{}).Where("id = ?", ethOpID).
		Updates(map[string]interface{}{"last_deadline_block": deadlineBlock, "last_used_gas_price": gasPrice}).Error
}

// FinalizeEthOperation sets the final confirmed tx hash.
func (s *Store) FinalizeEthOperation(ctx context.Context, ethOpID uint64, finalHash []byte) error {
	return s.db.WithContext(ctx).Model(&EthOperationRow{}).Where("id = ?", ethOpID).
		Updates(map[string]interface{}{"final_hash": finalHash, "confirmed": true}).Error
}

// UnconfirmedEthOperations returns every attempt row not yet confirmed,
// ordered by nonce (the sender's in-flight set, never more than one
// nonce unconfirmed ahead of the chain tip in steady state).
func (s *Store) UnconfirmedEthOperations(ctx context.Context) ([]EthOperationRow, error) {
	var rows []EthOperationRow
	err := s.db.WithContext(ctx).Where("confirmed = ?", false).Order("nonce asc").Find(&rows).Error
	return rows, err
}

// TxHashesForOp returns every broadcast attempt hash for an
// eth_operations row, used to poll L1 for whichever attempt actually
// landed.
func (s *Store) TxHashesForOp(ctx context.Context, ethOpID uint64) ([]EthTxHashRow, error) {
	var rows []EthTxHashRow
	err := s.db.WithContext(ctx).Where("eth_op_id = ?", ethOpID).Order("sent_at asc").Find(&rows).Error
	return rows, err
}

// RunInTx exposes a bare transaction for callers (e.g. the sender) that
// need to coordinate eth_parameters + eth_operations writes atomically.
func (s *Store) RunInTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.WithTx(ctx, fn)
}
