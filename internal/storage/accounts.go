package storage

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// UpsertAccount writes the current view of an account row (nonce +
// pubkey hash); balances are written separately via UpsertBalance since
// they are diffed per-token.
func (s *Store) UpsertAccount(ctx context.Context, row *AccountRow) error {
	return s.db.WithContext(ctx).Save(row).Error
}

// GetAccount loads an account by id.
func (s *Store) GetAccount(ctx context.Context, id uint32) (*AccountRow, error) {
	var row AccountRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// GetAccountByAddress loads the first account owned by addr, or nil.
func (s *Store) GetAccountByAddress(ctx context.Context, addr []byte) (*AccountRow, error) {
	var row AccountRow
	err := s.db.WithContext(ctx).Where("address = ?", addr).Order("id asc").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// UpsertBalance writes a (account, token) balance row.
func (s *Store) UpsertBalance(ctx context.Context, row *BalanceRow) error {
	return s.db.WithContext(ctx).Save(row).Error
}

// GetBalance reads a single balance, defaulting to "0" if unset.
func (s *Store) GetBalance(ctx context.Context, accountID, tokenID uint32) (string, error) {
	var row BalanceRow
	err := s.db.WithContext(ctx).First(&row, "account_id = ? AND token_id = ?", accountID, tokenID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "0", nil
	}
	if err != nil {
		return "", err
	}
	return row.Balance, nil
}

// UpsertToken writes a token row; token_id must be strictly increasing
// relative to existing rows, enforced by the caller (the state keeper),
// not by this repository.
func (s *Store) UpsertToken(ctx context.Context, row *TokenRow) error {
	return s.db.WithContext(ctx).Save(row).Error
}

// MaxTokenID returns the highest registered token_id, or 0 if none.
func (s *Store) MaxTokenID(ctx context.Context) (uint32, error) {
	var max uint32
	err := s.db.WithContext(ctx).Model(&TokenRow{}).Select("COALESCE(MAX(id), 0)").Scan(&max).Error
	return max, err
}

// AllAccounts returns every account row, used to rebuild the in-memory
// account tree overlay on startup (the tree itself is never persisted;
// accounts/balances are its durable source of truth).
func (s *Store) AllAccounts(ctx context.Context) ([]AccountRow, error) {
	var rows []AccountRow
	err := s.db.WithContext(ctx).Order("id asc").Find(&rows).Error
	return rows, err
}

// AllBalances returns every balance row, used alongside AllAccounts to
// rebuild the tree overlay.
func (s *Store) AllBalances(ctx context.Context) ([]BalanceRow, error) {
	var rows []BalanceRow
	err := s.db.WithContext(ctx).Find(&rows).Error
	return rows, err
}

// AccountSnapshot is the durable view of one account touched while
// applying an op: its row plus every balance it holds. The account
// tree overlay itself is never persisted, so RecordExecutedTransaction/
// RecordExecutedPriorityOp write these in the same transaction as the
// executed-op row — accounts/balances are the tree's durable source of
// truth, replayed at startup by AllAccounts/AllBalances.
type AccountSnapshot struct {
	Account  AccountRow
	Balances []BalanceRow
}

func applyAccountSnapshot(tx *gorm.DB, snap AccountSnapshot) error {
	if err := tx.Save(&snap.Account).Error; err != nil {
		return err
	}
	for i := range snap.Balances {
		if err := tx.Save(&snap.Balances[i]).Error; err != nil {
			return err
		}
	}
	return nil
}
