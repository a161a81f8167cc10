package storage

import "context"

// LoadWatcherState returns the persisted last-safe-block/next-serial-id
// pair, defaulting to zero values on first run.
func (s *Store) LoadWatcherState(ctx context.Context) (lastSafeBlock, nextSerialID uint64, err error) {
	var row EthWatcherStateRow
	dbErr := s.db.WithContext(ctx).First(&row, "id = ?", 1).Error
	if isNotFound(dbErr) {
		return 0, 0, nil
	}
	if dbErr != nil {
		return 0, 0, dbErr
	}
	return row.LastSafeBlock, row.NextSerialID, nil
}

// SaveWatcherState persists the singleton watcher-state row.
func (s *Store) SaveWatcherState(ctx context.Context, lastSafeBlock, nextSerialID uint64) error {
	row := EthWatcherStateRow{ID: 1, LastSafeBlock: lastSafeBlock, NextSerialID: nextSerialID}
	return s.db.WithContext(ctx).Save(&row).Error
}
