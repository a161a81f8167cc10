package storage

import (
	"context"

	"gorm.io/gorm"
)

const eventChannel = "zkseq_events"

// AppendEvent inserts an event row inside tx (so it commits atomically
// with whatever produced it — spec §5: "committed with the same
// transaction that produces its data") and, on Postgres, issues a NOTIFY
// on eventChannel carrying the new row's id; other dialects (the sqlite
// test stores) get the row only. Event ids are the table's
// serial primary key, so they are strictly monotonic and gap-free by
// construction (spec §8 property 10).
func AppendEvent(tx *gorm.DB, row *EventRow) error {
	if err := tx.Create(row).Error; err != nil {
		return err
	}
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	return tx.Exec("SELECT pg_notify(?, ?)", eventChannel, itoa(row.ID)).Error
}

// AppendEvent is also exposed on Store for producers outside an
// existing transaction (rare — most callers already hold one from the
// operation that produced the event).
func (s *Store) AppendEvent(ctx context.Context, row *EventRow) error {
	return s.WithTx(ctx, func(tx *gorm.DB) error {
		return AppendEvent(tx, row)
	})
}

// EventsAfter returns events with id > after, for a subscriber
// resuming from its last-seen id (at-least-once delivery, spec §4.6).
func (s *Store) EventsAfter(ctx context.Context, after uint64, limit int) ([]EventRow, error) {
	var rows []EventRow
	err := s.db.WithContext(ctx).Where("id > ?", after).Order("id asc").Limit(limit).Find(&rows).Error
	return rows, err
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
