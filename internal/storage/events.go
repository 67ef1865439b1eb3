package storage

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/quantsurge/tradecore/internal/models"
)

func newID() string { return uuid.NewString() }

// AppendEvent persists one event row and assigns its Seq. The event bus
// calls this before any subscriber can observe the event
// (persist-then-emit).
func (s *Store) AppendEvent(e *models.Event) error {
	if err := s.db.Create(e).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

// EventsAfter returns up to limit events with seq > afterSeq in seq
// order — the replay/resync channel for reconnecting clients.
func (s *Store) EventsAfter(afterSeq int64, limit int) ([]models.Event, error) {
	var es []models.Event
	err := s.db.Where("seq > ?", afterSeq).Order("seq ASC").Limit(limit).Find(&es).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return es, nil
}

// LastEventSeq returns the newest persisted sequence number.
func (s *Store) LastEventSeq() (int64, error) {
	var e models.Event
	err := s.db.Order("seq DESC").First(&e).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return e.Seq, nil
}
