package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/quantsurge/tradecore/internal/models"
)

// AllocateExitEpisode hands out the next episode id for (trade, reason),
// but only when the cooldown since the last detection of that pair has
// elapsed. The whole check-and-insert runs in one transaction so two
// racing detections cannot both win an episode.
func (s *Store) AllocateExitEpisode(
	tradeID string,
	reason models.ExitReason,
	price decimal.Decimal,
	now time.Time,
	cooldown time.Duration,
) (*models.ExitSignal, error) {
	var out *models.ExitSignal
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var last models.ExitSignal
		err := tx.Where("trade_id = ? AND reason = ?", tradeID, reason).
			Order("episode_id DESC").First(&last).Error
		episode := 1
		if err == nil {
			if now.Sub(last.DetectedAt) < cooldown {
				return ErrCooldownActive
			}
			episode = last.EpisodeID + 1
		} else if err != gorm.ErrRecordNotFound {
			return fmt.Errorf("%w: %v", ErrPersist, err)
		}

		sig := &models.ExitSignal{
			ID:         newID(),
			TradeID:    tradeID,
			Reason:     reason,
			EpisodeID:  episode,
			Price:      price.Round(2),
			DetectedAt: now,
		}
		if err := tx.Create(sig).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrUniquenessConflict
			}
			return fmt.Errorf("%w: %v", ErrPersist, err)
		}
		out = sig
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateExitIntent inserts the PENDING qualification record. Duplicate
// (trade, endpoint, reason, episode) keys collapse idempotently.
func (s *Store) CreateExitIntent(ei *models.ExitIntent) error {
	if err := s.db.Create(ei).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrUniquenessConflict
		}
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

// GetExitIntent loads one exit intent by id.
func (s *Store) GetExitIntent(id string) (*models.ExitIntent, error) {
	var ei models.ExitIntent
	if err := s.db.First(&ei, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return &ei, nil
}

// UpdateExitIntentCAS writes the row conditional on the read version.
func (s *Store) UpdateExitIntentCAS(ei *models.ExitIntent) error {
	readVersion := ei.Version
	ei.Version++
	res := s.db.Model(&models.ExitIntent{}).
		Where("id = ? AND version = ?", ei.ID, readVersion).
		Select("*").Omit("id", "created_at").Updates(ei)
	if res.Error != nil {
		ei.Version = readVersion
		return fmt.Errorf("%w: %v", ErrPersist, res.Error)
	}
	if res.RowsAffected == 0 {
		ei.Version = readVersion
		return ErrStaleVersion
	}
	return nil
}

// TransitionExitIntent performs a conditional status move (for example
// APPROVED → PLACED in the exit executor). Returns whether the row was
// in the expected state.
func (s *Store) TransitionExitIntent(id string, from, to models.ExitIntentStatus) (bool, error) {
	res := s.db.Model(&models.ExitIntent{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":  to,
			"version": gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, fmt.Errorf("%w: %v", ErrPersist, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ExitIntentsByStatus lists intents in one state (executor poll,
// reconciler work set, rebuild-on-start).
func (s *Store) ExitIntentsByStatus(statuses ...models.ExitIntentStatus) ([]models.ExitIntent, error) {
	var eis []models.ExitIntent
	err := s.db.Where("status IN ?", statuses).Find(&eis).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return eis, nil
}

// PendingExitExists reports whether any live exit intent already covers
// the trade (the exit qualifier's single-outstanding-exit rule).
func (s *Store) PendingExitExists(tradeID, excludeIntentID string) (bool, error) {
	var n int64
	err := s.db.Model(&models.ExitIntent{}).
		Where("trade_id = ? AND id <> ? AND status IN ?", tradeID, excludeIntentID,
			[]models.ExitIntentStatus{
				models.ExitIntentPending, models.ExitIntentApproved,
				models.ExitIntentPlaced, models.ExitIntentFilled,
			}).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return n > 0, nil
}
