package execution

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantsurge/tradecore/internal/bus"
	"github.com/quantsurge/tradecore/internal/config"
	"github.com/quantsurge/tradecore/internal/marketdata"
	"github.com/quantsurge/tradecore/internal/models"
	"github.com/quantsurge/tradecore/internal/storage"
)

// Exit rejection codes.
const (
	ExitRejectBrokerDisabled     = "BROKER_DISABLED"
	ExitRejectBrokerDisconnected = "BROKER_DISCONNECTED"
	ExitRejectTradeNotOpen       = "TRADE_NOT_OPEN"
	ExitRejectWrongEndpoint      = "ENDPOINT_MISMATCH"
	ExitRejectDirection          = "DIRECTION_INCONSISTENT"
	ExitRejectDuplicateExit      = "EXIT_ALREADY_PENDING"
	ExitRejectOutsideSession     = "OUTSIDE_SESSION"
	ExitRejectFinalMinutes       = "FINAL_MINUTES_BLOCK"
)

// ExitQualifier validates a PENDING exit intent and writes APPROVED or
// REJECTED back. Stop-loss exits are urgent and use MARKET orders any
// time in session; target exits may rest as LIMIT near the target and
// are excluded from the final minutes before close.
type ExitQualifier struct {
	cfg   *config.Config
	store *storage.Store
	clock *marketdata.SessionClock
	bus   *bus.Bus
}

func NewExitQualifier(cfg *config.Config, store *storage.Store, clock *marketdata.SessionClock, b *bus.Bus) *ExitQualifier {
	return &ExitQualifier{cfg: cfg, store: store, clock: clock, bus: b}
}

// Qualify runs the checks, persists the outcome on the intent, and
// emits the matching event. Returns the updated intent.
func (q *ExitQualifier) Qualify(intent *models.ExitIntent, now time.Time) (*models.ExitIntent, error) {
	trade, err := q.store.GetTrade(intent.TradeID)
	if err != nil {
		return nil, err
	}

	reasons := q.check(intent, trade, now)

	if len(reasons) == 0 {
		intent.Status = models.ExitIntentApproved
		intent.OrderType = models.OrderTypeMarket
		if intent.Reason == models.ExitTargetHit {
			intent.OrderType = models.OrderTypeLimit
			limit := trade.ExitTargetPrice
			intent.LimitPrice = &limit
		}
		intent.ClientOrderID = models.ExitClientOrderID(intent.ID)
	} else {
		intent.Status = models.ExitIntentRejected
		intent.RejectionReasons = strings.Join(reasons, ",")
	}

	if err := q.store.UpdateExitIntentCAS(intent); err != nil {
		return nil, err
	}

	eventType := models.EventExitIntentApproved
	payload := map[string]any{"reason": intent.Reason, "orderType": intent.OrderType}
	if intent.Status == models.ExitIntentRejected {
		eventType = models.EventExitIntentRejected
		payload = map[string]any{"reason": intent.Reason, "rejections": reasons}
		log.Info().Str("trade", trade.ID).Strs("rejections", reasons).Msg("🚫 Exit intent rejected")
	}
	if _, err := q.bus.Append(&models.Event{
		Type:         eventType,
		Scope:        models.ScopeUserBroker,
		UserID:       bus.StrPtr(trade.UserID),
		UserBrokerID: bus.StrPtr(intent.UserBrokerID),
		Payload:      bus.Payload(payload),
		TradeID:      bus.StrPtr(trade.ID),
	}); err != nil {
		return nil, err
	}
	return intent, nil
}

func (q *ExitQualifier) check(intent *models.ExitIntent, trade *models.Trade, now time.Time) []string {
	var reasons []string
	fail := func(code string) { reasons = append(reasons, code) }

	ub, err := q.store.GetUserBroker(intent.UserBrokerID)
	if err != nil || !ub.Enabled {
		fail(ExitRejectBrokerDisabled)
	} else if ub.Status != models.BrokerConnected {
		fail(ExitRejectBrokerDisconnected)
	}

	if trade.Status != models.TradeOpen {
		fail(ExitRejectTradeNotOpen)
	}
	if trade.UserBrokerID != intent.UserBrokerID {
		fail(ExitRejectWrongEndpoint)
	}

	// A long entry exits with a SELL and vice versa; the intent's
	// reason never flips the side, so the only consistency check is
	// against the trade itself.
	if trade.Direction != models.DirectionBuy && trade.Direction != models.DirectionSell {
		fail(ExitRejectDirection)
	}

	if pending, perr := q.store.PendingExitExists(trade.ID, intent.ID); perr != nil || pending {
		fail(ExitRejectDuplicateExit)
	}

	if !q.clock.InSession(now) {
		fail(ExitRejectOutsideSession)
	} else if intent.Reason != models.ExitStopLoss && q.cfg.ExitBlockFinalMinutes > 0 {
		if q.clock.MinutesToClose(now) < q.cfg.ExitBlockFinalMinutes {
			fail(ExitRejectFinalMinutes)
		}
	}
	return reasons
}
