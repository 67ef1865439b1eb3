// Package validation qualifies signal deliveries: it layers the
// operational gates around the position sizer and persists the
// resulting trade intent, approved or rejected. Deliveries for one
// signal validate in parallel across user-brokers; each validation is
// bounded by its own timeout.
package validation

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/quantsurge/tradecore/internal/analyzer"
	"github.com/quantsurge/tradecore/internal/bus"
	"github.com/quantsurge/tradecore/internal/config"
	"github.com/quantsurge/tradecore/internal/models"
	"github.com/quantsurge/tradecore/internal/sizing"
	"github.com/quantsurge/tradecore/internal/storage"
)

// Rejection codes, ordered by the gate that produces them.
const (
	RejectBrokerDisabled     = "BROKER_DISABLED"
	RejectBrokerDisconnected = "BROKER_DISCONNECTED"
	RejectPortfolioPaused    = "PORTFOLIO_PAUSED"
	RejectNotWhitelisted     = "SYMBOL_NOT_WHITELISTED"
	RejectConfluenceLow      = "CONFLUENCE_BELOW_MIN"
	RejectPWinLow            = "PWIN_BELOW_MIN"
	RejectKellyLow           = "KELLY_BELOW_MIN"
	RejectValueBelowMin      = "VALUE_BELOW_MIN"
	RejectValueAboveMax      = "VALUE_ABOVE_MAX_PER_TRADE"
	RejectExposure           = "EXPOSURE_EXCEEDED"
	RejectLogLossHeadroom    = "LOG_LOSS_EXHAUSTED"
	RejectOpenTradesCap      = "OPEN_TRADES_CAP"
	RejectDailyLossLimit     = "DAILY_LOSS_LIMIT"
	RejectWeeklyLossLimit    = "WEEKLY_LOSS_LIMIT"
	RejectCooldown           = "COOLDOWN_ACTIVE"
	RejectTimeout            = "TIMEOUT"
)

// Service runs entry qualification.
type Service struct {
	cfg      *config.Config
	store    *storage.Store
	sizer    *sizing.Sizer
	analyzer *analyzer.Analyzer
	bus      *bus.Bus
}

func NewService(cfg *config.Config, store *storage.Store, sz *sizing.Sizer, an *analyzer.Analyzer, b *bus.Bus) *Service {
	return &Service{cfg: cfg, store: store, sizer: sz, analyzer: an, bus: b}
}

// Outcome pairs a delivery with its persisted intent.
type Outcome struct {
	Delivery *models.SignalDelivery
	Intent   *models.TradeIntent
}

// ValidateDeliveries fans one signal's pending deliveries out in
// parallel. Each validation gets its own deadline; a timed-out
// validation becomes a REJECTED intent rather than an error, and one
// delivery's hard failure never discards its siblings' outcomes.
func (s *Service) ValidateDeliveries(ctx context.Context, signal *models.Signal, deliveries []models.SignalDelivery) ([]Outcome, error) {
	results := make([]*Outcome, len(deliveries))
	var g errgroup.Group

	for i := range deliveries {
		i := i
		d := deliveries[i]
		g.Go(func() error {
			vctx, cancel := context.WithTimeout(ctx, s.cfg.ValidationTimeout)
			defer cancel()

			intent, err := s.Validate(vctx, signal, &d)
			if err != nil {
				log.Error().Err(err).Str("signal", signal.ID).Str("userBroker", d.UserBrokerID).
					Msg("delivery validation failed")
				return nil
			}
			results[i] = &Outcome{Delivery: &deliveries[i], Intent: intent}
			return nil
		})
	}
	_ = g.Wait()

	outcomes := make([]Outcome, 0, len(results))
	for _, r := range results {
		if r != nil {
			outcomes = append(outcomes, *r)
		}
	}
	return outcomes, nil
}

// Validate qualifies one delivery and persists the intent. The earliest
// gate failure becomes the headline reason; every failure is recorded.
func (s *Service) Validate(ctx context.Context, signal *models.Signal, delivery *models.SignalDelivery) (*models.TradeIntent, error) {
	intent := &models.TradeIntent{
		ID:           uuid.NewString(),
		SignalID:     signal.ID,
		UserBrokerID: delivery.UserBrokerID,
		OrderType:    models.OrderTypeMarket,
		ProductType:  "CNC",
	}

	reasons, qty := s.runGates(ctx, signal, delivery.UserBrokerID)

	intent.ValidationPassed = len(reasons) == 0
	intent.ApprovedQty = qty
	intent.RejectionReasons = strings.Join(reasons, ",")

	if err := s.store.SaveIntent(intent); err != nil {
		return nil, err
	}

	ub, _ := s.store.GetUserBroker(delivery.UserBrokerID)
	userID := ""
	if ub != nil {
		userID = ub.UserID
	}

	eventType := models.EventIntentApproved
	payload := map[string]any{"qty": qty}
	if !intent.ValidationPassed {
		eventType = models.EventIntentRejected
		payload = map[string]any{"reasons": reasons}
		log.Info().Str("signal", signal.ID).Str("userBroker", delivery.UserBrokerID).
			Strs("reasons", reasons).Msg("🚫 Entry intent rejected")
	} else {
		log.Info().Str("signal", signal.ID).Str("userBroker", delivery.UserBrokerID).
			Int64("qty", qty).Msg("✅ Entry intent approved")
	}
	if _, err := s.bus.Append(&models.Event{
		Type:         eventType,
		Scope:        models.ScopeUserBroker,
		UserID:       bus.StrPtr(userID),
		UserBrokerID: bus.StrPtr(delivery.UserBrokerID),
		Payload:      bus.Payload(payload),
		SignalID:     bus.StrPtr(signal.ID),
		IntentID:     bus.StrPtr(intent.ID),
	}); err != nil {
		return nil, err
	}
	return intent, nil
}

// runGates evaluates every gate even after the first failure so the
// intent records the complete picture. Returns the collected failure
// codes (earliest first) and the approved quantity when all pass. The
// deadline is re-checked before each storage-backed section; a gate
// sequence overrunning it turns into a TIMEOUT rejection mid-way.
func (s *Service) runGates(ctx context.Context, signal *models.Signal, userBrokerID string) ([]string, int64) {
	var reasons []string
	fail := func(code string) { reasons = append(reasons, code) }
	timedOut := func() bool { return ctx.Err() != nil }

	if timedOut() {
		return []string{RejectTimeout}, 0
	}

	ub, err := s.store.GetUserBroker(userBrokerID)
	if err != nil {
		return []string{RejectBrokerDisabled}, 0
	}
	if !ub.Enabled {
		fail(RejectBrokerDisabled)
	}
	if ub.Status != models.BrokerConnected {
		fail(RejectBrokerDisconnected)
	}
	if ub.Paused {
		fail(RejectPortfolioPaused)
	}

	if whitelisted, werr := s.store.SymbolWhitelisted(userBrokerID, signal.Symbol); werr != nil || !whitelisted {
		fail(RejectNotWhitelisted)
	}

	minConfluence := models.ConfluenceType(s.cfg.MinConfluenceType)
	if signal.ConfluenceType.Rank() < minConfluence.Rank() {
		fail(RejectConfluenceLow)
	}
	if signal.PWin < s.cfg.MinWinProb {
		fail(RejectPWinLow)
	}
	if signal.Kelly < s.cfg.MinKelly {
		fail(RejectKellyLow)
	}

	if timedOut() {
		return append(reasons, RejectTimeout), 0
	}

	sized := s.runSizer(signal, ub)
	if sized.Rejected {
		fail(sized.Reason)
	}

	qty := sized.Qty
	value := signal.RefPrice.Mul(decimal.NewFromInt(qty))
	if !sized.Rejected {
		if value.LessThan(s.cfg.MinTradeValue) {
			fail(RejectValueBelowMin)
		}
		if ub.MaxPerTrade.IsPositive() && value.GreaterThan(ub.MaxPerTrade) {
			fail(RejectValueAboveMax)
		}
	}

	if timedOut() {
		return append(reasons, RejectTimeout), 0
	}

	reserved, _ := s.store.ReservedCapital(userBrokerID)
	if ub.MaxExposure.IsPositive() && reserved.Add(value).GreaterThan(ub.MaxExposure) {
		fail(RejectExposure)
	}

	portLoss, _ := s.store.PortfolioOpenLogLoss(userBrokerID)
	symLoss, _ := s.store.SymbolOpenLogLoss(userBrokerID, signal.Symbol)
	if portLoss <= s.cfg.PortfolioBudget || symLoss <= s.cfg.SymbolBudget {
		fail(RejectLogLossHeadroom)
	}

	open, _ := s.store.OpenTrades(userBrokerID)
	if ub.MaxOpenTrades > 0 && len(open) >= ub.MaxOpenTrades {
		fail(RejectOpenTradesCap)
	}

	if timedOut() {
		return append(reasons, RejectTimeout), 0
	}

	now := time.Now()
	if ub.MaxDailyLoss.IsPositive() {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		if pnl, perr := s.store.RealizedPnLSince(userBrokerID, dayStart); perr == nil && pnl.Neg().GreaterThanOrEqual(ub.MaxDailyLoss) {
			fail(RejectDailyLossLimit)
		}
	}
	if ub.MaxWeeklyLoss.IsPositive() {
		weekStart := now.AddDate(0, 0, -7)
		if pnl, perr := s.store.RealizedPnLSince(userBrokerID, weekStart); perr == nil && pnl.Neg().GreaterThanOrEqual(ub.MaxWeeklyLoss) {
			fail(RejectWeeklyLossLimit)
		}
	}

	if ub.CooldownMinutes > 0 {
		if lastClosed, cerr := s.store.LastClosedAt(userBrokerID); cerr == nil && !lastClosed.IsZero() {
			if now.Sub(lastClosed) < time.Duration(ub.CooldownMinutes)*time.Minute {
				fail(RejectCooldown)
			}
		}
	}

	if len(reasons) > 0 {
		return reasons, 0
	}
	return nil, qty
}

// runSizer assembles the sizing context from current portfolio state.
// A symbol already holding open trades routes through the rebuy path
// with its structural spacing gates.
func (s *Service) runSizer(signal *models.Signal, ub *models.UserBroker) sizing.Result {
	reserved, _ := s.store.ReservedCapital(ub.ID)
	portLoss, _ := s.store.PortfolioOpenLogLoss(ub.ID)
	symLoss, _ := s.store.SymbolOpenLogLoss(ub.ID, signal.Symbol)
	entries, _ := s.store.OpenEntryPrices(ub.ID, signal.Symbol)

	var openQty int64
	openCost := decimal.Zero
	if open, err := s.store.OpenTrades(ub.ID); err == nil {
		for _, t := range open {
			if t.Symbol == signal.Symbol && t.EntryPrice != nil {
				openQty += t.EntryQty
				openCost = openCost.Add(t.EntryPrice.Mul(decimal.NewFromInt(t.EntryQty)))
			}
		}
	}
	openAvg := decimal.Zero
	if openQty > 0 {
		openAvg = openCost.Div(decimal.NewFromInt(openQty))
	}

	in := sizing.Inputs{
		Signal:           signal,
		Broker:           ub,
		Cash:             ub.Capital,
		Reserved:         reserved,
		PortfolioLogLoss: portLoss,
		SymbolLogLoss:    symLoss,
		OpenQty:          openQty,
		OpenAvgPrice:     openAvg,
		OpenEntryPrices:  entries,
		ATR:              s.analyzer.ATRFor(signal.Symbol),
		RangeOverATR:     s.analyzer.RangeOverATR(signal.Symbol),
		PFill:            1.0, // entries go out as MARKET
	}
	if len(entries) > 0 {
		return s.sizer.SizeRebuy(in)
	}
	return s.sizer.Size(in)
}
