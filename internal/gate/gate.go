// Package gate enforces the startup invariants of the configured
// release level. A failed check is fatal: the process must not accept
// work in a configuration it cannot honor.
package gate

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/quantsurge/tradecore/internal/broker"
	"github.com/quantsurge/tradecore/internal/config"
	"github.com/quantsurge/tradecore/internal/storage"
)

// Readiness collects the explicit per-component ready booleans the
// wiring code sets as it brings each component up.
type Readiness struct {
	EventBus   bool
	MarketData bool
	Signals    bool
	Execution  bool
	Reconciler bool
	Hub        bool
	Watchdog   bool
}

// components returns each flag with its name for error reporting.
func (r Readiness) components() []struct {
	name  string
	ready bool
} {
	return []struct {
		name  string
		ready bool
	}{
		{"event bus", r.EventBus},
		{"market data", r.MarketData},
		{"signals", r.Signals},
		{"execution", r.Execution},
		{"reconciler", r.Reconciler},
		{"hub", r.Hub},
		{"watchdog", r.Watchdog},
	}
}

// Verify runs every startup invariant for the configured release level.
func Verify(cfg *config.Config, store *storage.Store, registry *broker.Registry, ready Readiness) error {
	// Uniqueness indexes back the external contract at every level.
	if err := store.VerifyConstraints(); err != nil {
		return fmt.Errorf("startup gate: %w", err)
	}

	dataBrokers, err := store.EnabledDataBrokers()
	if err != nil {
		return fmt.Errorf("startup gate: %w", err)
	}
	if len(dataBrokers) != 1 {
		return fmt.Errorf("startup gate: exactly one enabled DATA broker required, found %d", len(dataBrokers))
	}

	if cfg.ProductionMode {
		if !cfg.OrderExecutionEnabled {
			return fmt.Errorf("startup gate: production mode requires order execution enabled")
		}
		if cfg.PersistTickEvents && !cfg.AsyncEventWriterEnabled {
			return fmt.Errorf("startup gate: tick persistence requires the async event writer")
		}
		for id, adapter := range registry.All() {
			if !adapter.ProductionEndpoint() {
				return fmt.Errorf("startup gate: broker %s (%s) does not target a production endpoint", adapter.Name(), id)
			}
		}
		if cfg.ReleaseReadiness != config.ReadinessProd {
			return fmt.Errorf("startup gate: production mode requires RELEASE_READINESS=%s", config.ReadinessProd)
		}
	}

	for _, c := range ready.components() {
		if !c.ready {
			return fmt.Errorf("startup gate: component not ready: %s", c.name)
		}
	}

	log.Info().Str("readiness", string(cfg.ReleaseReadiness)).Bool("production", cfg.ProductionMode).
		Msg("🚦 Startup gate passed")
	return nil
}
