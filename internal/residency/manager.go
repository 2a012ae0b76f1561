// Package residency implements the Model Residency Manager (spec §4.2): the
// single source of truth for which model, if any, is currently loaded in
// the upstream runtime, and the only component allowed to ask the runtime
// to load or unload one.
//
// Grounded on internal/engine/failover.go's CircuitBreaker/FailoverBrain
// shape — a mutex-guarded state struct with named transitions and a
// cooldown window — generalized from "don't retry a tripped provider
// until its cooldown elapses" to "don't switch models again until the
// switch cooldown elapses", and from per-provider breakers to a single
// global residency state machine (the runtime can only hold one model at a
// time in this spec's single-GPU appliance).
package residency

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/edgecoord/jobqueue/internal/bus"
	"github.com/edgecoord/jobqueue/internal/jobstore"
	"github.com/edgecoord/jobqueue/internal/runtimeclient"
	"github.com/edgecoord/jobqueue/internal/telemetry"
)

// State is the residency state machine's current phase (spec §4.2).
type State string

const (
	StateEmpty     State = "empty"
	StateLoading   State = "loading"
	StateLoaded    State = "loaded"
	StateUnloading State = "unloading"
)

// RuntimeClient is the subset of runtimeclient.Client the manager needs,
// narrowed to an interface so tests can substitute a fake (spec §9 design
// notes: components depend on interfaces, not concretions).
type RuntimeClient interface {
	Load(ctx context.Context, model, keepAlive string) error
	Unload(ctx context.Context, model string) error
}

// CatalogStore is the subset of jobstore.Store the manager needs for
// availability checks and switch bookkeeping.
type CatalogStore interface {
	GetCatalogEntry(ctx context.Context, id string) (*jobstore.CatalogEntry, error)
	ListInstalled(ctx context.Context) ([]jobstore.InstalledModel, error)
	RecordModelUsage(ctx context.Context, id string) error
	RecordModelSwitch(ctx context.Context, fromModel, toModel string, duration time.Duration, triggeredBy, reason string) error
}

// Manager owns the residency state machine. Exactly one model may be
// loaded in the upstream runtime at a time.
type Manager struct {
	mu sync.Mutex

	client  RuntimeClient
	store   CatalogStore
	bus     *bus.Bus
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *telemetry.Metrics

	state          State
	currentModel   string
	lastSwitchAt   time.Time
	switchCooldown time.Duration
	defaultKeepAliveSec int
}

// Config bundles the manager's tunables, sourced from spec §6's
// configuration table.
type Config struct {
	SwitchCooldown      time.Duration
	DefaultKeepAliveSec int
	Metrics             *telemetry.Metrics
}

// New creates a Manager in the empty state — the assumption on process
// start is that nothing is loaded until Reconcile (or the first Activate)
// says otherwise.
func New(client RuntimeClient, store CatalogStore, eventBus *bus.Bus, logger *slog.Logger, cfg Config) *Manager {
	if cfg.DefaultKeepAliveSec <= 0 {
		cfg.DefaultKeepAliveSec = 300
	}
	return &Manager{
		client:              client,
		store:               store,
		bus:                 eventBus,
		logger:              logger,
		tracer:              otel.Tracer("jobqueue/residency"),
		metrics:             cfg.Metrics,
		state:               StateEmpty,
		switchCooldown:      cfg.SwitchCooldown,
		defaultKeepAliveSec: cfg.DefaultKeepAliveSec,
	}
}

// LoadedModel returns the currently loaded model id, or "" if none.
func (m *Manager) LoadedModel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateLoaded {
		return ""
	}
	return m.currentModel
}

// State returns the manager's current phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ValidateAvailability checks that model is installed and ready, the
// precondition for Activate (spec §4.2).
func (m *Manager) ValidateAvailability(ctx context.Context, model string) error {
	installed, err := m.store.ListInstalled(ctx)
	if err != nil {
		return fmt.Errorf("list installed models: %w", err)
	}
	for _, i := range installed {
		if i.ID == model {
			if i.Status != "ready" {
				return fmt.Errorf("model %s is not ready (status=%s)", model, i.Status)
			}
			return nil
		}
	}
	return fmt.Errorf("model %s is not installed", model)
}

// Activate ensures model is loaded, unloading whatever else is resident
// first if necessary. It is idempotent: activating the already-loaded
// model is a fast no-op save for a usage-count bump.
//
// The manager's mutex is held for the whole unload+load sequence, so two
// concurrent Activate calls for different models serialize rather than
// race the runtime into an inconsistent state — the same "one switch in
// flight at a time" guarantee failover.go gets from holding its breaker
// mutex across a whole request attempt.
func (m *Manager) Activate(ctx context.Context, model, triggeredBy, reason string) error {
	ctx, span := m.tracer.Start(ctx, "residency.activate",
		trace.WithAttributes(attribute.String("model", model), attribute.String("reason", reason)))
	defer span.End()

	if err := m.ValidateAvailability(ctx, model); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateLoaded && m.currentModel == model {
		if err := m.store.RecordModelUsage(ctx, model); err != nil && m.logger != nil {
			m.logger.Warn("residency_record_usage_failed", slog.String("model", model), slog.Any("error", err))
		}
		return nil
	}

	if since := time.Since(m.lastSwitchAt); !m.lastSwitchAt.IsZero() && since < m.switchCooldown {
		return fmt.Errorf("switch cooldown in effect: %s remaining", m.switchCooldown-since)
	}

	from := m.currentModel
	start := time.Now()

	m.bus.Publish(bus.TopicResidencyActivating, bus.ResidencyEvent{FromModel: from, ToModel: model, Reason: reason})

	if m.state == StateLoaded {
		m.state = StateUnloading
		if err := m.client.Unload(ctx, from); err != nil {
			m.state = StateLoaded
			return fmt.Errorf("unload %s before activating %s: %w", from, model, err)
		}
		m.state = StateEmpty
		m.currentModel = ""
	}

	m.state = StateLoading
	keepAlive := fmt.Sprintf("%ds", m.defaultKeepAliveSec)
	if err := m.client.Load(ctx, model, keepAlive); err != nil {
		m.state = StateEmpty
		return fmt.Errorf("load %s: %w", model, err)
	}

	m.state = StateLoaded
	m.currentModel = model
	m.lastSwitchAt = time.Now()
	duration := time.Since(start)

	if m.metrics != nil {
		m.metrics.ActivationDuration.Record(ctx, duration.Seconds())
		m.metrics.ModelSwitches.Add(ctx, 1)
	}

	if err := m.store.RecordModelUsage(ctx, model); err != nil && m.logger != nil {
		m.logger.Warn("residency_record_usage_failed", slog.String("model", model), slog.Any("error", err))
	}
	if err := m.store.RecordModelSwitch(ctx, from, model, duration, triggeredBy, reason); err != nil && m.logger != nil {
		m.logger.Warn("residency_record_switch_failed", slog.String("model", model), slog.Any("error", err))
	}

	m.bus.Publish(bus.TopicResidencyActivated, bus.ResidencyEvent{FromModel: from, ToModel: model, Reason: reason, Duration: duration})
	if m.logger != nil {
		m.logger.Info("residency_activated",
			slog.String("from", from), slog.String("to", model),
			slog.Duration("duration", duration), slog.String("reason", reason))
	}
	return nil
}

// Unload evicts the currently loaded model, if any (spec §4.4's
// inactivity-triggered auto-unload, or an operator-initiated unload).
func (m *Manager) Unload(ctx context.Context, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateLoaded {
		return nil
	}
	model := m.currentModel
	m.state = StateUnloading
	if err := m.client.Unload(ctx, model); err != nil {
		m.state = StateLoaded
		return fmt.Errorf("unload %s: %w", model, err)
	}
	m.state = StateEmpty
	m.currentModel = ""

	m.bus.Publish(bus.TopicResidencyUnloaded, bus.ResidencyEvent{FromModel: model, Reason: reason})
	if m.logger != nil {
		m.logger.Info("residency_unloaded", slog.String("model", model), slog.String("reason", reason))
	}
	return nil
}

// Reconcile adopts externalModel as the believed-loaded model without
// calling the runtime, used on startup when /api/ps reports a model
// already resident from a previous process's lifetime (spec §4.4).
func (m *Manager) Reconcile(externalModel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if externalModel == "" {
		m.state = StateEmpty
		m.currentModel = ""
		return
	}
	m.state = StateLoaded
	m.currentModel = externalModel
	m.lastSwitchAt = time.Now()
}
