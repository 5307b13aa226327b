// Package plugins initializes named capability plugins from a declarative
// configuration document and exposes their handles as a shared context for
// invoked business modules. Initialization is parallel and fault isolated:
// one plugin failing never aborts the others.
package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/routeflow/dispatch/internal/observability"
	"github.com/routeflow/dispatch/internal/registry"
	"github.com/routeflow/dispatch/pkg/models"
)

// defaultMaxWorkers bounds concurrent plugin initializations.
const defaultMaxWorkers = 5

// defaultEntryPoint is invoked when a configuration names none.
const defaultEntryPoint = "initialize"

// Manager owns plugin state for one process. Construct it once and share
// it; warm invocations reuse the initialized handles.
type Manager struct {
	registry   *registry.Registry
	maxWorkers int

	mu          sync.Mutex
	fingerprint string
	handles     map[string]any
	rawConfig   map[string]any

	logger zerolog.Logger
}

// NewManager creates a plugin manager. maxWorkers <= 0 falls back to the
// default pool size.
func NewManager(reg *registry.Registry, maxWorkers int) *Manager {
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxWorkers
	}
	return &Manager{
		registry:   reg,
		maxWorkers: maxWorkers,
		handles:    map[string]any{},
		logger:     observability.Logger("plugins"),
	}
}

// Initialize reads the `plugins` list from the document, normalizes each
// entry and runs every enabled plugin's entry point. Returns false only
// when the top level is malformed; individual plugin failures are recorded
// in their slots and do not fail initialization. Re-running with an
// unchanged document is a no-op; a changed document clears prior state and
// re-runs.
func (m *Manager) Initialize(ctx context.Context, doc map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, ok := doc["plugins"]
	if !ok {
		m.logger.Error().Msg("plugin document has no plugins list")
		return false
	}
	entries, ok := raw.([]any)
	if !ok {
		m.logger.Error().Msgf("plugins is %T, want a list", raw)
		return false
	}

	fingerprint := fingerprintOf(doc)
	if fingerprint != "" && fingerprint == m.fingerprint {
		m.logger.Debug().Msg("plugin configuration unchanged, skipping re-initialization")
		return true
	}

	configs := make([]models.PluginConfiguration, 0, len(entries))
	m.handles = map[string]any{}
	m.rawConfig = doc
	for i, entry := range entries {
		cfg, err := normalizeEntry(entry)
		if err != nil {
			slot := fmt.Sprintf("plugin_%d", i)
			m.handles[slot] = failureSlot(err)
			m.logger.Warn().Err(err).Int("index", i).Msg("malformed plugin entry")
			continue
		}
		configs = append(configs, cfg)
	}

	if len(configs) == 1 {
		name, handle := m.initializeOne(ctx, configs[0])
		m.handles[name] = handle
	} else if len(configs) > 1 {
		m.initializeParallel(ctx, configs)
	}

	m.fingerprint = fingerprint
	return true
}

type initResult struct {
	name   string
	handle any
}

// initializeParallel runs plugin initializations on a bounded pool,
// collecting results as workers complete.
func (m *Manager) initializeParallel(ctx context.Context, configs []models.PluginConfiguration) {
	sem := make(chan struct{}, m.maxWorkers)
	results := make(chan initResult, len(configs))

	var wg sync.WaitGroup
	for _, cfg := range configs {
		wg.Add(1)
		go func(cfg models.PluginConfiguration) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			name, handle := m.initializeOne(ctx, cfg)
			results <- initResult{name: name, handle: handle}
		}(cfg)
	}
	wg.Wait()
	close(results)

	for r := range results {
		m.handles[r.name] = r.handle
	}
}

// initializeOne runs a single plugin entry point, converting panics and
// errors into the plugin's failure slot.
func (m *Manager) initializeOne(ctx context.Context, cfg models.PluginConfiguration) (name string, handle any) {
	name = cfg.PluginType
	if !cfg.Enabled {
		m.logger.Info().Str("plugin_type", name).Msg("plugin disabled, skipping")
		return name, map[string]any{
			"success":   false,
			"error":     "disabled in configuration",
			"errorType": "Disabled",
		}
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Str("plugin_type", name).Msgf("plugin panicked: %v", r)
			handle = failureSlot(fmt.Errorf("plugin panicked: %v", r))
		}
	}()

	entryPoint := cfg.EntryPoint
	if entryPoint == "" {
		entryPoint = defaultEntryPoint
	}
	call, err := m.registry.Resolve(cfg.ModuleRef, cfg.ClassName, entryPoint, registry.Args(cfg.Config))
	if err != nil {
		m.logger.Warn().Err(err).Str("plugin_type", name).Msg("plugin capability not resolvable")
		return name, failureSlot(err)
	}

	out, err := call(ctx, cfg.Config)
	if err != nil {
		m.logger.Warn().Err(err).Str("plugin_type", name).Msg("plugin initialization failed")
		return name, failureSlot(err)
	}
	m.logger.Info().Str("plugin_type", name).Msg("plugin initialized")
	return name, out
}

// Context returns a snapshot of the initialized plugin handles plus the
// raw configuration document.
func (m *Manager) Context() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[string]any, len(m.handles)+1)
	for k, v := range m.handles {
		snapshot[k] = v
	}
	if m.rawConfig != nil {
		snapshot["config"] = m.rawConfig
	}
	return snapshot
}

func failureSlot(err error) map[string]any {
	errorType := "Error"
	if code := models.CodeOf(err); code != "" {
		errorType = string(code)
	}
	return map[string]any{
		"success":   false,
		"error":     err.Error(),
		"errorType": errorType,
	}
}

// fingerprintOf renders the document to a stable string for change
// detection. Marshal failures disable the no-op shortcut.
func fingerprintOf(doc map[string]any) string {
	raw, err := json.Marshal(doc)
	if err != nil {
		return ""
	}
	return string(raw)
}
