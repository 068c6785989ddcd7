package skills

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/valet/internal/tools"
	"github.com/haasonsaas/valet/internal/tools/sandbox"
)

// Manager owns the registered skill set. Reload swaps it atomically:
// tools from the previous load are unregistered before the new ones
// register, so a rename never leaves a stale tool behind.
type Manager struct {
	loader   *Loader
	registry *tools.Registry
	wasm     *sandbox.WasmRunner
	logger   *slog.Logger

	mu         sync.RWMutex
	skills     map[string]*Skill
	ordered    []*Skill
	registered []string

	watchMu       sync.Mutex
	watcher       *fsnotify.Watcher
	watchPaths    map[string]struct{}
	watchCancel   context.CancelFunc
	watchWg       sync.WaitGroup
	watchDebounce time.Duration
}

// NewManager creates a manager that registers skill tools into
// registry. A zero debounce uses the 250ms default.
func NewManager(loader *Loader, registry *tools.Registry, wasm *sandbox.WasmRunner, debounce time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Manager{
		loader:        loader,
		registry:      registry,
		wasm:          wasm,
		logger:        logger.With("component", "skills"),
		skills:        make(map[string]*Skill),
		watchDebounce: debounce,
	}
}

// Reload rediscovers skills and swaps the registered tool set.
func (m *Manager) Reload(ctx context.Context) error {
	skills, err := m.loader.Discover(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	for _, name := range m.registered {
		m.registry.Unregister(name)
	}

	byName := make(map[string]*Skill, len(skills))
	var registered []string
	for _, skill := range skills {
		byName[skill.Name] = skill
		tool, ok := BuildTool(skill, m.loader.Workspace(), m.wasm)
		if !ok {
			continue
		}
		if err := m.registry.Register(tool); err != nil {
			m.logger.Warn("skipping skill tool", "skill", skill.Name, "error", err)
			continue
		}
		registered = append(registered, tool.Name())
	}
	m.skills = byName
	m.ordered = skills
	m.registered = registered
	m.mu.Unlock()

	m.logger.Info("loaded skills", "count", len(skills), "tools", len(registered))

	if err := m.refreshWatches(); err != nil {
		m.logger.Warn("refresh skill watches failed", "error", err)
	}
	return nil
}

// Skills returns the loaded skills sorted by name.
func (m *Manager) Skills() []*Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Skill, len(m.ordered))
	copy(out, m.ordered)
	return out
}

// Get returns a loaded skill by name.
func (m *Manager) Get(name string) (*Skill, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	skill, ok := m.skills[name]
	return skill, ok
}

// PromptBlock renders the loaded skills as a system-prompt section.
func (m *Manager) PromptBlock() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return PromptBlock(m.ordered)
}
