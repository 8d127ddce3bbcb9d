package strategy

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// StrategyInfo holds runtime info for a registered strategy (for status APIs).
type StrategyInfo struct {
	Name        string     `json:"name"`
	Status      string     `json:"status"` // "pending", "running", "stopped", "error"
	IntentsSent int64      `json:"intents_sent"`
	LastIntent  *time.Time `json:"last_intent,omitempty"`
	ErrorCount  int64      `json:"error_count"`
	Dropped     int64      `json:"dropped"`
}

// Registry manages a named collection of strategies that can be looked up at
// runtime. It is safe for concurrent use.
type Registry struct {
	strategies map[string]Strategy
	info       map[string]*StrategyInfo
	mu         sync.RWMutex
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
		info:       make(map[string]*StrategyInfo),
	}
}

// Register adds a strategy under its name, replacing any existing one.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
	r.info[s.Name()] = &StrategyInfo{Name: s.Name(), Status: "pending"}
}

// Get retrieves a strategy by name.
func (r *Registry) Get(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("strategy %q: not registered", name)
	}
	return s, nil
}

// List returns the names of all registered strategies in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.strategies))
	for n := range r.strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ListInfo returns runtime info for all registered strategies, sorted by name.
func (r *Registry) ListInfo() []StrategyInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]StrategyInfo, 0, len(r.info))
	for _, in := range r.info {
		cp := *in
		if in.LastIntent != nil {
			t := *in.LastIntent
			cp.LastIntent = &t
		}
		infos = append(infos, cp)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func (r *Registry) update(name string, fn func(*StrategyInfo)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if in, ok := r.info[name]; ok {
		fn(in)
	}
}
