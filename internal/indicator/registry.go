// Package indicator computes technical indicators over closed OHLCV series.
package indicator

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// Params are named numeric indicator parameters, e.g. {"period": 14}.
type Params map[string]float64

// Int returns p[name] as an int, or def when unset.
func (p Params) Int(name string, def int) int {
	if v, ok := p[name]; ok {
		return int(math.Round(v))
	}
	return def
}

// Float returns p[name], or def when unset.
func (p Params) Float(name string, def float64) float64 {
	if v, ok := p[name]; ok {
		return v
	}
	return def
}

// withDefaults returns p with every missing default filled in.
func (p Params) withDefaults(defs Params) Params {
	out := make(Params, len(defs)+len(p))
	for k, v := range defs {
		out[k] = v
	}
	for k, v := range p {
		out[k] = v
	}
	return out
}

// validate checks that p only names parameters declared in defs and that
// every value is a positive finite number.
func (p Params) validate(id string, defs Params) error {
	for k, v := range p {
		if _, ok := defs[k]; !ok {
			return fmt.Errorf("indicator: %s: unknown parameter %q: %w", id, k, domain.ErrInvalidParams)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return fmt.Errorf("indicator: %s: %s=%v: %w", id, k, v, domain.ErrInvalidParams)
		}
	}
	return nil
}

// Canonical renders p as "k=v,k=v" with sorted keys, so equal parameter sets
// always produce the same cache key.
func (p Params) Canonical() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(strconv.FormatFloat(p[k], 'f', -1, 64))
	}
	return sb.String()
}

// ParseParams parses the Canonical form. Empty input yields empty params.
func ParseParams(s string) (Params, error) {
	p := Params{}
	if strings.TrimSpace(s) == "" {
		return p, nil
	}
	for _, part := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("indicator: invalid param %q", part)
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("indicator: invalid param %q: %w", part, err)
		}
		p[k] = f
	}
	return p, nil
}

// Func computes one indicator from closed candles, oldest first. It must be
// pure: the same candles and params always give the same values.
type Func func(candles []domain.Candle, p Params) map[string]float64

// Definition describes a registered indicator.
type Definition struct {
	ID       string
	Defaults Params
	// MinWindow is the number of candles needed for a full-fidelity value.
	MinWindow func(p Params) int
	Compute   Func
}

// Registry maps indicator ids to definitions. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// DefaultRegistry returns a registry holding every built-in indicator.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, d := range builtins() {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds d. Ids are unique.
func (r *Registry) Register(d Definition) error {
	if d.ID == "" || d.Compute == nil || d.MinWindow == nil {
		return fmt.Errorf("indicator: definition %q is incomplete", d.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[d.ID]; ok {
		return fmt.Errorf("indicator: %q: %w", d.ID, domain.ErrAlreadyExists)
	}
	r.defs[d.ID] = d
	return nil
}

// Lookup returns the definition for id.
func (r *Registry) Lookup(id string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[strings.ToLower(id)]
	if !ok {
		return Definition{}, fmt.Errorf("indicator: %q: %w", id, domain.ErrUnknownIndicator)
	}
	return d, nil
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
