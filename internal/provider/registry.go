package provider

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/allaspectsdev/switchyard/internal/config"
)

// ErrUnknownProvider is returned when no executor is registered for an id.
var ErrUnknownProvider = errors.New("provider: unknown provider")

// Endpoints served by the gateway.
const (
	EndpointChatCompletions = "chat.completions"
	EndpointMessages        = "messages"
	EndpointResponses       = "responses"
	EndpointEmbeddings      = "embeddings"
)

// ModelInfo describes a configured model for listing.
type ModelInfo struct {
	Name      string   `json:"id"`
	Endpoints []string `json:"endpoints,omitempty"`
	Providers []string `json:"providers"`
}

type modelEntry struct {
	endpoints  []string
	candidates []Candidate
}

// Registry maps models to their candidate pools and provider ids to
// executors. It is rebuilt in place on configuration reload.
type Registry struct {
	mu        sync.RWMutex
	models    map[string]modelEntry
	enabled   map[string]bool
	aliases   map[string]string
	executors map[string]Executor
}

// NewRegistry builds a Registry from cfg.
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	r.Reload(cfg)
	return r
}

// Reload replaces the model table and aliases. Registered executors are
// kept.
func (r *Registry) Reload(cfg *config.Config) {
	models := make(map[string]modelEntry, len(cfg.Models))
	for _, m := range cfg.Models {
		e := modelEntry{endpoints: slices.Clone(m.Endpoints)}
		for _, p := range m.Providers {
			e.candidates = append(e.candidates, Candidate{
				ProviderID:      strings.ToLower(p.ID),
				Status:          NormalizeStatus(p.Status),
				Weight:          p.Weight,
				MaxOutputTokens: int64(p.MaxOutputTokens),
				UpstreamModel:   p.UpstreamModel,
			})
		}
		models[m.Name] = e
	}
	enabled := make(map[string]bool, len(cfg.Providers))
	for id, p := range cfg.Providers {
		enabled[strings.ToLower(id)] = p.Enabled
	}
	aliases := make(map[string]string, len(cfg.Routing.ProviderAliases))
	for k, v := range cfg.Routing.ProviderAliases {
		aliases[strings.ToLower(k)] = strings.ToLower(v)
	}

	r.mu.Lock()
	r.models = models
	r.enabled = enabled
	r.aliases = aliases
	r.mu.Unlock()
}

// Register installs the executor for a provider id.
func (r *Registry) Register(id string, ex Executor) {
	r.mu.Lock()
	r.executors[strings.ToLower(id)] = ex
	r.mu.Unlock()
}

// Executor returns the executor for a provider id.
func (r *Registry) Executor(id string) (Executor, error) {
	r.mu.RLock()
	ex, ok := r.executors[strings.ToLower(id)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return ex, nil
}

// Candidates returns the pool for a base model on an endpoint: every
// configured provider that is enabled and has an executor. The result is a
// fresh slice the caller may modify.
func (r *Registry) Candidates(endpoint, model string) []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.models[model]
	if !ok {
		return nil
	}
	if len(e.endpoints) > 0 && !slices.Contains(e.endpoints, endpoint) {
		return nil
	}
	out := make([]Candidate, 0, len(e.candidates))
	for _, c := range e.candidates {
		if !r.enabled[c.ProviderID] {
			continue
		}
		if _, ok := r.executors[c.ProviderID]; !ok {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Models lists configured models sorted by name.
func (r *Registry) Models() []ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelInfo, 0, len(r.models))
	for name, e := range r.models {
		info := ModelInfo{Name: name, Endpoints: e.endpoints}
		for _, c := range e.candidates {
			info.Providers = append(info.Providers, c.ProviderID)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ProviderIDs returns the configured provider ids for a model.
func (r *Registry) ProviderIDs(model string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e := r.models[model]
	ids := make([]string, 0, len(e.candidates))
	for _, c := range e.candidates {
		ids = append(ids, c.ProviderID)
	}
	return ids
}

// NormalizeIDs lower-cases ids, resolves aliases, and drops blanks and
// duplicates, keeping first-seen order.
func (r *Registry) NormalizeIDs(ids []string) []string {
	r.mu.RLock()
	aliases := r.aliases
	r.mu.RUnlock()
	return NormalizeIDs(ids, aliases)
}

// NormalizeIDs is the registry-free form of Registry.NormalizeIDs.
func NormalizeIDs(ids []string, aliases map[string]string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" {
			continue
		}
		if a, ok := aliases[id]; ok {
			id = a
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Aliases returns the current provider alias table.
func (r *Registry) Aliases() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.aliases
}
