package params

import (
	"sort"
	"sync"

	"github.com/rendis/graphrun/pkg/schema"
)

// coreDefaults is the fixed floor of parameter ids guaranteed present after
// loading any workflow. Both spellings of aliased ids carry equal values so
// the alias invariant holds from the first load.
var coreDefaults = map[string]schema.Value{
	"prompt":          schema.String(""),
	"negativePrompt":  schema.String(""),
	"negative_prompt": schema.String(""),
	"seed":            schema.Int(-1),
	"steps":           schema.Int(20),
	"width":           schema.Int(1024),
	"height":          schema.Int(1024),
	"cfgScale":        schema.Number(7.0),
	"cfg_scale":       schema.Number(7.0),
}

// IsCoreKey reports whether key belongs to the core parameter floor.
func IsCoreKey(key string) bool {
	_, ok := coreDefaults[key]
	return ok
}

// Store owns the current parameter value map for the active workflow.
// Every write goes through alias resolution, so members of an alias group
// can never diverge. Safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	def    *schema.WorkflowDefinition
	values map[string]schema.Value
}

// NewStore creates an empty parameter store with no active workflow.
func NewStore() *Store {
	return &Store{values: make(map[string]schema.Value)}
}

// Load resets the map to the workflow's default values, then backfills the
// core parameter floor without overwriting anything the defaults provided.
func (s *Store) Load(def *schema.WorkflowDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.def = def
	s.values = make(map[string]schema.Value, len(coreDefaults))

	if def != nil {
		for _, key := range sortedKeys(def.DefaultValues) {
			s.applyLocked(key, def.DefaultValues[key])
		}
	}
	for key, value := range coreDefaults {
		if _, ok := s.values[key]; !ok {
			s.values[key] = value
		}
	}
}

// ResetToDefaults re-runs Load against the active workflow, discarding all
// edits. No-op when no workflow is loaded.
func (s *Store) ResetToDefaults() {
	s.mu.RLock()
	def := s.def
	s.mu.RUnlock()
	if def == nil {
		return
	}
	s.Load(def)
}

// Set writes one parameter, expanding the write across its alias group.
// Values are not validated against the declaration; interim states that a
// user is still typing must remain representable.
func (s *Store) Set(key string, value schema.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(key, value)
}

// SetAll applies a bulk patch, one aliased write per entry. Entries are
// applied in sorted key order so bulk merges are deterministic.
func (s *Store) SetAll(patch map[string]schema.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range sortedKeys(patch) {
		s.applyLocked(key, patch[key])
	}
}

// Get returns the value for key, or the null Value when absent.
func (s *Store) Get(key string) schema.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}

// Snapshot returns a copy of the current parameter map.
func (s *Store) Snapshot() map[string]schema.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]schema.Value, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Workflow returns the active workflow definition, or nil.
func (s *Store) Workflow() *schema.WorkflowDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.def
}

func (s *Store) applyLocked(key string, value schema.Value) {
	for member, v := range Resolve(key, value) {
		s.values[member] = v
	}
}

func sortedKeys(m map[string]schema.Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
