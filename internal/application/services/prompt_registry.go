package services

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog/log"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
	apperrors "github.com/zatekoja/clinical-insights/backend/pkg/errors"
)

const defaultResolutionCacheSize = 100

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// GetOptions selects a template version. An empty Version resolves the
// latest version.
type GetOptions struct {
	Version           string
	IncludeDeprecated bool
}

// PromptRegistry stores versioned prompt templates and resolves them by id.
type PromptRegistry struct {
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]map[string]*entities.PromptRegistryEntry

	// resolved caches Get lookups. Reads use Peek so eviction follows
	// insertion order.
	cacheMu  sync.Mutex
	resolved *simplelru.LRU[string, *entities.PromptRegistryEntry]
}

// PromptRegistryOption customizes a PromptRegistry.
type PromptRegistryOption func(*PromptRegistry)

// WithRegistryClock replaces the time source used for deprecation checks.
func WithRegistryClock(now func() time.Time) PromptRegistryOption {
	return func(r *PromptRegistry) {
		r.now = now
	}
}

// NewPromptRegistry creates an empty registry with a bounded resolution cache
func NewPromptRegistry(cacheSize int, opts ...PromptRegistryOption) *PromptRegistry {
	if cacheSize <= 0 {
		cacheSize = defaultResolutionCacheSize
	}
	resolved, _ := simplelru.NewLRU[string, *entities.PromptRegistryEntry](cacheSize, nil)

	r := &PromptRegistry{
		now:      time.Now,
		entries:  make(map[string]map[string]*entities.PromptRegistryEntry),
		resolved: resolved,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates and stores a template. The new entry becomes the latest
// for its id.
func (r *PromptRegistry) Register(tmpl *entities.PromptTemplate) error {
	if err := r.validate(tmpl); err != nil {
		return err
	}

	r.mu.Lock()
	versions, ok := r.entries[tmpl.ID]
	if !ok {
		versions = make(map[string]*entities.PromptRegistryEntry)
		r.entries[tmpl.ID] = versions
	}
	if _, exists := versions[tmpl.Version]; exists {
		log.Warn().Str("prompt_id", tmpl.ID).Str("version", tmpl.Version).Msg("overwriting registered prompt version")
	}
	for _, entry := range versions {
		entry.IsLatest = false
	}
	versions[tmpl.Version] = &entities.PromptRegistryEntry{
		Template:     tmpl,
		RegisteredAt: r.now(),
		IsLatest:     true,
	}
	r.mu.Unlock()

	r.invalidate(tmpl.ID)
	log.Debug().Str("prompt_id", tmpl.ID).Str("version", tmpl.Version).Msg("prompt registered")
	return nil
}

func (r *PromptRegistry) validate(tmpl *entities.PromptTemplate) error {
	if tmpl == nil {
		return apperrors.NewValidationError("prompt template is nil")
	}

	var problems []string
	if strings.TrimSpace(tmpl.ID) == "" {
		problems = append(problems, "id is required")
	}
	if _, err := entities.ParseSemVer(tmpl.Version); err != nil {
		problems = append(problems, err.Error())
	}
	if strings.TrimSpace(tmpl.Template) == "" {
		problems = append(problems, "template text is required")
	}

	est := tmpl.Config.TokenEstimate
	if est.Min < 0 || est.Typical < 0 || est.Max < 0 {
		problems = append(problems, "token estimates must not be negative")
	}
	if est.Max > 0 && (est.Min > est.Typical || est.Typical > est.Max) {
		problems = append(problems, fmt.Sprintf("token estimate must satisfy min <= typical <= max, got %d/%d/%d", est.Min, est.Typical, est.Max))
	}

	seen := make(map[string]bool, len(tmpl.Variables))
	for _, v := range tmpl.Variables {
		if v.Name == "" {
			problems = append(problems, "variable name is required")
			continue
		}
		if seen[v.Name] {
			problems = append(problems, fmt.Sprintf("variable %q declared twice", v.Name))
		}
		seen[v.Name] = true
	}

	if len(problems) > 0 {
		return apperrors.NewValidationError(fmt.Sprintf("invalid prompt template %q: %s", tmpl.ID, strings.Join(problems, "; "))).
			WithResource(apperrors.ResourcePrompt, tmpl.ID+"@"+tmpl.Version)
	}

	used := placeholders(tmpl.Template)
	for name := range used {
		if !seen[name] {
			log.Warn().Str("prompt_id", tmpl.ID).Str("variable", name).Msg("template uses undeclared variable")
		}
	}
	for name := range seen {
		if !used[name] {
			log.Warn().Str("prompt_id", tmpl.ID).Str("variable", name).Msg("declared variable is never used")
		}
	}
	return nil
}

// Get resolves a template. Without a version it returns the entry marked
// latest, falling back to the highest version. Deprecated templates are only
// returned when opts.IncludeDeprecated is set.
func (r *PromptRegistry) Get(id string, opts GetOptions) (*entities.PromptTemplate, error) {
	cacheKey := resolutionKey(id, opts)
	now := r.now()

	r.cacheMu.Lock()
	entry, cached := r.resolved.Peek(cacheKey)
	r.cacheMu.Unlock()

	if cached && (opts.IncludeDeprecated || !entry.Template.IsDeprecated(now)) {
		atomic.AddInt64(&entry.UsageCount, 1)
		return entry.Template, nil
	}

	entry, err := r.resolve(id, opts, now)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.resolved.Add(cacheKey, entry)
	r.cacheMu.Unlock()

	atomic.AddInt64(&entry.UsageCount, 1)
	return entry.Template, nil
}

func (r *PromptRegistry) resolve(id string, opts GetOptions, now time.Time) (*entities.PromptRegistryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.entries[id]
	if !ok || len(versions) == 0 {
		return nil, apperrors.NewPromptNotFoundError(id, "")
	}

	if opts.Version != "" {
		entry, ok := versions[opts.Version]
		if !ok {
			return nil, apperrors.NewPromptNotFoundError(id, opts.Version)
		}
		if !opts.IncludeDeprecated && entry.Template.IsDeprecated(now) {
			return nil, apperrors.NewDeprecatedError(fmt.Sprintf("prompt %q version %s is deprecated", id, opts.Version)).
				WithResource(apperrors.ResourcePrompt, id+"@"+opts.Version)
		}
		return entry, nil
	}

	for _, entry := range versions {
		if entry.IsLatest && (opts.IncludeDeprecated || !entry.Template.IsDeprecated(now)) {
			return entry, nil
		}
	}

	var best *entities.PromptRegistryEntry
	var bestVer entities.SemVer
	for _, entry := range versions {
		if !opts.IncludeDeprecated && entry.Template.IsDeprecated(now) {
			continue
		}
		ver, err := entities.ParseSemVer(entry.Template.Version)
		if err != nil {
			continue
		}
		if best == nil || ver.Compare(bestVer) > 0 {
			best, bestVer = entry, ver
		}
	}
	if best == nil {
		return nil, apperrors.NewDeprecatedError(fmt.Sprintf("every version of prompt %q is deprecated", id)).
			WithResource(apperrors.ResourcePrompt, id)
	}
	return best, nil
}

// Has reports whether id (and version, when given) is registered.
func (r *PromptRegistry) Has(id, version string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.entries[id]
	if !ok {
		return false
	}
	if version == "" {
		return len(versions) > 0
	}
	_, ok = versions[version]
	return ok
}

// GetAllVersions returns snapshots of every version of id, highest first.
func (r *PromptRegistry) GetAllVersions(id string) []entities.PromptRegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.entries[id]
	out := make([]entities.PromptRegistryEntry, 0, len(versions))
	for _, entry := range versions {
		out = append(out, snapshot(entry))
	}
	sortEntriesDesc(out)
	return out
}

// List returns a snapshot of the latest entry per id, optionally restricted to
// a category, ordered by id.
func (r *PromptRegistry) List(category entities.PromptCategory) []entities.PromptRegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []entities.PromptRegistryEntry
	for _, versions := range r.entries {
		for _, entry := range versions {
			if !entry.IsLatest {
				continue
			}
			if category != "" && entry.Template.Category != category {
				continue
			}
			out = append(out, snapshot(entry))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Template.ID < out[j].Template.ID
	})
	return out
}

// Remove deletes one version. Removing the latest promotes the highest
// remaining non-deprecated version; removing the last version deletes the id.
func (r *PromptRegistry) Remove(id, version string) bool {
	r.mu.Lock()
	versions, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	entry, ok := versions[version]
	if !ok {
		r.mu.Unlock()
		return false
	}

	delete(versions, version)
	if len(versions) == 0 {
		delete(r.entries, id)
	} else if entry.IsLatest {
		r.promoteLocked(versions)
	}
	r.mu.Unlock()

	r.invalidate(id)
	return true
}

func (r *PromptRegistry) promoteLocked(versions map[string]*entities.PromptRegistryEntry) {
	now := r.now()
	var best *entities.PromptRegistryEntry
	var bestVer entities.SemVer
	for _, entry := range versions {
		if entry.Template.IsDeprecated(now) {
			continue
		}
		ver, err := entities.ParseSemVer(entry.Template.Version)
		if err != nil {
			continue
		}
		if best == nil || ver.Compare(bestVer) > 0 {
			best, bestVer = entry, ver
		}
	}
	if best != nil {
		best.IsLatest = true
	}
}

// invalidate drops cached resolutions for id.
func (r *PromptRegistry) invalidate(id string) {
	prefix := id + "@"

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	for _, key := range r.resolved.Keys() {
		if strings.HasPrefix(key, prefix) {
			r.resolved.Remove(key)
		}
	}
}

func resolutionKey(id string, opts GetOptions) string {
	version := opts.Version
	if version == "" {
		version = "latest"
	}
	return fmt.Sprintf("%s@%s#%t", id, version, opts.IncludeDeprecated)
}

func snapshot(entry *entities.PromptRegistryEntry) entities.PromptRegistryEntry {
	return entities.PromptRegistryEntry{
		Template:     entry.Template,
		RegisteredAt: entry.RegisteredAt,
		IsLatest:     entry.IsLatest,
		UsageCount:   atomic.LoadInt64(&entry.UsageCount),
	}
}

func sortEntriesDesc(entries []entities.PromptRegistryEntry) {
	sort.Slice(entries, func(i, j int) bool {
		vi, errI := entities.ParseSemVer(entries[i].Template.Version)
		vj, errJ := entities.ParseSemVer(entries[j].Template.Version)
		if errI != nil || errJ != nil {
			return entries[i].Template.Version > entries[j].Template.Version
		}
		return vi.Compare(vj) > 0
	})
}

func placeholders(text string) map[string]bool {
	used := make(map[string]bool)
	for _, m := range placeholderPattern.FindAllStringSubmatch(text, -1) {
		used[m[1]] = true
	}
	return used
}
