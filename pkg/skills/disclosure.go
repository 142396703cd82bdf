package skills

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/jingkaihe/skillet/pkg/logger"
)

const (
	// DefaultCacheTTL is how long activation and execution entries stay fresh.
	DefaultCacheTTL = 5 * time.Minute

	discoveryLimit    = 150
	discoveryTruncate = 147
)

// DiscoveryLine renders the one-line discovery tier for a skill:
// "<name>: <description>", with descriptions longer than 150 characters cut
// to 147 followed by "...".
func DiscoveryLine(name, description string) string {
	runes := []rune(description)
	if len(runes) > discoveryLimit {
		description = string(runes[:discoveryTruncate]) + "..."
	}
	return name + ": " + description
}

type cacheEntry struct {
	value     map[string]any
	createdAt time.Time
}

// DisclosureCache serves the three progressive disclosure tiers for the
// skills in a Registry. Activation and execution entries are cached per
// skill and expire lazily on read.
type DisclosureCache struct {
	registry         *Registry
	enabled          bool
	ttl              time.Duration
	maxExecutionTime time.Duration
	now              func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
	// gens counts invalidations per skill and epoch counts Clear calls. A
	// computed entry is stored only if neither moved while it was computed.
	gens  map[string]uint64
	epoch uint64
}

// DisclosureOption configures a DisclosureCache.
type DisclosureOption func(*DisclosureCache)

// WithCacheEnabled toggles caching. A disabled cache computes every request.
func WithCacheEnabled(enabled bool) DisclosureOption {
	return func(c *DisclosureCache) {
		c.enabled = enabled
	}
}

// WithCacheTTL sets the entry time-to-live.
func WithCacheTTL(ttl time.Duration) DisclosureOption {
	return func(c *DisclosureCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithMaxExecutionTime sets the value reported in execution constraints.
func WithMaxExecutionTime(d time.Duration) DisclosureOption {
	return func(c *DisclosureCache) {
		c.maxExecutionTime = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) DisclosureOption {
	return func(c *DisclosureCache) {
		c.now = now
	}
}

// NewDisclosureCache creates a cache over registry and subscribes it to
// registration changes so reloads and unloads invalidate stale entries.
func NewDisclosureCache(registry *Registry, opts ...DisclosureOption) *DisclosureCache {
	c := &DisclosureCache{
		registry:         registry,
		enabled:          true,
		ttl:              DefaultCacheTTL,
		maxExecutionTime: 30 * time.Second,
		now:              time.Now,
		entries:          make(map[string]cacheEntry),
		gens:             make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	registry.AddRegistrationListener(c)
	return c
}

// Discovery returns the discovery line of every registered skill in
// registration order.
func (c *DisclosureCache) Discovery() []string {
	skills := c.registry.List()
	lines := make([]string, 0, len(skills))
	for _, ls := range skills {
		lines = append(lines, DiscoveryLine(ls.Name(), ls.Skill.Description()))
	}
	return lines
}

// Activation returns the activation tier for the named skill.
func (c *DisclosureCache) Activation(name string) (map[string]any, bool) {
	return c.cached(name, "activation_"+name, func() (map[string]any, bool) {
		ls, ok := c.registry.Get(name)
		if !ok {
			return nil, false
		}
		return activationInfo(ls), true
	})
}

// Execution returns the execution tier for the named skill: the activation
// tier plus execution constraints and a JSON schema of its parameters.
func (c *DisclosureCache) Execution(name string) (map[string]any, bool) {
	return c.cached(name, "execution_"+name, func() (map[string]any, bool) {
		activation, ok := c.Activation(name)
		if !ok {
			return nil, false
		}
		ls, ok := c.registry.Get(name)
		if !ok {
			return nil, false
		}

		info := activation
		info["execution_context"] = "ready"
		info["available_tools"] = info["allowed_tools"]
		info["execution_constraints"] = c.constraints(ls)
		info["parameters_schema"] = ParametersSchema(ls.Skill.RequiredParameters(), ls.Skill.OptionalParameters())
		return info, true
	})
}

// Prepare returns all three tiers for the named skill.
func (c *DisclosureCache) Prepare(name string) (map[string]any, bool) {
	activation, ok := c.Activation(name)
	if !ok {
		return nil, false
	}
	execution, _ := c.Execution(name)
	return map[string]any{
		"tier_1_discovery":  c.Discovery(),
		"tier_2_activation": activation,
		"tier_3_execution":  execution,
	}, true
}

// Invalidate drops the cached entries of the named skill.
func (c *DisclosureCache) Invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, "activation_"+name)
	delete(c.entries, "execution_"+name)
	c.gens[name]++
}

// Clear drops every cached entry.
func (c *DisclosureCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	c.epoch++
}

// OnSkillRegistered implements RegistrationListener.
func (c *DisclosureCache) OnSkillRegistered(ctx context.Context, skill *LoadedSkill) {
	c.Invalidate(skill.Name())
	logger.G(ctx).WithField("skill", skill.Name()).Debug("disclosure cache invalidated")
}

// OnSkillUnregistered implements RegistrationListener.
func (c *DisclosureCache) OnSkillUnregistered(_ context.Context, skill *LoadedSkill) {
	c.Invalidate(skill.Name())
}

func (c *DisclosureCache) cached(name, key string, compute func() (map[string]any, bool)) (map[string]any, bool) {
	if !c.enabled {
		return compute()
	}

	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok && c.now().Sub(entry.createdAt) > c.ttl {
		delete(c.entries, key)
		ok = false
	}
	gen, epoch := c.gens[name], c.epoch
	c.mu.Unlock()
	if ok {
		return cloneInfo(entry.value), true
	}

	value, found := compute()
	if !found {
		return nil, false
	}

	c.mu.Lock()
	if c.gens[name] == gen && c.epoch == epoch {
		c.entries[key] = cacheEntry{value: value, createdAt: c.now()}
	}
	c.mu.Unlock()
	return cloneInfo(value), true
}

// cloneInfo deep-copies the maps and slices of a tier so callers cannot
// modify cached entries. The parameters schema is shared and must be treated
// as read-only.
func cloneInfo(info map[string]any) map[string]any {
	out := make(map[string]any, len(info))
	for k, v := range info {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return t
		}
		return cloneInfo(t)
	case map[string]string:
		return maps.Clone(t)
	case []string:
		return slices.Clone(t)
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}

func (c *DisclosureCache) constraints(ls *LoadedSkill) map[string]any {
	d := ls.Descriptor
	autoAllowed, manualAllowed := true, true
	if d != nil {
		autoAllowed = !d.DisableModelInvocation
		manualAllowed = d.UserInvocable
	}
	return map[string]any{
		"max_execution_time":         int(c.maxExecutionTime.Seconds()),
		"input_validation_required":  len(ls.Skill.RequiredParameters()) > 0,
		"output_formatting_required": true,
		"auto_invocation_allowed":    autoAllowed,
		"manual_invocation_allowed":  manualAllowed,
	}
}

func activationInfo(ls *LoadedSkill) map[string]any {
	s := ls.Skill
	info := map[string]any{
		"name":                ls.Name(),
		"description":         s.Description(),
		"version":             s.Version(),
		"required_parameters": nonNil(s.RequiredParameters()),
		"optional_parameters": nonNil(s.OptionalParameters()),
		"instructions":        s.Instructions(),
		"variant":             string(ls.Variant),
		"loaded_at":           ls.LoadedAt.Format(time.RFC3339),
	}

	if d := ls.Descriptor; d != nil {
		info["author"] = d.Author
		info["license"] = d.License
		info["compatibility"] = d.Compatibility
		info["category"] = d.Category
		info["main"] = d.Main
		info["tags"] = slices.Clone(d.Tags)
		info["keywords"] = slices.Clone(d.Keywords)
		info["allowed_tools"] = slices.Clone(d.AllowedTools)
		info["disable_model_invocation"] = d.DisableModelInvocation
		info["user_invocable"] = d.UserInvocable
		info["extra_metadata"] = maps.Clone(d.ExtraMetadata)
	}

	if ls.Directory != "" {
		info["directory"] = ls.Directory
		for _, sub := range []string{"scripts", "references", "assets", "examples"} {
			_, err := os.Stat(filepath.Join(ls.Directory, sub))
			info["has_"+sub] = err == nil
		}
	}

	if ls.DescriptorPath != "" {
		info["descriptor_path"] = ls.DescriptorPath
		if st, err := os.Stat(ls.DescriptorPath); err == nil {
			info["file_size"] = FormatSize(st.Size())
			info["last_modified"] = st.ModTime().Format(time.RFC3339)
		} else {
			info["file_size"] = "unknown"
		}
	}

	return info
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return maps.Clone(m)
}

// FormatSize renders a byte count as B, KB or MB using integer division.
func FormatSize(bytes int64) string {
	switch {
	case bytes < 1024:
		return fmt.Sprintf("%d B", bytes)
	case bytes < 1024*1024:
		return fmt.Sprintf("%d KB", bytes/1024)
	default:
		return fmt.Sprintf("%d MB", bytes/(1024*1024))
	}
}

// ParametersSchema builds a JSON schema object describing a skill's
// parameters. Required parameters are listed in "required".
func ParametersSchema(required, optional map[string]string) *jsonschema.Schema {
	schema := &jsonschema.Schema{
		Type:       "object",
		Properties: jsonschema.NewProperties(),
	}

	names := make([]string, 0, len(required))
	for name := range required {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		schema.Properties.Set(name, &jsonschema.Schema{Description: required[name]})
	}
	schema.Required = names

	optNames := make([]string, 0, len(optional))
	for name := range optional {
		if _, dup := required[name]; !dup {
			optNames = append(optNames, name)
		}
	}
	sort.Strings(optNames)
	for _, name := range optNames {
		schema.Properties.Set(name, &jsonschema.Schema{Description: optional[name]})
	}

	return schema
}
