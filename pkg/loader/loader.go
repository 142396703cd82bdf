// Package loader turns a skill directory into a LoadedSkill: it selects and
// parses the descriptor, validates it, and resolves the executable behind it
// into a native binding, an isolated plugin, or an instructions-only skill.
package loader

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gobwas/glob"
	"github.com/pkg/errors"

	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/skills"
	"github.com/jingkaihe/skillet/pkg/skills/luaplugin"
	"github.com/jingkaihe/skillet/pkg/skills/rpcplugin"
	"github.com/jingkaihe/skillet/pkg/telemetry"
)

// ErrNoDescriptor is returned for directories without a descriptor file.
var ErrNoDescriptor = errors.New("no descriptor file found")

// Loader loads skill directories. It owns the isolated loading contexts it
// creates until the LoadedSkill holding them is released.
type Loader struct {
	patterns       []string
	matchers       []glob.Glob
	validator      *skills.Validator
	validateOnLoad bool
	allowed        map[string]bool
	provider       skills.Provider
	owner          Owner
	luaOpts        []luaplugin.Option
	rpcOpts        []rpcplugin.Option

	parseAttempts uint
	retryDelay    time.Duration

	mu       sync.Mutex
	contexts map[string][]*loadingContext
}

// Owner reports which loaded skill is currently live under a name.
// *skills.Registry implements it.
type Owner interface {
	Get(name string) (*skills.LoadedSkill, bool)
}

// Option configures a Loader.
type Option func(*Loader)

// WithPatterns sets the ordered descriptor file patterns. The first pattern
// matching a file in the directory selects it.
func WithPatterns(patterns ...string) Option {
	return func(l *Loader) {
		l.patterns = patterns
	}
}

// WithValidator replaces the default validator.
func WithValidator(v *skills.Validator) Option {
	return func(l *Loader) {
		l.validator = v
	}
}

// WithValidateOnLoad controls whether fatal validation errors block loading.
func WithValidateOnLoad(enabled bool) Option {
	return func(l *Loader) {
		l.validateOnLoad = enabled
	}
}

// WithAllowed restricts loading to the named skills. Empty allows all.
func WithAllowed(names ...string) Option {
	return func(l *Loader) {
		l.allowed = make(map[string]bool, len(names))
		for _, n := range names {
			l.allowed[n] = true
		}
	}
}

// WithProvider sets the lookup for host-managed instances.
func WithProvider(p skills.Provider) Option {
	return func(l *Loader) {
		l.provider = p
	}
}

// WithOwner lets the loader tell stale loading contexts from the context of
// a skill that is still registered. Without an owner every earlier context
// for the same entry point is treated as stale.
func WithOwner(o Owner) Option {
	return func(l *Loader) {
		l.owner = o
	}
}

// WithLuaOptions passes options to every Lua plugin.
func WithLuaOptions(opts ...luaplugin.Option) Option {
	return func(l *Loader) {
		l.luaOpts = opts
	}
}

// WithRPCOptions passes options to every RPC plugin.
func WithRPCOptions(opts ...rpcplugin.Option) Option {
	return func(l *Loader) {
		l.rpcOpts = opts
	}
}

// WithParseRetry sets how often an empty or unreadable descriptor, typically
// caught mid-write, is re-read before giving up.
func WithParseRetry(attempts uint, delay time.Duration) Option {
	return func(l *Loader) {
		if attempts > 0 {
			l.parseAttempts = attempts
		}
		l.retryDelay = delay
	}
}

// New creates a Loader, compiling its descriptor patterns.
func New(opts ...Option) (*Loader, error) {
	l := &Loader{
		patterns:       skills.DefaultDescriptorPatterns,
		validator:      skills.NewValidator(),
		validateOnLoad: true,
		parseAttempts:  3,
		retryDelay:     100 * time.Millisecond,
		contexts:       make(map[string][]*loadingContext),
	}
	for _, opt := range opts {
		opt(l)
	}

	if len(l.patterns) == 0 {
		return nil, errors.New("at least one descriptor pattern is required")
	}
	for _, p := range l.patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid descriptor pattern %q", p)
		}
		l.matchers = append(l.matchers, g)
	}
	return l, nil
}

// IsDescriptor reports whether the base name of path matches a descriptor
// pattern.
func (l *Loader) IsDescriptor(path string) bool {
	base := filepath.Base(path)
	for _, g := range l.matchers {
		if g.Match(base) {
			return true
		}
	}
	return false
}

// FindDescriptor returns the descriptor file of dir. Patterns are tried in
// order, so with the defaults SKILL.md wins over structured siblings.
func (l *Loader) FindDescriptor(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, g := range l.matchers {
		for _, f := range files {
			if g.Match(f) {
				return filepath.Join(dir, f), true
			}
		}
	}
	return "", false
}

// Load loads the skill in dir. Parse and validation failures, disabled
// descriptors and skills outside the allowlist are reported as errors for
// which skills.IsSkip is true.
func (l *Loader) Load(ctx context.Context, dir string) (*skills.LoadedSkill, error) {
	var ls *skills.LoadedSkill
	err := telemetry.WithSpan(ctx, "loader.load", func(ctx context.Context) error {
		var err error
		ls, err = l.load(ctx, dir)
		return err
	}, telemetry.SkillAttributes(filepath.Base(dir), dir)...)
	return ls, err
}

func (l *Loader) load(ctx context.Context, dir string) (*skills.LoadedSkill, error) {
	folder := filepath.Base(dir)
	log := logger.G(ctx).WithField("path", dir)

	descriptorPath, ok := l.FindDescriptor(dir)
	if !ok {
		return nil, skills.NewLoadError(folder, dir, ErrNoDescriptor)
	}

	d, err := l.parse(ctx, descriptorPath)
	if err != nil {
		return nil, err
	}
	telemetry.AddEvent(ctx, "descriptor.parsed")

	if !d.Enabled {
		return nil, errors.Wrapf(skills.ErrDisabled, "skill %s", d.Name)
	}
	if len(l.allowed) > 0 && !l.allowed[d.Name] {
		return nil, errors.Wrapf(skills.ErrNotAllowed, "skill %s", d.Name)
	}

	report := l.validator.Validate(d, dir, descriptorPath)
	for _, w := range report.Warnings {
		log.WithField("skill", d.Name).Debug(w)
	}
	if !report.Valid() {
		if l.validateOnLoad {
			return nil, skills.NewValidationError(d.Name, descriptorPath, report.Err())
		}
		log.WithField("skill", d.Name).WithError(report.Err()).Warn("loading skill despite validation errors")
	}

	instance, variant, isolation, err := l.resolve(ctx, d, dir)
	if err != nil {
		return nil, err
	}

	log.WithField("skill", d.Name).WithField("variant", variant).Info("skill loaded")
	return &skills.LoadedSkill{
		Descriptor:     d,
		Skill:          instance,
		Variant:        variant,
		Directory:      dir,
		DescriptorPath: descriptorPath,
		LoadedAt:       time.Now(),
		Isolation:      isolation,
	}, nil
}

// parse reads the descriptor, retrying while the file is empty or cannot be
// read. Malformed content fails immediately.
func (l *Loader) parse(ctx context.Context, path string) (*skills.Descriptor, error) {
	var d *skills.Descriptor
	err := retry.Do(
		func() error {
			info, err := os.Stat(path)
			if err != nil {
				if os.IsNotExist(err) {
					return retry.Unrecoverable(skills.NewParseError(path, err))
				}
				return skills.NewParseError(path, err)
			}
			if info.Size() == 0 {
				return skills.NewParseError(path, errors.New("descriptor file is empty"))
			}
			parsed, err := skills.ParseFile(path)
			if err != nil {
				if _, readErr := os.ReadFile(path); readErr != nil {
					return err
				}
				return retry.Unrecoverable(err)
			}
			d = parsed
			return nil
		},
		retry.Attempts(l.parseAttempts),
		retry.Delay(l.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithField("path", path).WithField("attempt", n+1).WithError(err).Debug("retrying descriptor parse")
		}),
	)
	return d, err
}

// resolve picks the executable for d, in order: a host-managed instance
// named by main, a packaged Lua archive, a plugin executable, a Lua source
// directory, and finally the instructions alone.
func (l *Loader) resolve(ctx context.Context, d *skills.Descriptor, dir string) (skills.Skill, skills.Variant, io.Closer, error) {
	if !d.HasMain() {
		if d.HasInstructions() {
			return skills.NewInstructionSkill(d), skills.VariantInstruction, nil, nil
		}
		return nil, "", nil, skills.NewLoadError(d.Name, dir, errors.New("no viable entry point"))
	}

	if l.provider != nil {
		if instance, ok := l.provider.Lookup(d.Main); ok {
			return skills.NewNativeSkill(d, instance), skills.VariantNative, nil, nil
		}
	}

	key := ContextKey(d.Name, d.Main)
	// A context left behind by an earlier load of the same entry point is
	// released before the new one is created, unless it backs the skill
	// that is still registered.
	if err := l.releaseStale(key, d.Name); err != nil {
		logger.G(ctx).WithField("context", key).WithError(err).Warn("failed to release stale loading context")
	}

	instance, closer, err := l.openIsolated(ctx, d, dir)
	if err != nil {
		return nil, "", nil, skills.NewLoadError(d.Name, dir, err)
	}
	return instance, skills.VariantIsolated, l.track(key, closer), nil
}

func (l *Loader) openIsolated(ctx context.Context, d *skills.Descriptor, dir string) (skills.Skill, io.Closer, error) {
	if archive := filepath.Join(dir, d.Name+luaplugin.ArchiveExt); isFile(archive) {
		p, err := luaplugin.OpenArchive(ctx, d.Name, archive, d.Main, l.luaOpts...)
		if err != nil {
			return nil, nil, err
		}
		return luaplugin.NewSkill(p, d), p, nil
	}

	if binary := filepath.Join(dir, rpcplugin.BinDir, d.Main); isFile(binary) {
		p, err := rpcplugin.Open(ctx, d.Name, binary, l.rpcOpts...)
		if err != nil {
			return nil, nil, err
		}
		return rpcplugin.NewSkill(p.Remote(), d), p, nil
	}

	if sources := filepath.Join(dir, luaplugin.DirName); isDir(sources) {
		p, err := luaplugin.OpenDir(ctx, d.Name, sources, d.Main, l.luaOpts...)
		if err != nil {
			return nil, nil, err
		}
		return luaplugin.NewSkill(p, d), p, nil
	}

	return nil, nil, errors.Errorf("no viable entry point: main %q matches no provider instance, archive, executable or lua sources", d.Main)
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
