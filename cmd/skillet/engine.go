package main

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/jingkaihe/skillet/pkg/config"
	"github.com/jingkaihe/skillet/pkg/history"
	"github.com/jingkaihe/skillet/pkg/hooks"
	"github.com/jingkaihe/skillet/pkg/lifecycle"
	"github.com/jingkaihe/skillet/pkg/loader"
	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/skills"
	"github.com/jingkaihe/skillet/pkg/skills/luaplugin"
	"github.com/jingkaihe/skillet/pkg/skills/rpcplugin"
)

// engine is the wired skill stack a command operates on.
type engine struct {
	loader   *loader.Loader
	registry *skills.Registry
	cache    *skills.DisclosureCache
	manager  *lifecycle.Manager
	history  *history.Store
	hooks    *hooks.HookManager

	// detach removes the history store from the registry before it closes.
	detach []func()
}

// newEngine wires loader, registry, disclosure cache, optional history
// store, lifecycle hooks and manager from c, then initializes the manager. One-shot
// commands pass hotReload=false.
func newEngine(ctx context.Context, c config.Config, hotReload bool) (*engine, error) {
	entry := logger.G(ctx)

	registry := skills.NewRegistry(skills.WithExecutionTimeout(c.ExecutionTimeout))
	l, err := loader.New(
		loader.WithOwner(registry),
		loader.WithPatterns(c.DescriptorPatterns...),
		loader.WithValidator(newValidator(c)),
		loader.WithValidateOnLoad(c.ValidateOnLoad),
		loader.WithAllowed(c.Allowed...),
		loader.WithLuaOptions(luaplugin.WithLogger(entry)),
		loader.WithRPCOptions(rpcOptions(c)...),
	)
	if err != nil {
		return nil, err
	}

	e := &engine{
		loader:   l,
		registry: registry,
	}
	e.cache = skills.NewDisclosureCache(e.registry,
		skills.WithCacheEnabled(c.MetadataCache),
		skills.WithCacheTTL(c.MetadataCacheTTL),
		skills.WithMaxExecutionTime(c.ExecutionTimeout),
	)

	if c.History.Enabled {
		store, err := history.Open(ctx, c.History.Path)
		if err != nil {
			l.Close()
			return nil, errors.Wrap(err, "failed to open history store")
		}
		e.history = store
		e.detach = append(e.detach,
			e.registry.AddListener(store),
			e.registry.AddRegistrationListener(store),
		)
	}

	if c.Hooks.Enabled {
		discovery := hooks.WithDefaultDirs()
		if len(c.Hooks.Dirs) > 0 {
			discovery = hooks.WithHookDirs(c.Hooks.Dirs...)
		}
		hm, err := hooks.NewHookManager(discovery)
		if err != nil {
			entry.WithError(err).Warn("failed to discover hooks, continuing without them")
		} else if hm.Count() > 0 {
			hm.SetTimeout(c.Hooks.Timeout)
			e.hooks = hm
			e.registry.AddListener(hm)
			e.registry.AddRegistrationListener(hm)
			entry.WithField("count", hm.Count()).Debug("lifecycle hooks discovered")
		}
	}

	opts := append(lifecycle.OptionsFromConfig(c), lifecycle.WithHotReload(hotReload))
	e.manager, err = lifecycle.NewManager(c.SkillsDir, l, e.registry, opts...)
	if err != nil {
		e.closeHistory()
		l.Close()
		return nil, err
	}

	if err := e.manager.Initialize(ctx); err != nil {
		e.closeHistory()
		l.Close()
		return nil, err
	}
	return e, nil
}

func newValidator(c config.Config) *skills.Validator {
	return skills.NewValidator(
		skills.WithMaxDescriptorKB(c.MaxDescriptorKB),
		skills.WithRecommendedDirs(c.RecommendedDirs...),
	)
}

func rpcOptions(c config.Config) []rpcplugin.Option {
	if c.RPCStartTimeout <= 0 {
		return nil
	}
	return []rpcplugin.Option{rpcplugin.WithStartTimeout(c.RPCStartTimeout)}
}

// Close shuts the manager down, waits for running hooks and closes the
// history store.
func (e *engine) Close(ctx context.Context) error {
	var result *multierror.Error
	if err := e.manager.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if e.hooks != nil {
		e.hooks.Wait()
	}
	if err := e.closeHistory(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (e *engine) closeHistory() error {
	if e.history == nil {
		return nil
	}
	for _, remove := range e.detach {
		remove()
	}
	e.detach = nil
	return e.history.Close()
}
