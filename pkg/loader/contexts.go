package loader

import (
	"io"
	"slices"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// ContextKey identifies the isolated loading context of a skill entry point.
func ContextKey(name, main string) string {
	return name + ":" + main
}

// loadingContext is the io.Closer handed to a LoadedSkill. Closing it
// releases the plugin and forgets it in the loader; it is idempotent.
type loadingContext struct {
	loader *Loader
	key    string
	closer io.Closer
	once   sync.Once
	err    error
}

func (c *loadingContext) Close() error {
	c.once.Do(func() {
		c.loader.forget(c)
		c.err = c.closer.Close()
	})
	return c.err
}

func (l *Loader) track(key string, closer io.Closer) *loadingContext {
	c := &loadingContext{loader: l, key: key, closer: closer}
	l.mu.Lock()
	l.contexts[key] = append(l.contexts[key], c)
	l.mu.Unlock()
	return c
}

func (l *Loader) forget(c *loadingContext) {
	l.mu.Lock()
	defer l.mu.Unlock()
	held := slices.DeleteFunc(l.contexts[c.key], func(x *loadingContext) bool { return x == c })
	if len(held) == 0 {
		delete(l.contexts, c.key)
		return
	}
	l.contexts[c.key] = held
}

// releaseStale closes the contexts held under key except the one backing
// the skill the owner currently has registered as name. That one is swapped
// out and released by the registry when the new instance replaces it.
func (l *Loader) releaseStale(key, name string) error {
	var live io.Closer
	if l.owner != nil {
		if ls, ok := l.owner.Get(name); ok {
			live = ls.Isolation
		}
	}

	l.mu.Lock()
	var stale []*loadingContext
	for _, c := range l.contexts[key] {
		if live == nil || io.Closer(c) != live {
			stale = append(stale, c)
		}
	}
	l.mu.Unlock()

	var result *multierror.Error
	for _, c := range stale {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Contexts returns the keys of the loading contexts currently held, sorted.
// A key appears once per held context.
func (l *Loader) Contexts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	keys := make([]string, 0, len(l.contexts))
	for k, held := range l.contexts {
		for range held {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Close releases every outstanding loading context.
func (l *Loader) Close() error {
	l.mu.Lock()
	var all []*loadingContext
	for _, held := range l.contexts {
		all = append(all, held...)
	}
	l.mu.Unlock()

	var result *multierror.Error
	for _, c := range all {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "failed to release %s", c.key))
		}
	}
	return result.ErrorOrNil()
}
