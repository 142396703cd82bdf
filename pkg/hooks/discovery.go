package hooks

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/jingkaihe/skillet/pkg/logger"
)

// queryTimeout bounds the "hook" handshake run during discovery.
const queryTimeout = 5 * time.Second

// Discovery scans hook directories for executables.
type Discovery struct {
	hookDirs []string
}

// DiscoveryOption configures a Discovery.
type DiscoveryOption func(*Discovery) error

// WithDefaultDirs scans ./.skillet/hooks, then ~/.skillet/hooks.
func WithDefaultDirs() DiscoveryOption {
	return func(d *Discovery) error {
		home, err := os.UserHomeDir()
		if err != nil {
			return errors.Wrap(err, "failed to resolve home directory for hooks")
		}
		d.hookDirs = append(d.hookDirs,
			filepath.Join(".", ".skillet", "hooks"),
			filepath.Join(home, ".skillet", "hooks"),
		)
		return nil
	}
}

// WithHookDirs scans the given directories in order.
func WithHookDirs(dirs ...string) DiscoveryOption {
	return func(d *Discovery) error {
		d.hookDirs = append(d.hookDirs, dirs...)
		return nil
	}
}

// NewDiscovery builds a Discovery. Without options the default directories
// are used.
func NewDiscovery(opts ...DiscoveryOption) (*Discovery, error) {
	if len(opts) == 0 {
		opts = []DiscoveryOption{WithDefaultDirs()}
	}

	d := &Discovery{}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// DiscoverHooks returns the hooks found, grouped by the event they
// subscribe to. A file name claimed by an earlier directory shadows the same
// name in later ones. Missing directories are skipped.
func (d *Discovery) DiscoverHooks() (map[HookType][]*Hook, error) {
	found := make(map[HookType][]*Hook)
	claimed := make(map[string]bool)

	for _, dir := range d.hookDirs {
		candidates, err := executables(dir)
		if err != nil {
			return nil, err
		}

		for _, name := range candidates {
			if claimed[name] {
				continue
			}
			claimed[name] = true

			path := filepath.Join(dir, name)
			hookType, err := queryHookType(path)
			if err != nil {
				logger.G(context.Background()).WithField("hook", path).WithError(err).Debug("ignoring hook")
				continue
			}
			found[hookType] = append(found[hookType], &Hook{Name: name, Path: path, HookType: hookType})
		}
	}
	return found, nil
}

// executables lists the visible executable regular files in dir.
func executables(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read hook directory %s", dir)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

// queryHookType runs the hook with the "hook" argument and parses the event
// name it prints.
func queryHookType(path string) (HookType, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "hook").Output()
	if err != nil {
		return "", errors.Wrap(err, "hook handshake failed")
	}

	switch t := HookType(strings.TrimSpace(string(out))); t {
	case HookTypeSkillRegistered, HookTypeSkillUnregistered, HookTypeExecutionCompleted, HookTypeExecutionFailed:
		return t, nil
	default:
		return "", errors.Errorf("unsupported hook event %q", t)
	}
}
