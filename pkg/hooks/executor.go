package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"

	"github.com/pkg/errors"

	"github.com/jingkaihe/skillet/pkg/logger"
)

// Execute runs every hook of hookType with payload and returns how many
// succeeded. A failing hook is logged and does not stop the others.
func (m *HookManager) Execute(ctx context.Context, hookType HookType, payload any) (int, error) {
	hooks := m.hooks[hookType]
	if len(hooks) == 0 {
		return 0, nil
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return 0, errors.Wrap(err, "failed to marshal payload")
	}
	return m.run(ctx, hooks, payloadBytes), nil
}

// run executes hooks one after another and counts the successes.
func (m *HookManager) run(ctx context.Context, hooks []*Hook, payloadBytes []byte) int {
	succeeded := 0
	for _, hook := range hooks {
		if err := m.executeHook(ctx, hook, payloadBytes); err != nil {
			logger.G(ctx).WithError(err).WithField("hook", hook.Name).Warn("hook execution failed")
			continue
		}
		succeeded++
	}
	return succeeded
}

// executeHook runs a single hook with timeout enforcement
func (m *HookManager) executeHook(ctx context.Context, hook *Hook, payload []byte) error {
	timeout := m.timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, hook.Path, "run")
	cmd.Stdin = bytes.NewReader(payload)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errors.Errorf("hook %s timed out after %s", hook.Name, timeout)
		}
		return errors.Wrapf(err, "hook %s failed: %s", hook.Name, stderr.String())
	}

	logger.G(ctx).WithField("hook", hook.Name).WithField("event", hook.HookType).Debug("hook executed")
	return nil
}

// dispatch runs the hooks of hookType in the background. The payload is
// encoded before dispatch returns, so callers may reuse what it references.
func (m *HookManager) dispatch(ctx context.Context, hookType HookType, payload any) {
	hooks := m.hooks[hookType]
	if len(hooks) == 0 {
		return
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		logger.G(ctx).WithError(err).WithField("event", hookType).Warn("failed to encode hook payload")
		return
	}

	ctx = context.WithoutCancel(ctx)
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		m.run(ctx, hooks, payloadBytes)
	}()
}
