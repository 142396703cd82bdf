package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/presenter"
	"github.com/jingkaihe/skillet/pkg/skills"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load skills and keep them in sync with the skills directory",
	Long: `Load every skill under the skills directory and, with hot reload enabled,
reload skills as their descriptors change. SIGHUP reloads everything.

With --stdio, requests are read as JSON lines from stdin and answered as JSON
lines on stdout:

  {"skill": "echo", "request": "hello", "params": {"lang": "en"}}
  {"op": "match", "request": "convert this pdf"}
  {"op": "discover"}
  {"op": "activate", "skill": "echo"}`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		stdio, _ := cmd.Flags().GetBool("stdio")
		return runServe(cmd.Context(), stdio)
	},
}

func init() {
	serveCmd.Flags().Bool("stdio", false, "Answer JSON line requests on stdin and stdout")
}

func runServe(ctx context.Context, stdio bool) error {
	shutdownTracing, err := initTracing(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "failed to initialize tracing")
	}
	defer func() {
		if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
			logger.G(ctx).WithError(err).Warn("failed to flush traces")
		}
	}()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	e, err := newEngine(ctx, cfg, cfg.HotReload)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*cfg.ShutdownTimeout)
		defer cancel()
		if err := e.Close(closeCtx); err != nil {
			logger.G(ctx).WithError(err).Warn("skill engine did not shut down cleanly")
		}
	}()

	// stdout carries responses in stdio mode
	if stdio {
		presenter.SetQuiet(true)
	}
	presenter.Success(fmt.Sprintf("Serving %d skill(s) from %s", e.registry.Len(), e.manager.Root()))
	for _, line := range e.cache.Discovery() {
		presenter.Info("  " + line)
	}
	if cfg.HotReload {
		presenter.Info("Watching for changes. Press Ctrl+C to stop")
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	done := make(chan error, 1)
	if stdio {
		go func() {
			done <- serveStdio(ctx, e, os.Stdin, os.Stdout)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			presenter.Info("Shutting down")
			return nil
		case err := <-done:
			return err
		case <-hup:
			if err := e.manager.ReloadAll(ctx); err != nil {
				logger.G(ctx).WithError(err).Warn("some skills failed to reload")
			}
			logger.G(ctx).WithField("skills", e.registry.Len()).Info("reloaded skills")
		}
	}
}

// stdioRequest is one line of the --stdio protocol.
type stdioRequest struct {
	Op      string         `json:"op,omitempty"`
	Skill   string         `json:"skill,omitempty"`
	Request string         `json:"request,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

type stdioError struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// serveStdio answers one JSON line per request line until r is exhausted or
// ctx is cancelled.
func serveStdio(ctx context.Context, e *engine, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req stdioRequest
		if err := json.Unmarshal(line, &req); err != nil {
			if err := enc.Encode(stdioError{Message: "invalid request: " + err.Error()}); err != nil {
				return errors.Wrap(err, "failed to write response")
			}
			continue
		}
		if err := enc.Encode(handleStdio(ctx, e, req)); err != nil {
			return errors.Wrap(err, "failed to write response")
		}
	}
	return errors.Wrap(scanner.Err(), "failed to read requests")
}

func handleStdio(ctx context.Context, e *engine, req stdioRequest) any {
	switch req.Op {
	case "", "execute":
		if req.Skill == "" {
			return stdioError{Message: "skill is required"}
		}
		return e.registry.Execute(ctx, req.Skill, req.Request, req.Params)
	case "match":
		return e.registry.ExecuteMatching(ctx, req.Request, req.Params)
	case "discover":
		return map[string]any{"skills": e.cache.Discovery()}
	case "activate":
		info, ok := e.cache.Activation(req.Skill)
		if !ok {
			return stdioError{Message: skills.NewNotFoundError(req.Skill).Error()}
		}
		return info
	case "prepare":
		info, ok := e.cache.Prepare(req.Skill)
		if !ok {
			return stdioError{Message: skills.NewNotFoundError(req.Skill).Error()}
		}
		return info
	}
	return stdioError{Message: fmt.Sprintf("unknown op %q", req.Op)}
}
