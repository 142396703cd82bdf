// Package luaplugin runs skills written in Lua. Each plugin is an isolated
// loading context: its modules are compiled from one artifact, executed in
// sandboxed interpreter states that share nothing with the host or with
// other plugins, and released together by Close.
package luaplugin

import (
	"bytes"
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/jingkaihe/skillet/pkg/logger"
)

const (
	// DirName is the per-skill directory holding Lua sources.
	DirName = "lua"
	// ArchiveExt is the extension of a packaged Lua skill.
	ArchiveExt = ".zip"

	defaultMaxIdle = 4
)

// Option configures a Plugin.
type Option func(*Plugin)

// WithMaxIdle bounds how many idle interpreter states are kept for reuse.
func WithMaxIdle(n int) Option {
	return func(p *Plugin) {
		if n > 0 {
			p.maxIdle = n
		}
	}
}

// WithLogger sets the entry that receives the output of Lua print calls.
func WithLogger(entry *logrus.Entry) Option {
	return func(p *Plugin) {
		p.log = entry
	}
}

// Plugin is one loaded Lua artifact.
type Plugin struct {
	name string
	main string
	src  *source
	log  *logrus.Entry

	protoMu sync.Mutex
	protos  map[string]*lua.FunctionProto

	mu      sync.Mutex
	idle    []*lua.LState
	maxIdle int
	active  int
	closed  bool
}

// OpenDir loads main from the Lua sources under dir.
func OpenDir(ctx context.Context, name, dir, main string, opts ...Option) (*Plugin, error) {
	src, err := dirSource(dir)
	if err != nil {
		return nil, err
	}
	return open(ctx, name, src, main, opts...)
}

// OpenArchive loads main from a zip archive.
func OpenArchive(ctx context.Context, name, archive, main string, opts ...Option) (*Plugin, error) {
	src, err := archiveSource(archive)
	if err != nil {
		return nil, err
	}
	return open(ctx, name, src, main, opts...)
}

func open(ctx context.Context, name string, src *source, main string, opts ...Option) (*Plugin, error) {
	p := &Plugin{
		name:    name,
		main:    main,
		src:     src,
		log:     logger.G(ctx).WithField("skill", name),
		protos:  make(map[string]*lua.FunctionProto),
		maxIdle: defaultMaxIdle,
	}
	for _, opt := range opts {
		opt(p)
	}

	// Instantiate once up front so a broken module fails the load rather
	// than the first execution.
	L, err := p.newState(ctx)
	if err != nil {
		src.Close()
		return nil, err
	}
	if _, ok := L.GetGlobal("execute").(*lua.LFunction); !ok {
		L.Close()
		src.Close()
		return nil, errors.Errorf("lua module %s does not define an execute function", main)
	}
	p.put(L, false)

	p.log.WithField("origin", src.origin).Debug("lua plugin loaded")
	return p, nil
}

// Close releases every idle interpreter state and the artifact. States in
// use are closed as soon as their call returns.
func (p *Plugin) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, L := range idle {
		L.Close()
	}
	return p.src.Close()
}

// Stats reports the number of idle and in-use interpreter states.
func (p *Plugin) Stats() (idle, active int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), p.active
}

func (p *Plugin) get(ctx context.Context) (*lua.LState, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.Errorf("lua plugin %s is closed", p.name)
	}
	p.active++
	if n := len(p.idle); n > 0 {
		L := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return L, nil
	}
	p.mu.Unlock()

	L, err := p.newState(ctx)
	if err != nil {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		return nil, err
	}
	return L, nil
}

// put returns L to the pool. A state whose call failed is discarded since
// its globals may be half updated.
func (p *Plugin) put(L *lua.LState, discard bool) {
	p.mu.Lock()
	if p.active > 0 {
		p.active--
	}
	if discard || p.closed || len(p.idle) >= p.maxIdle {
		p.mu.Unlock()
		L.Close()
		return
	}
	p.idle = append(p.idle, L)
	p.mu.Unlock()
}

func (p *Plugin) newState(ctx context.Context) (*lua.LState, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibs(L)
	p.installPrint(L)
	p.installRequire(L)

	proto, err := p.compile(p.main)
	if err != nil {
		L.Close()
		return nil, err
	}

	L.SetContext(ctx)
	defer L.RemoveContext()

	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, 0, nil); err != nil {
		L.Close()
		return nil, errors.Wrapf(err, "failed to run lua module %s", p.main)
	}
	return L, nil
}

// compile returns the cached bytecode of module, compiling it on first use.
func (p *Plugin) compile(module string) (*lua.FunctionProto, error) {
	p.protoMu.Lock()
	defer p.protoMu.Unlock()

	if proto, ok := p.protos[module]; ok {
		return proto, nil
	}

	file, err := p.src.resolve(module)
	if err != nil {
		return nil, err
	}
	code, err := p.src.read(file)
	if err != nil {
		return nil, err
	}
	chunk, err := parse.Parse(bytes.NewReader(code), file)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", file)
	}
	proto, err := lua.Compile(chunk, file)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to compile %s", file)
	}
	p.protos[module] = proto
	return proto, nil
}
