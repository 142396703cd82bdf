package skills

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/telemetry"
	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = telemetry.Tracer("skillet.skills")

// Registry is the concurrent name to skill map serving every lookup and
// execution. Iteration follows registration order; re-registering a name
// moves it to the end.
type Registry struct {
	mu     sync.RWMutex
	skills *orderedmap.OrderedMap[string, *LoadedSkill]

	listenersMu           sync.RWMutex
	listenerSeq           uint64
	listeners             []listenerEntry[Listener]
	registrationListeners []listenerEntry[RegistrationListener]

	timeout time.Duration
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithExecutionTimeout bounds every execution. Zero disables the deadline.
func WithExecutionTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.timeout = d
	}
}

// WithListeners registers execution listeners at construction time.
func WithListeners(listeners ...Listener) RegistryOption {
	return func(r *Registry) {
		for _, l := range listeners {
			r.addListener(l)
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		skills: orderedmap.New[string, *LoadedSkill](),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds ls under its name. An existing skill with the same name is
// replaced and its isolated loading context released after the swap.
func (r *Registry) Register(ctx context.Context, ls *LoadedSkill) {
	name := ls.Name()

	r.mu.Lock()
	previous, replaced := r.skills.Delete(name)
	r.skills.Set(name, ls)
	r.mu.Unlock()

	log := logger.G(ctx).WithField("skill", name)
	if replaced {
		if previous != ls {
			r.release(ctx, previous)
			r.notifyUnregistered(ctx, previous)
		}
		log.Debug("replaced registered skill")
	} else {
		log.Debug("registered skill")
	}
	r.notifyRegistered(ctx, ls)
}

// RegisterSkill registers a host-provided instance that has no descriptor file.
func (r *Registry) RegisterSkill(ctx context.Context, s Skill) *LoadedSkill {
	ls := &LoadedSkill{
		Descriptor: DescriptorFromSkill(s),
		Skill:      s,
		Variant:    VariantNative,
		LoadedAt:   time.Now(),
	}
	r.Register(ctx, ls)
	return ls
}

// Unregister removes the named skill and releases its isolated loading
// context before returning. It reports whether a skill was removed.
func (r *Registry) Unregister(ctx context.Context, name string) bool {
	r.mu.Lock()
	ls, ok := r.skills.Delete(name)
	r.mu.Unlock()

	if !ok {
		return false
	}

	r.release(ctx, ls)
	r.notifyUnregistered(ctx, ls)
	logger.G(ctx).WithField("skill", name).Debug("unregistered skill")
	return true
}

func (r *Registry) release(ctx context.Context, ls *LoadedSkill) {
	if err := ls.Release(); err != nil {
		logger.G(ctx).WithError(err).WithField("skill", ls.Name()).Warn("failed to release isolated context")
	}
}

// Get returns the named skill.
func (r *Registry) Get(name string) (*LoadedSkill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.skills.Get(name)
}

// List returns all skills in registration order.
func (r *Registry) List() []*LoadedSkill {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*LoadedSkill, 0, r.skills.Len())
	for pair := r.skills.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Names returns the registered names sorted alphabetically.
func (r *Registry) Names() []string {
	skills := r.List()
	names := make([]string, 0, len(skills))
	for _, ls := range skills {
		names = append(names, ls.Name())
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered skills.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.skills.Len()
}

// Find returns the first skill, in registration order, whose CanHandle
// accepts the request.
func (r *Registry) Find(request string) (*LoadedSkill, bool) {
	for _, ls := range r.List() {
		if canHandle(ls.Skill, request) {
			return ls, true
		}
	}
	return nil, false
}

func canHandle(s Skill, request string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return s.CanHandle(request)
}

// Search returns the skills whose descriptor matches any of the keywords.
func (r *Registry) Search(keywords ...string) []*LoadedSkill {
	var out []*LoadedSkill
	for _, ls := range r.List() {
		if ls.Descriptor != nil && ls.Descriptor.Matches(keywords...) {
			out = append(out, ls)
		}
	}
	return out
}

// listenerEntry pairs a listener with the id its remove function uses.
// Listeners are not compared directly: ListenerFuncs is not comparable.
type listenerEntry[T any] struct {
	id       uint64
	listener T
}

// AddListener registers an execution listener and returns a function that
// removes it again. Calling remove more than once is a no-op.
func (r *Registry) AddListener(l Listener) (remove func()) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	id := r.addListener(l)
	return func() {
		r.listenersMu.Lock()
		defer r.listenersMu.Unlock()
		r.listeners = slices.DeleteFunc(r.listeners, func(e listenerEntry[Listener]) bool { return e.id == id })
	}
}

// addListener appends l. Callers hold listenersMu or own r exclusively.
func (r *Registry) addListener(l Listener) uint64 {
	r.listenerSeq++
	r.listeners = append(r.listeners, listenerEntry[Listener]{id: r.listenerSeq, listener: l})
	return r.listenerSeq
}

// AddRegistrationListener registers a membership listener and returns a
// function that removes it again.
func (r *Registry) AddRegistrationListener(l RegistrationListener) (remove func()) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listenerSeq++
	id := r.listenerSeq
	r.registrationListeners = append(r.registrationListeners, listenerEntry[RegistrationListener]{id: id, listener: l})
	return func() {
		r.listenersMu.Lock()
		defer r.listenersMu.Unlock()
		r.registrationListeners = slices.DeleteFunc(r.registrationListeners, func(e listenerEntry[RegistrationListener]) bool { return e.id == id })
	}
}

// Execute runs the named skill. It never returns an error: a missing skill,
// missing required parameters, a returned error, a panic or an exceeded
// deadline are all reported as a failed Result.
func (r *Registry) Execute(ctx context.Context, name, request string, params map[string]any) *Result {
	ls, ok := r.Get(name)
	if !ok {
		return NewFailure(name, "Skill not found: "+name,
			WithMetadata("error", string(KindNotFound)),
			WithMetadata("request", request))
	}
	return r.execute(ctx, ls, request, params)
}

// ExecuteMatching finds a skill that can handle the request and executes it.
func (r *Registry) ExecuteMatching(ctx context.Context, request string, params map[string]any) *Result {
	ls, ok := r.Find(request)
	if !ok {
		return NewFailure("", "No skill can handle request",
			WithMetadata("error", string(KindNotFound)),
			WithMetadata("request", request))
	}
	return r.execute(ctx, ls, request, params)
}

func (r *Registry) execute(ctx context.Context, ls *LoadedSkill, request string, params map[string]any) *Result {
	name := ls.Name()
	ev := ExecutionEvent{
		ID:        uuid.NewString(),
		Skill:     name,
		Request:   request,
		Params:    params,
		StartedAt: time.Now(),
	}

	ctx, span := tracer.Start(ctx, "skills.execute", trace.WithAttributes(
		attribute.String("skill.name", name),
		attribute.String("skill.variant", string(ls.Variant)),
		attribute.String("execution.id", ev.ID),
	))
	defer span.End()

	log := logger.G(ctx).WithField("skill", name).WithField("execution_id", ev.ID)
	ctx = logger.WithLogger(ctx, log)

	r.notify(ctx, func(l Listener) { l.OnExecutionStarted(ctx, ev) })

	result, err := r.invoke(ctx, ls, request, params)
	ev.Duration = time.Since(ev.StartedAt)

	if err != nil {
		kind := KindOf(err)
		if kind == "" {
			kind = KindExecution
		}
		message := "Skill execution failed: " + errors.Cause(err).Error()
		if kind == KindValidation {
			message = errors.Cause(err).Error()
		}
		ev.Err = err
		ev.Result = NewFailure(name, message,
			WithMetadata("error", string(kind)),
			WithMetadata("error_type", fmt.Sprintf("%T", errors.Cause(err))),
			WithMetadata("request", request))

		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		log.WithError(err).WithField("duration", ev.Duration).Warn("skill execution failed")
		r.notify(ctx, func(l Listener) { l.OnExecutionFailed(ctx, ev) })
		return ev.Result
	}

	if result.SkillName() == "" {
		result = result.WithSkillName(name)
	}
	ev.Result = result

	span.SetAttributes(attribute.Bool("skill.success", result.IsSuccess()))
	span.SetStatus(codes.Ok, "")
	log.WithField("duration", ev.Duration).WithField("success", result.IsSuccess()).Debug("skill execution completed")
	r.notify(ctx, func(l Listener) { l.OnExecutionCompleted(ctx, ev) })
	return result
}

// invoke calls the instance with the required-parameter check, deadline and
// panic recovery applied.
func (r *Registry) invoke(ctx context.Context, ls *LoadedSkill, request string, params map[string]any) (*Result, error) {
	if missing := missingParameters(ls.Skill.RequiredParameters(), params); len(missing) > 0 {
		return nil, &Error{
			Kind:  KindValidation,
			Skill: ls.Name(),
			Err:   errors.Errorf("Missing required parameters: %s", strings.Join(missing, ", ")),
		}
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				logger.G(ctx).WithField("stack", string(debug.Stack())).Error("skill panicked")
				done <- outcome{err: NewExecutionError(ls.Name(), errors.Errorf("panic: %v", p))}
			}
		}()
		res, err := ls.Skill.Execute(ctx, request, params)
		if err == nil && res == nil {
			err = errors.New("skill returned no result")
		}
		if err != nil && KindOf(err) == "" {
			err = NewExecutionError(ls.Name(), err)
		}
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		kind := KindExecution
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return nil, &Error{Kind: kind, Skill: ls.Name(), Err: ctx.Err()}
	}
}

func missingParameters(required map[string]string, params map[string]any) []string {
	var missing []string
	for name := range required {
		if _, ok := params[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

func (r *Registry) snapshotListeners() ([]Listener, []RegistrationListener) {
	r.listenersMu.RLock()
	defer r.listenersMu.RUnlock()

	listeners := make([]Listener, 0, len(r.listeners))
	for _, e := range r.listeners {
		listeners = append(listeners, e.listener)
	}
	registration := make([]RegistrationListener, 0, len(r.registrationListeners))
	for _, e := range r.registrationListeners {
		registration = append(registration, e.listener)
	}
	return listeners, registration
}

func (r *Registry) notify(ctx context.Context, fn func(Listener)) {
	listeners, _ := r.snapshotListeners()
	for _, l := range listeners {
		guard(ctx, "execution listener", func() { fn(l) })
	}
}

func (r *Registry) notifyRegistered(ctx context.Context, ls *LoadedSkill) {
	_, listeners := r.snapshotListeners()
	for _, l := range listeners {
		guard(ctx, "registration listener", func() { l.OnSkillRegistered(ctx, ls) })
	}
}

func (r *Registry) notifyUnregistered(ctx context.Context, ls *LoadedSkill) {
	_, listeners := r.snapshotListeners()
	for _, l := range listeners {
		guard(ctx, "registration listener", func() { l.OnSkillUnregistered(ctx, ls) })
	}
}

func guard(ctx context.Context, what string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			logger.G(ctx).WithField("panic", p).Warnf("%s panicked", what)
		}
	}()
	fn()
}

// Close unregisters every skill and releases all isolated contexts.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*LoadedSkill, 0, r.skills.Len())
	for pair := r.skills.Oldest(); pair != nil; pair = pair.Next() {
		all = append(all, pair.Value)
	}
	r.skills = orderedmap.New[string, *LoadedSkill]()
	r.mu.Unlock()

	var result *multierror.Error
	for _, ls := range all {
		if err := ls.Release(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "failed to release %s", ls.Name()))
		}
		r.notifyUnregistered(ctx, ls)
	}
	return result.ErrorOrNil()
}
