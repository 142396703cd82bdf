package rpcplugin

import (
	"context"
	"encoding/json"
	"maps"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/go-plugin"
	"github.com/pkg/errors"

	"github.com/jingkaihe/skillet/pkg/logger"
	"github.com/jingkaihe/skillet/pkg/skills"
)

const defaultStartTimeout = 10 * time.Second

// Option configures Open.
type Option func(*plugin.ClientConfig)

// WithStartTimeout bounds how long the executable may take to complete the
// handshake.
func WithStartTimeout(d time.Duration) Option {
	return func(c *plugin.ClientConfig) {
		c.StartTimeout = d
	}
}

// WithEnv adds environment variables for the plugin process on top of the
// host environment.
func WithEnv(env ...string) Option {
	return func(c *plugin.ClientConfig) {
		c.Cmd.Env = append(c.Cmd.Env, env...)
	}
}

// Plugin is a running plugin process.
type Plugin struct {
	name   string
	client *plugin.Client
	remote *RPCClient
	once   sync.Once
}

// Open starts the executable at binary and dispenses its skill.
func Open(ctx context.Context, name, binary string, opts ...Option) (*Plugin, error) {
	info, err := os.Stat(binary)
	if err != nil {
		return nil, errors.Wrap(err, "plugin executable check failed")
	}
	if !info.Mode().IsRegular() || info.Mode()&0o111 == 0 {
		return nil, errors.Errorf("plugin %s is not executable", binary)
	}

	log := logger.G(ctx).WithField("skill", name)
	cfg := &plugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          PluginMap(nil),
		Cmd:              exec.Command(binary),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
		Logger:           logger.NewHCLogAdapter(log, "plugin."+name),
		StartTimeout:     defaultStartTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	client := plugin.NewClient(cfg)
	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, errors.Wrap(err, "failed to connect to plugin")
	}

	raw, err := rpcClient.Dispense(PluginName)
	if err != nil {
		client.Kill()
		return nil, errors.Wrap(err, "failed to dispense plugin")
	}

	remote, ok := raw.(*RPCClient)
	if !ok {
		client.Kill()
		return nil, errors.Errorf("plugin dispensed unexpected type %T", raw)
	}

	log.WithField("binary", binary).Debug("rpc plugin started")
	return &Plugin{name: name, client: client, remote: remote}, nil
}

// Remote returns the RPC client of the plugin.
func (p *Plugin) Remote() *RPCClient { return p.remote }

// Exited reports whether the plugin process has exited.
func (p *Plugin) Exited() bool {
	return p.client.Exited()
}

// Close kills the plugin process. It is safe to call more than once.
func (p *Plugin) Close() error {
	p.once.Do(p.client.Kill)
	return nil
}

// Skill exposes a remote plugin as a skills.Skill under the identity of its
// descriptor.
type Skill struct {
	remote     *RPCClient
	descriptor *skills.Descriptor
}

var _ skills.Skill = (*Skill)(nil)

// NewSkill binds remote to d.
func NewSkill(remote *RPCClient, d *skills.Descriptor) *Skill {
	return &Skill{remote: remote, descriptor: d.Clone()}
}

func (s *Skill) Name() string         { return s.descriptor.Name }
func (s *Skill) Description() string  { return s.descriptor.Description }
func (s *Skill) Version() string      { return s.descriptor.Version }
func (s *Skill) Instructions() string { return s.descriptor.Instructions }

func (s *Skill) RequiredParameters() map[string]string {
	return maps.Clone(s.descriptor.Parameters.Required)
}

func (s *Skill) OptionalParameters() map[string]string {
	return maps.Clone(s.descriptor.Parameters.Optional)
}

// CanHandle asks the plugin. A transport failure counts as false.
func (s *Skill) CanHandle(request string) bool {
	ok, err := s.remote.CanHandle(request)
	if err != nil {
		logger.G(context.Background()).WithField("skill", s.Name()).WithError(err).Warn("can_handle failed")
		return false
	}
	return ok
}

func (s *Skill) Execute(ctx context.Context, request string, params map[string]any) (*skills.Result, error) {
	reply, err := s.remote.Execute(ctx, request, params)
	if err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, errors.New(reply.Error)
	}

	var opts []skills.ResultOption
	if len(reply.Data) > 0 {
		var data any
		if err := json.Unmarshal(reply.Data, &data); err != nil {
			return nil, errors.Wrap(err, "failed to decode result data")
		}
		if data != nil {
			opts = append(opts, skills.WithData(data))
		}
	}
	if len(reply.Metadata) > 0 {
		var md map[string]any
		if err := json.Unmarshal(reply.Metadata, &md); err != nil {
			return nil, errors.Wrap(err, "failed to decode result metadata")
		}
		opts = append(opts, skills.WithMetadataMap(md))
	}

	if !reply.Success {
		return skills.NewFailure(s.Name(), reply.Message, opts...), nil
	}
	return skills.NewSuccess(s.Name(), append(opts, skills.WithMessage(reply.Message))...), nil
}
