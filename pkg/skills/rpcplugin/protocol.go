// Package rpcplugin runs skills as separate executables over hashicorp
// go-plugin's net/rpc protocol. The subprocess is the isolated loading
// context: killing it releases everything the skill held.
package rpcplugin

import (
	"context"
	"encoding/json"
	"net/rpc"
	"time"

	"github.com/hashicorp/go-plugin"
	"github.com/pkg/errors"

	"github.com/jingkaihe/skillet/pkg/skills"
)

// PluginName is the name the skill is dispensed under.
const PluginName = "skill"

// BinDir is the per-skill directory holding plugin executables.
const BinDir = "bin"

// Handshake must match between skillet and plugin executables.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "SKILLET_PLUGIN",
	MagicCookieValue: "skillet_skill_v1",
}

// Handler is implemented by plugin authors.
type Handler interface {
	CanHandle(request string) bool
	Execute(ctx context.Context, request string, params map[string]any) (*skills.Result, error)
}

// ExecuteArgs is the wire form of an execution request. Params are JSON so
// that arbitrary values survive gob encoding.
type ExecuteArgs struct {
	Request   string
	Params    []byte
	TimeoutMS int64
}

// ExecuteReply is the wire form of a Result. Error is set when the handler
// returned an error rather than a Result.
type ExecuteReply struct {
	Success  bool
	Message  string
	Data     []byte
	Metadata []byte
	Error    string
}

// SkillPlugin is the go-plugin Plugin for skills. Impl is only set on the
// plugin side.
type SkillPlugin struct {
	Impl Handler
}

var _ plugin.Plugin = (*SkillPlugin)(nil)

func (p *SkillPlugin) Server(*plugin.MuxBroker) (any, error) {
	return &RPCServer{Impl: p.Impl}, nil
}

func (p *SkillPlugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (any, error) {
	return &RPCClient{client: c}, nil
}

// PluginMap is the plugin set served and dispensed by skillet.
func PluginMap(impl Handler) map[string]plugin.Plugin {
	return map[string]plugin.Plugin{PluginName: &SkillPlugin{Impl: impl}}
}

// RPCServer adapts a Handler to net/rpc.
type RPCServer struct {
	Impl Handler
}

func (s *RPCServer) CanHandle(request string, reply *bool) error {
	*reply = s.Impl.CanHandle(request)
	return nil
}

func (s *RPCServer) Execute(args ExecuteArgs, reply *ExecuteReply) error {
	var params map[string]any
	if len(args.Params) > 0 {
		if err := json.Unmarshal(args.Params, &params); err != nil {
			return errors.Wrap(err, "failed to decode params")
		}
	}

	ctx := context.Background()
	if args.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(args.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	res, err := s.Impl.Execute(ctx, args.Request, params)
	if err != nil {
		reply.Error = err.Error()
		return nil
	}
	if res == nil {
		reply.Error = "skill returned no result"
		return nil
	}

	reply.Success = res.IsSuccess()
	reply.Message = res.Message()
	if reply.Data, err = json.Marshal(res.Data()); err != nil {
		return errors.Wrap(err, "failed to encode result data")
	}
	if md := res.Metadata(); len(md) > 0 {
		if reply.Metadata, err = json.Marshal(md); err != nil {
			return errors.Wrap(err, "failed to encode result metadata")
		}
	}
	return nil
}

// RPCClient is the host side of the connection.
type RPCClient struct {
	client *rpc.Client
}

// CanHandle asks the plugin whether it handles request.
func (c *RPCClient) CanHandle(request string) (bool, error) {
	var ok bool
	err := c.client.Call("Plugin.CanHandle", request, &ok)
	return ok, errors.Wrap(err, "rpc CanHandle failed")
}

// Execute runs the request remotely. The deadline of ctx is forwarded; on
// cancellation the call is abandoned and ctx.Err() returned.
func (c *RPCClient) Execute(ctx context.Context, request string, params map[string]any) (*ExecuteReply, error) {
	args := ExecuteArgs{Request: request}
	if len(params) > 0 {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode params")
		}
		args.Params = b
	}
	if deadline, ok := ctx.Deadline(); ok {
		args.TimeoutMS = max(time.Until(deadline).Milliseconds(), 1)
	}

	reply := &ExecuteReply{}
	call := c.client.Go("Plugin.Execute", args, reply, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
		if call.Error != nil {
			return nil, errors.Wrap(call.Error, "rpc Execute failed")
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
