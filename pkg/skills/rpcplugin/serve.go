package rpcplugin

import (
	"github.com/hashicorp/go-plugin"
)

// Serve runs impl as a skill plugin. It is called from the main function of
// a plugin executable and blocks until skillet disconnects.
func Serve(impl Handler) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         PluginMap(impl),
	})
}
