// Package config loads the fleet daemon configuration and evaluates the
// Starlark hooks used while building migration chains.
//
// # Files
//
// A configuration is a .cue or a .yaml file. Both are checked against the
// builtin #Config CUE schema, applied on top of Default and validated with
// struct tags:
//
//	node_id: 3
//	threads: 8
//	poll_interval: "500ms"
//	handlers: {
//	    "7201": "firewall.reg_ips/firewall.unreg_ips"
//	}
//	telemetry: metrics: {enabled: true, listen: "0.0.0.0:9465"}
//
// Entries of handlers override the default table per type code, every other
// field replaces the default.
//
// # Hooks
//
// Hook scripts define hook(vps, running, dst_node) and return a list of
// steps or None:
//
//	def hook(vps, running, dst_node):
//	    if not running:
//	        return None
//	    return [{"type": 10001, "node": "dst"}]
//
// Scripts run without filesystem or network access and are cancelled after
// the configured timeout.
//
// # Reloading
//
// Watcher observes the configuration file with fsnotify and hands every
// valid new version to a callback. Invalid versions are logged and ignored.
package config
