// Package plugin implements the host's plugin lifecycle: discovery of
// plugin directories, manifest validation, sandboxed execution of the
// init and destroy lifecycle calls, ownership tracking for everything a
// plugin registers, and durable enabled/disabled flags.
//
// A plugin is a directory under the plugins root containing a
// plugin.json manifest and a Lua entry module. The entry module exports
// init(host) and optionally destroy(). Plugins interact with the host
// exclusively through the capability surface passed to init; see the
// api subpackage.
package plugin
