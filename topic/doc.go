// Package topic maps logical Nutella channel names to the physical topics used
// on the transport, and back.
//
// Every physical topic lives under a fixed namespace built from the root, the
// application id and the run id:
//
//	/<root>/apps/<appId>/runs/<runId>/<channel>
//
// A Resolver is created once per engine and never changes:
//
//	r := topic.NewResolver(topic.DefaultRoot, "wallcology", "default")
//	physical, err := r.ToPhysical("echo_out")
//	// physical == "/nutella/apps/wallcology/runs/default/echo_out"
//
//	channel, ok := r.ToLogical(physical)
//	// channel == "echo_out", ok == true
//
// Topics that do not start with the resolver's namespace, or that carry nothing
// after it, resolve to ("", false) and must be discarded by the caller.
//
// Channels ending in the multi-level wildcard "#" are valid. When the transport
// reports that an inbound topic matched such a wildcard subscription,
// ResolveKey returns the logical wildcard channel so interest lookups use the
// same key the subscription was made with.
package topic
