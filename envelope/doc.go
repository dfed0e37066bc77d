// Package envelope encodes and decodes the JSON unit Nutella components
// exchange on every physical topic:
//
//	{ "id": 42,
//	  "from": { "type": "run", "run_id": "default", "app_id": "wallcology", "component_id": "c1" },
//	  "type": "request",
//	  "payload": { "k": "v" } }
//
// The kind of an envelope is inferred from the combination of "id" and
// "type". An integral id with type "request" or "response" gives those kinds;
// no id with type "publish" gives a publish. Everything else is rejected.
//
// Decode never panics on foreign input. It returns a *DecodeError carrying a
// short reason suitable for logs and metric labels; callers discard the
// delivery. Payloads are carried as json.RawMessage and never inspected.
package envelope
