// Package correlation matches responses to the requests that caused them.
//
// A Table hands out correlation ids for outgoing requests and keeps a Pending
// entry for each until the matching response is resolved. Resolution is
// one-shot: a second response carrying the same id finds nothing.
//
// Ids come from an IDGenerator. NewCheckedRandom draws from [0, 1e9) like the
// ids other Nutella clients put on the wire, and retries on collision with an
// outstanding id. NewCounter is deterministic and suits tests and single-issuer
// deployments.
//
// The table never evicts entries on its own. Callers that want a bound on
// outstanding requests call Expire periodically.
//
//	table := correlation.NewTable(correlation.NewCheckedRandom())
//	p, err := table.Register("q", "name1", payload)
//	...
//	if p, ok := table.Resolve("q", id); ok {
//	    // deliver response for p.Name
//	}
package correlation
