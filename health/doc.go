// Package health describes the health of an engine and of a process that runs
// one or more of them.
//
// The engine fills in a Report from its transport and tables and FromReport
// turns it into a Status:
//
//	status := health.FromReport("engine", health.Report{
//	    Connected:     tr.IsConnected(),
//	    Subscriptions: 3,
//	})
//	// status.Status == "healthy"
//
// A Monitor collects statuses from several sources and aggregates them; the
// tap server exposes the aggregate as JSON.
package health
