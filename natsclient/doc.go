// Package natsclient implements transport.Transport on NATS core pub/sub.
//
// Nutella topics are slash separated; NATS subjects are dot separated. The
// client maps between them at its edge:
//
//	/nutella/apps/wallcology/runs/default/echo    <->  nutella.apps.wallcology.runs.default.echo
//	/nutella/apps/wallcology/runs/default/#       <->  nutella.apps.wallcology.runs.default.>
//
// Delivery is at-most-once, the same as the MQTT transport. JetStream is not
// used.
//
// The client disables the NATS library's own reconnect loop. When the server
// goes away the listener's OnConnectionClosed fires, subscriptions are gone,
// and the engine's recovery calls Connect again and replays what it needs.
// Repeated connect failures open a circuit breaker:
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("nutella-c1"),
//	    natsclient.WithCircuitBreakerThreshold(5),
//	    natsclient.WithMetrics(registry),
//	)
//	if err != nil {
//	    return err
//	}
//	client.SetListener(engine)
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//
// NewTestClient starts a throwaway NATS server with testcontainers for
// integration tests.
package natsclient
