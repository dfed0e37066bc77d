// Package p2pclient implements transport.Transport as a brokerless topic bus
// on libp2p gossipsub.
//
// Each physical topic becomes one gossipsub topic. Peers are found through
// bootstrap multiaddrs and, optionally, mDNS on the local network, which makes
// the client usable on LANs and edge deployments without an MQTT or NATS
// broker.
//
// Gossipsub has no topic hierarchy, so wildcard subscriptions are rejected
// with an invalid-argument error and WildcardSubscribed never matches.
//
//	c, err := p2pclient.NewClient(
//		p2pclient.WithListenAddrs("/ip4/0.0.0.0/tcp/4001"),
//		p2pclient.WithMDNS("nutella"),
//	)
//	if err != nil {
//		return err
//	}
//	eng, err := engine.New(c, ns, handler)
//
// A client "connects" by starting its libp2p host; it stays connected until
// Close since there is no broker connection to lose.
package p2pclient
