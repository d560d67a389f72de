// Package testutil provides in-memory infrastructure for tests: a NATS-compatible message
// bus, a key/value store shaped like natsclient.KVStore, and a throwaway PKI for TLS tests.
//
// MockNATSClient has the Publish, Request and Subscribe methods the bus transport needs, so
// tests exercise request/reply, queue groups and wildcards without a server:
//
//	conn := testutil.NewMockNATSClient()
//	defer conn.Close()
//	unsub, _ := conn.Subscribe("svc.echo", "", func(m *nats.Msg) {
//		_ = conn.Publish(ctx, m.Reply, m.Data)
//	})
//	reply, err := conn.Request(ctx, "svc.echo", []byte("hi"))
//
// NewPKI writes a CA, a localhost server certificate and a client certificate under
// t.TempDir for exercising every TLS verification mode.
package testutil
