// Package natstest runs an embedded NATS server with JetStream for tests.
package natstest

import (
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Start launches a server on a random port and stops it when tb ends.
func Start(tb testing.TB) *natsserver.Server {
	tb.Helper()
	opts := &natsserver.Options{
		Host:               "127.0.0.1",
		Port:               -1,
		JetStream:          true,
		JetStreamMaxMemory: 64 << 20,
		JetStreamMaxStore:  64 << 20,
		StoreDir:           tb.TempDir(),
		NoLog:              true,
		NoSigs:             true,
	}
	ns, err := natsserver.NewServer(opts)
	if err != nil {
		tb.Fatalf("create test NATS server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		tb.Fatal("test NATS server failed to start")
	}
	tb.Cleanup(ns.Shutdown)
	return ns
}

// Connect starts a server and returns a client connected to it.
func Connect(tb testing.TB) (*natsserver.Server, *nats.Conn) {
	tb.Helper()
	ns := Start(tb)
	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		tb.Fatalf("connect to test NATS: %v", err)
	}
	tb.Cleanup(nc.Close)
	return ns, nc
}
