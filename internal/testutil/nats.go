package testutil

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// StartServer starts an embedded NATS server on a random port and returns a
// connected client. The cleanup function shuts both down.
func StartServer(t *testing.T) (*nats.Conn, func()) {
	t.Helper()

	s := runServer(t, false)

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)

	return nc, func() {
		nc.Close()
		s.Shutdown()
	}
}

// StartJetStream starts an embedded NATS server with JetStream enabled and
// returns a connected client plus its JetStream context.
func StartJetStream(t *testing.T) (*nats.Conn, nats.JetStreamContext, func()) {
	t.Helper()

	s := runServer(t, true)

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)

	js, err := nc.JetStream(nats.MaxWait(5 * time.Second))
	require.NoError(t, err)

	return nc, js, func() {
		nc.Close()
		s.Shutdown()
	}
}

func runServer(t *testing.T, jetstream bool) *server.Server {
	t.Helper()

	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   server.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	}
	if jetstream {
		opts.JetStream = true
		opts.StoreDir = t.TempDir()
	}

	s, err := server.NewServer(opts)
	require.NoError(t, err)

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("Unable to start NATS server")
	}

	t.Cleanup(s.Shutdown)
	return s
}

// WaitFor polls condition until it holds or the timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, condition func() bool) bool {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return condition()
}
