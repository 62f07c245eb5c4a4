package ipc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Maphikza/datafi-verifier.git/internal/events"
)

func socketPath(t *testing.T) string {
	t.Helper()
	// t.TempDir paths can exceed the unix socket path limit.
	dir, err := os.MkdirTemp("", "ipc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "d.sock")
}

func startServer(t *testing.T, handler Handler) (*Server, string) {
	t.Helper()
	path := socketPath(t)
	srv, err := NewServer(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, handler)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv, path
}

func echo(cmd Command) (interface{}, error) {
	if cmd.Command == "fail" {
		return nil, errors.New("pool not found")
	}
	return map[string]interface{}{"command": cmd.Command, "args": cmd.Args}, nil
}

func TestSendCommand(t *testing.T) {
	_, path := startServer(t, echo)

	client, err := NewClient(path)
	require.NoError(t, err)
	defer client.Close()

	var out struct {
		Command string   `json:"command"`
		Args    []string `json:"args"`
	}
	require.NoError(t, client.SendCommand("pools", []string{"a", "b"}, &out))
	assert.Equal(t, "pools", out.Command)
	assert.Equal(t, []string{"a", "b"}, out.Args)
}

func TestSendCommandError(t *testing.T) {
	_, path := startServer(t, echo)

	client, err := NewClient(path)
	require.NoError(t, err)
	defer client.Close()

	err = client.SendCommand("fail", nil, nil)
	require.Error(t, err)
	assert.Equal(t, "pool not found", err.Error())
}

func TestSubscribeReceivesForwardedEvents(t *testing.T) {
	srv, path := startServer(t, echo)
	bus := events.NewBus()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Forward(ctx, bus)

	client, err := NewClient(path)
	require.NoError(t, err)

	received := make(chan events.Event, 1)
	go client.Subscribe(ctx, func(e events.Event) { received <- e })

	// Keep publishing until the subscription has registered.
	deadline := time.After(5 * time.Second)
	for {
		bus.Publish(events.Event{Type: events.StepCompleted, Pool: "0xpool", Step: "identity"})
		select {
		case e := <-received:
			assert.Equal(t, events.StepCompleted, e.Type)
			assert.Equal(t, "identity", e.Step)
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}

func TestStaleSocketIsReplaced(t *testing.T) {
	path := socketPath(t)
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0600))

	srv, err := NewServer(path)
	require.NoError(t, err)
	require.NoError(t, srv.Close())
}
