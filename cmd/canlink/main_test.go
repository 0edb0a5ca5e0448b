package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notnil/canlink"
	"github.com/notnil/canlink/config"
	"github.com/notnil/canlink/internal/simnode"
	"github.com/notnil/canlink/network"
)

func testNetwork(t *testing.T) (*canlink.Network, *prometheus.Registry) {
	t.Helper()
	cfg := config.Default()
	cfg.ScanSettle = 20 * time.Millisecond
	cfg.LSSTimeout = 50 * time.Millisecond
	reg := prometheus.NewRegistry()
	n, err := canlink.New(cfg, canlink.WithRegistry(reg))
	require.NoError(t, err)
	return n, reg
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestServeReleasesBusWhenStartFails(t *testing.T) {
	n, reg := testNetwork(t)
	err := serve(context.Background(), quiet, n, reg, "")
	assert.ErrorIs(t, err, network.ErrNoNodesFound)
	assert.Nil(t, n.Handle())

	// the channel is free again
	require.NoError(t, n.Open())
	require.NoError(t, n.Disconnect())
}

func TestServeRunsUntilCancelled(t *testing.T) {
	n, reg := testNetwork(t)
	sim := simnode.Start(n.Binding().Virtual().Bus("vcan0").Open(), simnode.Config{ID: 5})
	defer sim.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, quiet, n, reg, "127.0.0.1:0") }()
	require.Eventually(t, func() bool { return len(n.Devices()) == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	assert.Nil(t, n.Handle())
	assert.Empty(t, n.Devices())
}
