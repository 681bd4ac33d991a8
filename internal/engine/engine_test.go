package engine

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Galanafai/Hivemind/internal/config"
	"github.com/Galanafai/Hivemind/internal/packet"
	"github.com/Galanafai/Hivemind/internal/trust"
)

type engineFixture struct {
	engine    *Engine
	agentPriv ed25519.PrivateKey
	tokBytes  []byte
}

func newEngineFixture(t *testing.T, run bool) *engineFixture {
	t.Helper()

	rootPub, rootPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	agentPub, agentPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	e, err := New(config.EmptyTuningConfig(), rootPub, nil)
	require.NoError(t, err)

	if run {
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		go e.Run(ctx)
	}

	now := time.Now().UnixMilli()
	tok, err := trust.IssueRoot(rootPriv, trust.Policy{
		Subject:     "agent-a",
		Topics:      []string{"zone_A"},
		Regions:     []string{"*"},
		NotBeforeMs: now - 60_000,
		NotAfterMs:  now + 3_600_000,
	}, agentPub)
	require.NoError(t, err)
	tokBytes, err := tok.Encode()
	require.NoError(t, err)

	return &engineFixture{engine: e, agentPriv: agentPriv, tokBytes: tokBytes}
}

func (f *engineFixture) signedPacket(t *testing.T, id string) *packet.SignedPacket {
	t.Helper()
	p, err := packet.Sign(packet.Observation{
		ID:          id,
		AgentID:     "agent-a",
		TimestampMs: time.Now().UnixMilli(),
		Position:    [3]float64{37.7749, -122.4194, 10},
		PositionCov: [9]float64{4, 0, 0, 0, 4, 0, 0, 0, 4},
		Class:       "pedestrian",
		Confidence:  0.9,
		Topic:       "zone_A",
		Region:      "sf-soma",
	}, f.tokBytes, f.agentPriv)
	require.NoError(t, err)
	return p
}

func TestIngestAdmitsAndProcesses(t *testing.T) {
	f := newEngineFixture(t, true)

	wire, err := f.signedPacket(t, "obs-1").Encode()
	require.NoError(t, err)
	require.NoError(t, f.engine.Ingest(wire))

	require.Eventually(t, func() bool {
		return f.engine.Tracks().TrackCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), f.engine.Telemetry().Read().Admitted)
}

func TestIngestRejectsTampered(t *testing.T) {
	f := newEngineFixture(t, true)

	p := f.signedPacket(t, "obs-2")
	p.Signature[3] ^= 0x40
	wire, err := p.Encode()
	require.NoError(t, err)

	err = f.engine.Ingest(wire)
	require.Error(t, err)
	assert.ErrorIs(t, err, trust.ErrInvalidSignature)
	assert.Equal(t, int64(1), f.engine.Telemetry().Read().InvalidSignature)
	assert.Equal(t, 0, f.engine.Tracks().TrackCount())
}

func TestIngestRejectsGarbage(t *testing.T) {
	f := newEngineFixture(t, false)

	err := f.engine.Ingest([]byte{0x00, 0x01})
	require.Error(t, err)
	assert.Equal(t, int64(1), f.engine.Telemetry().Read().MalformedPacket)
}

func TestShutdownDrainsQueue(t *testing.T) {
	f := newEngineFixture(t, false)

	// Enqueue while no consumer runs.
	for _, id := range []string{"obs-a", "obs-b"} {
		wire, err := f.signedPacket(t, id).Encode()
		require.NoError(t, err)
		require.NoError(t, f.engine.Ingest(wire))
	}
	assert.Equal(t, 0, f.engine.Tracks().TrackCount())

	// Run with an already-cancelled context: shutdown drains the queue.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.engine.Run(ctx)

	// Both observations describe the same point, so they fuse into one
	// track whose alias set records both.
	require.Equal(t, 1, f.engine.Tracks().TrackCount())
	snap, ok := f.engine.Tracks().Get("obs-a")
	require.True(t, ok)
	assert.Equal(t, "obs-a", snap.CanonicalID)
	assert.Equal(t, 2, snap.AliasCount)
}
