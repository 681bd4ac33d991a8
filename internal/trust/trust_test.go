package trust

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Galanafai/Hivemind/internal/packet"
)

const (
	testNowMs   = int64(1700000000000)
	testPastMs  = int64(300_000)
	testSkewMs  = int64(2_000)
	testNotBef  = testNowMs - 3_600_000
	testNotAfte = testNowMs + 3_600_000
)

type fixture struct {
	rootPub   ed25519.PublicKey
	rootPriv  ed25519.PrivateKey
	agentPub  ed25519.PublicKey
	agentPriv ed25519.PrivateKey
	verifier  *Verifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rootPub, rootPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	agentPub, agentPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	v, err := NewVerifier(rootPub, testPastMs, testSkewMs)
	require.NoError(t, err)
	return &fixture{rootPub: rootPub, rootPriv: rootPriv, agentPub: agentPub, agentPriv: agentPriv, verifier: v}
}

func (f *fixture) agentPolicy() Policy {
	return Policy{
		Subject:     "agent-a",
		Topics:      []string{"zone_A"},
		Regions:     []string{"sf-*"},
		NotBeforeMs: testNotBef,
		NotAfterMs:  testNotAfte,
	}
}

func (f *fixture) observation() packet.Observation {
	return packet.Observation{
		ID:          "obs-0001",
		AgentID:     "agent-a",
		TimestampMs: testNowMs - 100,
		Position:    [3]float64{37.7749, -122.4194, 10},
		PositionCov: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
		Class:       "pedestrian",
		Confidence:  0.9,
		Topic:       "zone_A",
		Region:      "sf-soma",
	}
}

func (f *fixture) signedPacket(t *testing.T, obs packet.Observation) *packet.SignedPacket {
	t.Helper()
	tok, err := IssueRoot(f.rootPriv, f.agentPolicy(), f.agentPub)
	require.NoError(t, err)
	tokBytes, err := tok.Encode()
	require.NoError(t, err)
	p, err := packet.Sign(obs, tokBytes, f.agentPriv)
	require.NoError(t, err)
	return p
}

func TestAdmitsValidPacket(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	p := f.signedPacket(t, f.observation())
	assert.NoError(t, f.verifier.VerifyPacket(p, testNowMs))
}

func TestRejectsTamperedPosition(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	p := f.signedPacket(t, f.observation())

	// Nudge the altitude by 1e-9 m, a change in its low-order mantissa bits.
	p.Observation.Position[2] = p.Observation.Position[2] + 1e-9

	err := f.verifier.VerifyPacket(p, testNowMs)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestRejectsWrongSigner(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// Sign with a key that is not the token's holder key.
	_, otherPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	tok, err := IssueRoot(f.rootPriv, f.agentPolicy(), f.agentPub)
	require.NoError(t, err)
	tokBytes, err := tok.Encode()
	require.NoError(t, err)
	p, err := packet.Sign(f.observation(), tokBytes, otherPriv)
	require.NoError(t, err)

	err = f.verifier.VerifyPacket(p, testNowMs)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestRejectsUnauthorizedTopic(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	obs := f.observation()
	obs.Topic = "zone_B"
	p := f.signedPacket(t, obs)

	err := f.verifier.VerifyPacket(p, testNowMs)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRejectsUnauthorizedRegion(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	obs := f.observation()
	obs.Region = "oakland-dt"
	p := f.signedPacket(t, obs)
	assert.ErrorIs(t, f.verifier.VerifyPacket(p, testNowMs), ErrUnauthorized)
}

func TestRejectsSubjectMismatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	obs := f.observation()
	obs.AgentID = "agent-b"
	p := f.signedPacket(t, obs)
	assert.ErrorIs(t, f.verifier.VerifyPacket(p, testNowMs), ErrUnauthorized)
}

func TestFreshnessWindow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	t.Run("too old", func(t *testing.T) {
		t.Parallel()
		obs := f.observation()
		obs.TimestampMs = testNowMs - testPastMs - 1
		p := f.signedPacket(t, obs)
		assert.ErrorIs(t, f.verifier.VerifyPacket(p, testNowMs), ErrExpired)
	})

	t.Run("too far in the future", func(t *testing.T) {
		t.Parallel()
		obs := f.observation()
		obs.TimestampMs = testNowMs + testSkewMs + 1
		p := f.signedPacket(t, obs)
		assert.ErrorIs(t, f.verifier.VerifyPacket(p, testNowMs), ErrExpired)
	})

	t.Run("within skew", func(t *testing.T) {
		t.Parallel()
		obs := f.observation()
		obs.TimestampMs = testNowMs + testSkewMs - 1
		p := f.signedPacket(t, obs)
		assert.NoError(t, f.verifier.VerifyPacket(p, testNowMs))
	})
}

func TestRejectsMalformedToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	p, err := packet.Sign(f.observation(), []byte{0x01, 0x02}, f.agentPriv)
	require.NoError(t, err)
	assert.ErrorIs(t, f.verifier.VerifyPacket(p, testNowMs), ErrMalformedToken)
}

func TestRejectsForeignRoot(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// Token issued by a different authority.
	_, foreignPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	tok, err := IssueRoot(foreignPriv, f.agentPolicy(), f.agentPub)
	require.NoError(t, err)
	tokBytes, err := tok.Encode()
	require.NoError(t, err)
	p, err := packet.Sign(f.observation(), tokBytes, f.agentPriv)
	require.NoError(t, err)

	assert.ErrorIs(t, f.verifier.VerifyPacket(p, testNowMs), ErrInvalidSignature)
}

func TestAttenuation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// Root delegates a broad policy to an intermediary, which narrows it
	// down to a single sub-agent.
	interPub, interPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	subPub, subPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	broad := Policy{
		Subject:     "agent-*",
		Topics:      []string{"zone_*"},
		Regions:     []string{"sf-*"},
		NotBeforeMs: testNotBef,
		NotAfterMs:  testNotAfte,
	}
	rootTok, err := IssueRoot(f.rootPriv, broad, interPub)
	require.NoError(t, err)

	narrow := Policy{
		Subject:     "agent-a",
		Topics:      []string{"zone_A"},
		Regions:     []string{"sf-soma"},
		NotBeforeMs: testNotBef,
		NotAfterMs:  testNotAfte - 1000,
	}
	subTok, err := Attenuate(rootTok, interPriv, narrow, subPub)
	require.NoError(t, err)

	t.Run("attenuated token admits in-policy packet", func(t *testing.T) {
		tokBytes, err := subTok.Encode()
		require.NoError(t, err)
		p, err := packet.Sign(f.observation(), tokBytes, subPriv)
		require.NoError(t, err)
		assert.NoError(t, f.verifier.VerifyPacket(p, testNowMs))
	})

	t.Run("widening attenuation is refused", func(t *testing.T) {
		wider := narrow
		wider.Topics = []string{"zone_A", "zone_B"}
		_, err := Attenuate(subTok, subPriv, wider, subPub)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("attenuation by a non-holder is refused", func(t *testing.T) {
		_, strangerPriv, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		_, err = Attenuate(rootTok, strangerPriv, narrow, subPub)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("grafted link fails verification", func(t *testing.T) {
		// Re-root the attenuated link onto a different parent token;
		// the parent-signature binding must break the chain.
		otherBroad := broad
		otherBroad.NotAfterMs = testNotAfte + 999
		otherTok, err := IssueRoot(f.rootPriv, otherBroad, interPub)
		require.NoError(t, err)
		grafted := &Token{Links: []Link{otherTok.Links[0], subTok.Links[1]}}
		_, err = f.verifier.VerifyToken(grafted)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})
}

func TestPatternContains(t *testing.T) {
	t.Parallel()

	assert.True(t, patternContains("zone_*", "zone_A"))
	assert.True(t, patternContains("zone_*", "zone_*"))
	assert.True(t, patternContains("*", "anything"))
	assert.False(t, patternContains("zone_A", "zone_*"))
	assert.False(t, patternContains("zone_A", "zone_B"))
	assert.False(t, patternContains("zone_A*", "zone_"))
}
