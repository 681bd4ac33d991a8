package packet

import (
	"crypto/ed25519"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleObservation() Observation {
	return Observation{
		ID:          "obs-0001",
		AgentID:     "agent-a",
		TimestampMs: 1700000000000,
		Position:    [3]float64{37.7749, -122.4194, 10},
		PositionCov: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
		Class:       "pedestrian",
		Confidence:  0.95,
		Topic:       "zone_A",
		Region:      "sf-soma",
	}
}

func TestCanonicalEncodingIsDeterministic(t *testing.T) {
	t.Parallel()

	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	p1, err := Sign(sampleObservation(), []byte("tok"), priv)
	require.NoError(t, err)
	p2, err := Sign(sampleObservation(), []byte("tok"), priv)
	require.NoError(t, err)

	b1, err := p1.SigningBytes()
	require.NoError(t, err)
	b2, err := p2.SigningBytes()
	require.NoError(t, err)
	assert.Equal(t, b1, b2, "identical packets must serialize identically")
}

func TestSignVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	p, err := Sign(sampleObservation(), []byte("tok"), priv)
	require.NoError(t, err)

	ok, err := p.VerifySignature(pub)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	vel := [3]float64{1.5, -0.5, 0}
	obs := sampleObservation()
	obs.Velocity = &vel
	obs.AgentPose = &AgentPose{Lat: 37.77, Lon: -122.41, Alt: 12, HeadingDeg: 90}

	p, err := Sign(obs, []byte("tok"), priv)
	require.NoError(t, err)

	wire, err := p.Encode()
	require.NoError(t, err)

	got, err := Decode(wire)
	require.NoError(t, err)
	if diff := cmp.Diff(p, got); diff != "" {
		t.Fatalf("packet round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestAnySingleBitFlipBreaksSignature(t *testing.T) {
	t.Parallel()

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	p, err := Sign(sampleObservation(), []byte("tok"), priv)
	require.NoError(t, err)

	// Flip one bit in the latitude and re-verify.
	tampered := *p
	tampered.Observation.Position[0] = math.Float64frombits(math.Float64bits(p.Observation.Position[0]) ^ 1)

	ok, err := tampered.VerifySignature(pub)
	require.NoError(t, err)
	assert.False(t, ok, "tampered packet must fail verification")
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Observation)
	}{
		{"empty id", func(o *Observation) { o.ID = "" }},
		{"empty agent", func(o *Observation) { o.AgentID = "" }},
		{"zero timestamp", func(o *Observation) { o.TimestampMs = 0 }},
		{"nan latitude", func(o *Observation) { o.Position[0] = math.NaN() }},
		{"latitude range", func(o *Observation) { o.Position[0] = 91 }},
		{"longitude range", func(o *Observation) { o.Position[1] = -181 }},
		{"inf covariance", func(o *Observation) { o.PositionCov[4] = math.Inf(1) }},
		{"asymmetric covariance", func(o *Observation) { o.PositionCov[1] = 0.5 }},
		{"negative variance", func(o *Observation) { o.PositionCov[0] = -1 }},
		{"confidence above one", func(o *Observation) { o.Confidence = 1.5 }},
		{"confidence nan", func(o *Observation) { o.Confidence = math.NaN() }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			obs := sampleObservation()
			tc.mutate(&obs)
			err := obs.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecodeGarbageIsMalformed(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte{0xff, 0x00, 0x13, 0x37})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)
}
