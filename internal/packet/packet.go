// Package packet defines the observation wire format exchanged between
// agents: a self-describing record plus a capability token and an
// Ed25519 signature over the record's canonical serialization. The
// canonical form uses CBOR core deterministic encoding so every agent
// produces byte-identical payloads for identical field values.
package packet

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"

	"github.com/Galanafai/Hivemind/internal/geodesy"
)

// ErrMalformed indicates a packet that fails structural validation
// before any cryptographic check.
var ErrMalformed = errors.New("malformed packet")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor deterministic encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decoder: %v", err))
	}
}

// AgentPose is the emitting sensor's own pose, carried for provenance.
// It is never trusted for routing decisions.
type AgentPose struct {
	Lat        float64 `cbor:"lat" json:"lat"`
	Lon        float64 `cbor:"lon" json:"lon"`
	Alt        float64 `cbor:"alt" json:"alt"`
	HeadingDeg float64 `cbor:"heading" json:"heading"`
}

// Observation is the payload of an observation packet: one detection in
// global geodetic coordinates, with its uncertainty.
type Observation struct {
	ID          string      `cbor:"id" json:"id"`
	AgentID     string      `cbor:"agent_id" json:"agent_id"`
	TimestampMs int64       `cbor:"timestamp_ms" json:"timestamp_ms"`
	Position    [3]float64  `cbor:"position" json:"position"` // lat°, lon°, alt m
	PositionCov [9]float64  `cbor:"position_cov" json:"position_cov"`
	Velocity    *[3]float64 `cbor:"velocity,omitempty" json:"velocity,omitempty"` // ENU m/s
	VelocityCov *[9]float64 `cbor:"velocity_cov,omitempty" json:"velocity_cov,omitempty"`
	AgentPose   *AgentPose  `cbor:"agent_pose,omitempty" json:"agent_pose,omitempty"`
	Class       string      `cbor:"class" json:"class"`
	Confidence  float64     `cbor:"confidence" json:"confidence"`
	Topic       string      `cbor:"topic" json:"topic"`
	Region      string      `cbor:"region" json:"region"`
}

// SignedPacket is the on-wire envelope: the observation, the bearer
// capability token (opaque bytes, decoded by the trust engine), and the
// emitter's signature over the canonical serialization of everything
// preceding it.
type SignedPacket struct {
	Observation Observation `cbor:"observation" json:"observation"`
	TokenBytes  []byte      `cbor:"capability_token" json:"capability_token"`
	Signature   []byte      `cbor:"signature" json:"signature"`
}

// signingEnvelope is the portion of the packet covered by the signature.
type signingEnvelope struct {
	Observation Observation `cbor:"observation"`
	TokenBytes  []byte      `cbor:"capability_token"`
}

// Geodetic returns the observation position as a geodesy value.
func (o *Observation) Geodetic() geodesy.Geodetic {
	return geodesy.Geodetic{Lat: o.Position[0], Lon: o.Position[1], Alt: o.Position[2]}
}

// Validate performs structural validation: finite numerics, plausible
// coordinate ranges, confidence in [0,1], and a symmetric position
// covariance. It returns an error wrapping ErrMalformed on failure.
func (o *Observation) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: empty id", ErrMalformed)
	}
	if o.AgentID == "" {
		return fmt.Errorf("%w: empty agent_id", ErrMalformed)
	}
	if o.TimestampMs <= 0 {
		return fmt.Errorf("%w: non-positive timestamp", ErrMalformed)
	}
	for i, v := range o.Position {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite position[%d]", ErrMalformed, i)
		}
	}
	if o.Position[0] < -90 || o.Position[0] > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrMalformed, o.Position[0])
	}
	if o.Position[1] < -180 || o.Position[1] > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrMalformed, o.Position[1])
	}
	if err := validateCov(o.PositionCov); err != nil {
		return fmt.Errorf("%w: position_cov: %v", ErrMalformed, err)
	}
	if o.Velocity != nil {
		for i, v := range o.Velocity {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: non-finite velocity[%d]", ErrMalformed, i)
			}
		}
	}
	if o.VelocityCov != nil {
		if err := validateCov(*o.VelocityCov); err != nil {
			return fmt.Errorf("%w: velocity_cov: %v", ErrMalformed, err)
		}
	}
	if math.IsNaN(o.Confidence) || o.Confidence < 0 || o.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v out of [0,1]", ErrMalformed, o.Confidence)
	}
	return nil
}

// validateCov checks a row-major 3x3 covariance for finiteness,
// symmetry, and non-negative diagonal.
func validateCov(c [9]float64) error {
	const symTol = 1e-9
	for i, v := range c {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite element %d", i)
		}
	}
	for i := 0; i < 3; i++ {
		if c[i*3+i] < 0 {
			return fmt.Errorf("negative diagonal element %d", i)
		}
		for j := i + 1; j < 3; j++ {
			if math.Abs(c[i*3+j]-c[j*3+i]) > symTol {
				return fmt.Errorf("asymmetric at (%d,%d)", i, j)
			}
		}
	}
	return nil
}

// SigningBytes returns the canonical serialization of the fields the
// signature covers (observation + token). The encoding is deterministic:
// two packets with equal field values always produce identical bytes.
func (p *SignedPacket) SigningBytes() ([]byte, error) {
	b, err := encMode.Marshal(signingEnvelope{Observation: p.Observation, TokenBytes: p.TokenBytes})
	if err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return b, nil
}

// Sign builds a SignedPacket from an observation and a token, signed
// with the emitting agent's Ed25519 key.
func Sign(obs Observation, tokenBytes []byte, priv ed25519.PrivateKey) (*SignedPacket, error) {
	if err := obs.Validate(); err != nil {
		return nil, err
	}
	p := &SignedPacket{Observation: obs, TokenBytes: tokenBytes}
	msg, err := p.SigningBytes()
	if err != nil {
		return nil, err
	}
	p.Signature = ed25519.Sign(priv, msg)
	return p, nil
}

// VerifySignature checks the packet signature against the given public
// key. It does not evaluate the capability token; that is the trust
// engine's job.
func (p *SignedPacket) VerifySignature(pub ed25519.PublicKey) (bool, error) {
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("%w: bad public key length %d", ErrMalformed, len(pub))
	}
	if len(p.Signature) != ed25519.SignatureSize {
		return false, fmt.Errorf("%w: bad signature length %d", ErrMalformed, len(p.Signature))
	}
	msg, err := p.SigningBytes()
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, msg, p.Signature), nil
}

// Encode serializes the full packet (canonically, though only the
// signing envelope's determinism is load-bearing).
func (p *SignedPacket) Encode() ([]byte, error) {
	b, err := encMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode packet: %w", err)
	}
	return b, nil
}

// Decode parses a SignedPacket from wire bytes and validates the
// observation structurally.
func Decode(b []byte) (*SignedPacket, error) {
	var p SignedPacket
	if err := decMode.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := p.Observation.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// MarshalCanonical encodes any value with the package's deterministic
// encoder. The trust engine uses this for token link payloads so that
// token signatures are reproducible.
func MarshalCanonical(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR bytes produced by MarshalCanonical or Encode.
func Unmarshal(b []byte, v any) error {
	return decMode.Unmarshal(b, v)
}
