package trust

import (
	"crypto/ed25519"
	"fmt"

	"github.com/Galanafai/Hivemind/internal/packet"
)

// Verifier decides packet admission. It is pure with respect to packet
// content: the only ambient inputs are the root public key and the
// caller-supplied current time.
type Verifier struct {
	rootPub ed25519.PublicKey

	// maxPastMs bounds how far behind the clock a packet timestamp may
	// be; maxFutureMs bounds clock skew ahead of us.
	maxPastMs   int64
	maxFutureMs int64
}

// NewVerifier builds a Verifier for the given root authority key and
// freshness bounds (milliseconds).
func NewVerifier(rootPub ed25519.PublicKey, maxPastMs, maxFutureMs int64) (*Verifier, error) {
	if len(rootPub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("root public key must be %d bytes, got %d", ed25519.PublicKeySize, len(rootPub))
	}
	if maxPastMs <= 0 {
		return nil, fmt.Errorf("freshness past bound must be positive, got %d", maxPastMs)
	}
	if maxFutureMs < 0 {
		return nil, fmt.Errorf("clock skew tolerance must be non-negative, got %d", maxFutureMs)
	}
	return &Verifier{rootPub: rootPub, maxPastMs: maxPastMs, maxFutureMs: maxFutureMs}, nil
}

// VerifyToken walks the delegation chain: the first link must verify
// against the root key, each subsequent link against its parent's
// holder key with a policy contained in the parent's. Returns the
// effective (final) link.
func (v *Verifier) VerifyToken(tok *Token) (*Link, error) {
	if tok == nil || len(tok.Links) == 0 {
		return nil, fmt.Errorf("%w: empty chain", ErrMalformedToken)
	}

	signerKey := v.rootPub
	var parentSig []byte
	for i := range tok.Links {
		l := tok.Links[i]
		if len(l.HolderKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: link %d holder key length %d", ErrMalformedToken, i, len(l.HolderKey))
		}
		ok, err := verifyLink(signerKey, l, parentSig)
		if err != nil {
			return nil, fmt.Errorf("%w: link %d: %v", ErrMalformedToken, i, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: token link %d signature", ErrInvalidSignature, i)
		}
		if i > 0 && !policyContains(tok.Links[i-1].Policy, l.Policy) {
			return nil, fmt.Errorf("%w: link %d widens its parent policy", ErrUnauthorized, i)
		}
		signerKey = ed25519.PublicKey(l.HolderKey)
		parentSig = l.Signature
	}
	return &tok.Links[len(tok.Links)-1], nil
}

// VerifyPacket admits or rejects an observation packet at the given
// current time (ms since epoch). Admission requires, in order:
// a well-formed token chain rooted at the configured authority, a
// packet signature by the token's final holder key, a policy permitting
// the packet's (subject, topic, region, time), and a timestamp within
// the freshness window. The first failure wins; no state is mutated.
func (v *Verifier) VerifyPacket(p *packet.SignedPacket, nowMs int64) error {
	if p == nil {
		return fmt.Errorf("%w: nil packet", packet.ErrMalformed)
	}
	if err := p.Observation.Validate(); err != nil {
		return err
	}

	tok, err := DecodeToken(p.TokenBytes)
	if err != nil {
		return err
	}
	leaf, err := v.VerifyToken(tok)
	if err != nil {
		return err
	}

	ok, err := p.VerifySignature(ed25519.PublicKey(leaf.HolderKey))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: packet signature", ErrInvalidSignature)
	}

	obs := &p.Observation
	if !matchPattern(leaf.Policy.Subject, obs.AgentID) {
		return fmt.Errorf("%w: agent %q is not the token subject %q", ErrUnauthorized, obs.AgentID, leaf.Policy.Subject)
	}
	if !matchAny(leaf.Policy.Topics, obs.Topic) {
		return fmt.Errorf("%w: topic %q not permitted", ErrUnauthorized, obs.Topic)
	}
	if !matchAny(leaf.Policy.Regions, obs.Region) {
		return fmt.Errorf("%w: region %q not permitted", ErrUnauthorized, obs.Region)
	}
	if obs.TimestampMs < leaf.Policy.NotBeforeMs || obs.TimestampMs > leaf.Policy.NotAfterMs {
		return fmt.Errorf("%w: timestamp %d outside token validity [%d, %d]",
			ErrExpired, obs.TimestampMs, leaf.Policy.NotBeforeMs, leaf.Policy.NotAfterMs)
	}

	if obs.TimestampMs < nowMs-v.maxPastMs {
		return fmt.Errorf("%w: packet is %dms old (limit %dms)", ErrExpired, nowMs-obs.TimestampMs, v.maxPastMs)
	}
	if obs.TimestampMs > nowMs+v.maxFutureMs {
		return fmt.Errorf("%w: packet is %dms in the future (tolerance %dms)", ErrExpired, obs.TimestampMs-nowMs, v.maxFutureMs)
	}

	return nil
}
