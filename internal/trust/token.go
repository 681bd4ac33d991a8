// Package trust implements the admission layer: capability tokens and
// signed-packet verification. A token is an offline-verifiable bearer
// credential — a chain of delegation links rooted at a configured
// authority key. Each link binds a policy and the delegate's public key,
// signed by the previous holder; attenuation can only narrow the policy.
package trust

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/Galanafai/Hivemind/internal/packet"
)

// Admission error taxonomy. Callers classify with errors.Is.
var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrExpired          = errors.New("expired")
	ErrMalformedToken   = errors.New("malformed token")
)

// Policy is the set of authorization assertions a token link carries.
type Policy struct {
	Subject     string   `cbor:"subject" json:"subject"`
	Topics      []string `cbor:"topics" json:"topics"`   // exact strings or trailing-* patterns
	Regions     []string `cbor:"regions" json:"regions"` // same matching rules as topics
	NotBeforeMs int64    `cbor:"not_before_ms" json:"not_before_ms"`
	NotAfterMs  int64    `cbor:"not_after_ms" json:"not_after_ms"`
}

// Link is one step in the delegation chain: a policy and the public key
// the policy is delegated to, signed by the previous holder (the root
// authority for the first link).
type Link struct {
	Policy    Policy `cbor:"policy" json:"policy"`
	HolderKey []byte `cbor:"holder_key" json:"holder_key"`
	Signature []byte `cbor:"signature" json:"signature"`
}

// Token is a capability: an ordered delegation chain. The final link's
// holder key is the key packets must be signed with, and its policy is
// the effective authorization.
type Token struct {
	Links []Link `cbor:"links" json:"links"`
}

// linkPayload is the byte string a link signature covers. ParentSig
// chains each link to its parent so links cannot be grafted between
// tokens.
type linkPayload struct {
	Policy    Policy `cbor:"policy"`
	HolderKey []byte `cbor:"holder_key"`
	ParentSig []byte `cbor:"parent_sig"`
}

func signLink(priv ed25519.PrivateKey, pol Policy, holderKey, parentSig []byte) ([]byte, error) {
	msg, err := packet.MarshalCanonical(linkPayload{Policy: pol, HolderKey: holderKey, ParentSig: parentSig})
	if err != nil {
		return nil, fmt.Errorf("encode link payload: %w", err)
	}
	return ed25519.Sign(priv, msg), nil
}

func verifyLink(pub ed25519.PublicKey, l Link, parentSig []byte) (bool, error) {
	msg, err := packet.MarshalCanonical(linkPayload{Policy: l.Policy, HolderKey: l.HolderKey, ParentSig: parentSig})
	if err != nil {
		return false, fmt.Errorf("encode link payload: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize || len(l.Signature) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(pub, msg, l.Signature), nil
}

// IssueRoot mints a first-link token for holderPub under the given
// policy, signed with the root authority's private key.
func IssueRoot(rootPriv ed25519.PrivateKey, pol Policy, holderPub ed25519.PublicKey) (*Token, error) {
	if err := validatePolicy(pol); err != nil {
		return nil, err
	}
	if len(holderPub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("holder key must be %d bytes, got %d", ed25519.PublicKeySize, len(holderPub))
	}
	sig, err := signLink(rootPriv, pol, holderPub, nil)
	if err != nil {
		return nil, err
	}
	return &Token{Links: []Link{{Policy: pol, HolderKey: holderPub, Signature: sig}}}, nil
}

// Attenuate derives a strictly-weaker token delegating to delegatePub.
// holderPriv must be the private half of the current final link's
// holder key. The stricter policy must be contained in the parent
// policy; otherwise the derivation is refused.
func Attenuate(tok *Token, holderPriv ed25519.PrivateKey, stricter Policy, delegatePub ed25519.PublicKey) (*Token, error) {
	if tok == nil || len(tok.Links) == 0 {
		return nil, fmt.Errorf("%w: empty chain", ErrMalformedToken)
	}
	if err := validatePolicy(stricter); err != nil {
		return nil, err
	}
	last := tok.Links[len(tok.Links)-1]
	if !policyContains(last.Policy, stricter) {
		return nil, fmt.Errorf("%w: attenuated policy is not contained in parent policy", ErrUnauthorized)
	}
	holderPub, ok := holderPriv.Public().(ed25519.PublicKey)
	if !ok || !holderPub.Equal(ed25519.PublicKey(last.HolderKey)) {
		return nil, fmt.Errorf("%w: attenuating key does not hold this token", ErrUnauthorized)
	}
	sig, err := signLink(holderPriv, stricter, delegatePub, last.Signature)
	if err != nil {
		return nil, err
	}
	out := &Token{Links: make([]Link, len(tok.Links), len(tok.Links)+1)}
	copy(out.Links, tok.Links)
	out.Links = append(out.Links, Link{Policy: stricter, HolderKey: delegatePub, Signature: sig})
	return out, nil
}

// Encode serializes a token to its opaque wire bytes.
func (t *Token) Encode() ([]byte, error) {
	return packet.MarshalCanonical(t)
}

// DecodeToken parses opaque token bytes.
func DecodeToken(b []byte) (*Token, error) {
	var t Token
	if err := packet.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if len(t.Links) == 0 {
		return nil, fmt.Errorf("%w: empty chain", ErrMalformedToken)
	}
	return &t, nil
}

func validatePolicy(p Policy) error {
	if p.Subject == "" {
		return fmt.Errorf("%w: empty subject", ErrMalformedToken)
	}
	if p.NotAfterMs <= p.NotBeforeMs {
		return fmt.Errorf("%w: validity interval [%d, %d] is empty", ErrMalformedToken, p.NotBeforeMs, p.NotAfterMs)
	}
	return nil
}

// matchPattern reports whether value matches pattern. A pattern is an
// exact string, or a prefix followed by '*' matching any suffix.
func matchPattern(pattern, value string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(value, prefix)
	}
	return pattern == value
}

// matchAny reports whether any pattern in the set matches value.
func matchAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if matchPattern(p, value) {
			return true
		}
	}
	return false
}

// patternContains reports whether the outer pattern admits every value
// the inner pattern admits.
func patternContains(outer, inner string) bool {
	if outerPrefix, ok := strings.CutSuffix(outer, "*"); ok {
		if innerPrefix, ok := strings.CutSuffix(inner, "*"); ok {
			return strings.HasPrefix(innerPrefix, outerPrefix)
		}
		return strings.HasPrefix(inner, outerPrefix)
	}
	// Exact outer only admits the identical exact inner.
	return outer == inner
}

func patternsContain(outer []string, inner []string) bool {
	for _, in := range inner {
		covered := false
		for _, out := range outer {
			if patternContains(out, in) {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

// policyContains reports whether child is strictly within parent:
// topic and region sets are subsets, the validity interval is
// contained, and the subject either matches or narrows.
func policyContains(parent, child Policy) bool {
	if child.NotBeforeMs < parent.NotBeforeMs || child.NotAfterMs > parent.NotAfterMs {
		return false
	}
	if !patternsContain(parent.Topics, child.Topics) {
		return false
	}
	if !patternsContain(parent.Regions, child.Regions) {
		return false
	}
	return patternContains(parent.Subject, child.Subject)
}
