// Command capgen manages the capability system's key material: it
// generates ed25519 keypairs, issues root tokens, and derives
// attenuated tokens for sub-agents. Keys and tokens are written as
// base64 text files so they can be passed around as configuration.
//
// Usage:
//
//	capgen keygen -out agent
//	capgen issue -root-priv root.priv -holder-pub agent.pub -subject agent-a \
//	    -topics zone_A,zone_B -regions 'sf-*' -ttl 24h -out agent.token
//	capgen attenuate -token agent.token -holder-priv agent.priv \
//	    -delegate-pub sub.pub -subject agent-a -topics zone_A -regions sf-soma \
//	    -ttl 1h -out sub.token
package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/Galanafai/Hivemind/internal/trust"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		log.Fatal("usage: capgen <keygen|issue|attenuate> [flags]")
	}

	var err error
	switch os.Args[1] {
	case "keygen":
		err = runKeygen(os.Args[2:])
	case "issue":
		err = runIssue(os.Args[2:])
	case "attenuate":
		err = runAttenuate(os.Args[2:])
	default:
		err = fmt.Errorf("unknown subcommand %q", os.Args[1])
	}
	if err != nil {
		log.Fatalf("capgen: %v", err)
	}
}

func writeB64(path string, data []byte) error {
	return os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(data)+"\n"), 0o600)
}

func readB64(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
}

func runKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	out := fs.String("out", "key", "Output path prefix (<out>.pub and <out>.priv)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := writeB64(*out+".pub", pub); err != nil {
		return err
	}
	if err := writeB64(*out+".priv", priv); err != nil {
		return err
	}
	log.Printf("wrote %s.pub and %s.priv", *out, *out)
	return nil
}

// policyFlags holds the shared policy-shaping flags.
type policyFlags struct {
	subject *string
	topics  *string
	regions *string
	ttl     *time.Duration
}

func addPolicyFlags(fs *flag.FlagSet) policyFlags {
	return policyFlags{
		subject: fs.String("subject", "", "Token subject (agent id, may end in *)"),
		topics:  fs.String("topics", "", "Comma-separated topic patterns"),
		regions: fs.String("regions", "*", "Comma-separated region patterns"),
		ttl:     fs.Duration("ttl", 24*time.Hour, "Token validity from now"),
	}
}

func (pf policyFlags) policy() (trust.Policy, error) {
	if *pf.subject == "" {
		return trust.Policy{}, fmt.Errorf("-subject is required")
	}
	if *pf.topics == "" {
		return trust.Policy{}, fmt.Errorf("-topics is required")
	}
	now := time.Now().UnixMilli()
	return trust.Policy{
		Subject:     *pf.subject,
		Topics:      strings.Split(*pf.topics, ","),
		Regions:     strings.Split(*pf.regions, ","),
		NotBeforeMs: now - time.Minute.Milliseconds(),
		NotAfterMs:  now + pf.ttl.Milliseconds(),
	}, nil
}

func runIssue(args []string) error {
	fs := flag.NewFlagSet("issue", flag.ExitOnError)
	rootPriv := fs.String("root-priv", "", "Root authority private key file")
	holderPub := fs.String("holder-pub", "", "Holder public key file")
	out := fs.String("out", "token", "Output token file")
	pf := addPolicyFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	pol, err := pf.policy()
	if err != nil {
		return err
	}
	priv, err := readB64(*rootPriv)
	if err != nil {
		return fmt.Errorf("read root private key: %w", err)
	}
	pub, err := readB64(*holderPub)
	if err != nil {
		return fmt.Errorf("read holder public key: %w", err)
	}

	tok, err := trust.IssueRoot(ed25519.PrivateKey(priv), pol, ed25519.PublicKey(pub))
	if err != nil {
		return err
	}
	tokBytes, err := tok.Encode()
	if err != nil {
		return err
	}
	if err := writeB64(*out, tokBytes); err != nil {
		return err
	}
	log.Printf("issued token for %s -> %s", pol.Subject, *out)
	return nil
}

func runAttenuate(args []string) error {
	fs := flag.NewFlagSet("attenuate", flag.ExitOnError)
	tokenPath := fs.String("token", "", "Parent token file")
	holderPriv := fs.String("holder-priv", "", "Current holder private key file")
	delegatePub := fs.String("delegate-pub", "", "Delegate public key file")
	out := fs.String("out", "token.attenuated", "Output token file")
	pf := addPolicyFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	pol, err := pf.policy()
	if err != nil {
		return err
	}
	tokBytes, err := readB64(*tokenPath)
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	tok, err := trust.DecodeToken(tokBytes)
	if err != nil {
		return err
	}
	priv, err := readB64(*holderPriv)
	if err != nil {
		return fmt.Errorf("read holder private key: %w", err)
	}
	pub, err := readB64(*delegatePub)
	if err != nil {
		return fmt.Errorf("read delegate public key: %w", err)
	}

	derived, err := trust.Attenuate(tok, ed25519.PrivateKey(priv), pol, ed25519.PublicKey(pub))
	if err != nil {
		return err
	}
	derivedBytes, err := derived.Encode()
	if err != nil {
		return err
	}
	if err := writeB64(*out, derivedBytes); err != nil {
		return err
	}
	log.Printf("attenuated token for %s -> %s", pol.Subject, *out)
	return nil
}
