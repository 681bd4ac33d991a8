// Command sim-agent is a reference sensing collaborator: it publishes
// signed synthetic observations of an entity moving through a circle
// around the agent's position, at a fixed rate, against a running
// engine's ingest endpoint. Useful for demos and soak testing.
package main

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Galanafai/Hivemind/internal/geodesy"
	"github.com/Galanafai/Hivemind/internal/packet"
)

var (
	endpoint = flag.String("endpoint", "http://localhost:8080/api/observations", "Engine ingest URL")
	agentID  = flag.String("agent", "agent-sim", "Agent identifier (must match token subject)")
	privPath = flag.String("priv", "", "Agent private key file (base64)")
	tokPath  = flag.String("token", "", "Capability token file (base64)")
	topic    = flag.String("topic", "zone_A", "Observation topic")
	region   = flag.String("region", "sf-soma", "Observation region")
	lat      = flag.Float64("lat", 37.7749, "Agent latitude")
	lon      = flag.Float64("lon", -122.4194, "Agent longitude")
	alt      = flag.Float64("alt", 10, "Agent altitude (m)")
	heading  = flag.Float64("heading", 0, "Agent heading (deg, 0=north)")
	rate     = flag.Duration("rate", 100*time.Millisecond, "Publish interval")
	radiusM  = flag.Float64("radius", 30, "Synthetic orbit radius (m)")
)

func readB64(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
}

func main() {
	flag.Parse()
	if *privPath == "" || *tokPath == "" {
		log.Fatal("sim-agent: -priv and -token are required (see capgen)")
	}

	priv, err := readB64(*privPath)
	if err != nil {
		log.Fatalf("sim-agent: read private key: %v", err)
	}
	tokBytes, err := readB64(*tokPath)
	if err != nil {
		log.Fatalf("sim-agent: read token: %v", err)
	}

	origin := geodesy.Geodetic{Lat: *lat, Lon: *lon, Alt: *alt}
	log.Printf("sim-agent %s publishing to %s every %s", *agentID, *endpoint, *rate)

	start := time.Now()
	ticker := time.NewTicker(*rate)
	defer ticker.Stop()

	published, rejected := 0, 0
	for range ticker.C {
		// Entity orbits the agent at ~1 rad/10s in the sensor frame.
		theta := time.Since(start).Seconds() / 10.0
		local := [3]float64{
			*radiusM * math.Cos(theta),
			*radiusM * math.Sin(theta),
			0,
		}
		pos := geodesy.LocalOffsetToWGS84(origin, local, *heading)

		obs := packet.Observation{
			ID:          fmt.Sprintf("obs-%s", uuid.NewString()),
			AgentID:     *agentID,
			TimestampMs: time.Now().UnixMilli(),
			Position:    [3]float64{pos.Lat, pos.Lon, pos.Alt},
			PositionCov: [9]float64{4, 0, 0, 0, 4, 0, 0, 0, 4},
			AgentPose:   &packet.AgentPose{Lat: *lat, Lon: *lon, Alt: *alt, HeadingDeg: *heading},
			Class:       "synthetic",
			Confidence:  0.95,
			Topic:       *topic,
			Region:      *region,
		}

		p, err := packet.Sign(obs, tokBytes, ed25519.PrivateKey(priv))
		if err != nil {
			log.Fatalf("sim-agent: sign: %v", err)
		}
		wire, err := p.Encode()
		if err != nil {
			log.Fatalf("sim-agent: encode: %v", err)
		}

		resp, err := http.Post(*endpoint, "application/cbor", bytes.NewReader(wire))
		if err != nil {
			log.Printf("sim-agent: post failed: %v", err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusAccepted {
			published++
		} else {
			rejected++
			log.Printf("sim-agent: packet rejected with %d", resp.StatusCode)
		}
		if (published+rejected)%100 == 0 {
			log.Printf("sim-agent: %d published, %d rejected", published, rejected)
		}
	}
}
