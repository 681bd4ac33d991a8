// Package engine composes the trust, tracking, space, and time engines
// behind a serialized observation queue: transport collaborators may be
// parallel, but the authoritative state has exactly one writer.
package engine

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Galanafai/Hivemind/internal/config"
	"github.com/Galanafai/Hivemind/internal/packet"
	"github.com/Galanafai/Hivemind/internal/telemetry"
	"github.com/Galanafai/Hivemind/internal/tracking"
	"github.com/Galanafai/Hivemind/internal/trust"
)

// Engine is the perception fusion daemon core: admission at the edge,
// a bounded queue, and a single consumer goroutine that drives the
// track manager and the periodic retirement sweep.
type Engine struct {
	verifier *trust.Verifier
	manager  *tracking.Manager
	tel      *telemetry.Counters

	queue chan []*packet.Observation
	drain bool

	retireEvery time.Duration
}

// New assembles an engine from tuning configuration, a root authority
// key, and an optional audit sink.
func New(cfg *config.TuningConfig, rootPub ed25519.PublicKey, audit tracking.AuditSink) (*Engine, error) {
	tel := telemetry.NewCounters()

	verifier, err := trust.NewVerifier(rootPub,
		cfg.GetFreshnessWindow().Milliseconds(),
		cfg.GetClockSkewTolerance().Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("trust engine: %w", err)
	}

	manager, err := tracking.NewManager(tracking.ConfigFromTuning(cfg), tel, audit)
	if err != nil {
		return nil, fmt.Errorf("tracking engine: %w", err)
	}

	retireEvery := cfg.GetRetirementThreshold() / 4
	if retireEvery < time.Second {
		retireEvery = time.Second
	}
	return &Engine{
		verifier:    verifier,
		manager:     manager,
		tel:         tel,
		queue:       make(chan []*packet.Observation, cfg.GetQueueCapacity()),
		drain:       cfg.GetDrainOnShutdown(),
		retireEvery: retireEvery,
	}, nil
}

// Telemetry returns the engine's counters.
func (e *Engine) Telemetry() *telemetry.Counters { return e.tel }

// Tracks returns the track manager for read access (snapshots).
func (e *Engine) Tracks() *tracking.Manager { return e.manager }

// Ingest verifies a wire packet and, if admitted, enqueues its
// observation for the consumer. Rejections are counted per kind and
// returned to the caller; they never affect engine state.
func (e *Engine) Ingest(raw []byte) error {
	p, err := packet.Decode(raw)
	if err != nil {
		e.tel.Record(telemetry.KindMalformedPacket, err.Error())
		return err
	}
	return e.IngestPacket(p)
}

// IngestPacket admits an already-decoded packet.
func (e *Engine) IngestPacket(p *packet.SignedPacket) error {
	if err := e.verifier.VerifyPacket(p, time.Now().UnixMilli()); err != nil {
		e.recordAdmissionFailure(p, err)
		return err
	}
	e.tel.Admitted.Add(1)
	obs := p.Observation
	e.queue <- []*packet.Observation{&obs}
	return nil
}

// IngestBatch admits each packet of a batch independently, then
// enqueues the admitted observations together so association is
// globally optimal across the batch. Returns the number admitted.
func (e *Engine) IngestBatch(packets []*packet.SignedPacket) int {
	nowMs := time.Now().UnixMilli()
	admitted := make([]*packet.Observation, 0, len(packets))
	for _, p := range packets {
		if err := e.verifier.VerifyPacket(p, nowMs); err != nil {
			e.recordAdmissionFailure(p, err)
			continue
		}
		e.tel.Admitted.Add(1)
		obs := p.Observation
		admitted = append(admitted, &obs)
	}
	if len(admitted) > 0 {
		e.queue <- admitted
	}
	return len(admitted)
}

func (e *Engine) recordAdmissionFailure(p *packet.SignedPacket, err error) {
	id := ""
	if p != nil {
		id = p.Observation.ID
	}
	switch {
	case errors.Is(err, trust.ErrInvalidSignature):
		e.tel.Record(telemetry.KindInvalidSignature, id)
	case errors.Is(err, trust.ErrUnauthorized):
		e.tel.Record(telemetry.KindUnauthorized, id)
	case errors.Is(err, trust.ErrExpired):
		e.tel.Record(telemetry.KindExpired, id)
	default:
		e.tel.Record(telemetry.KindMalformedPacket, id)
	}
}

// Run consumes the queue until ctx is cancelled, interleaving the
// periodic retirement sweep. On shutdown the queue is drained (or
// discarded, per configuration) and a final sweep runs.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.retireEvery)
	defer ticker.Stop()

	log.Printf("[engine] running (queue capacity %d, retire sweep every %s)", cap(e.queue), e.retireEvery)
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case batch := <-e.queue:
			e.dispatch(batch)
		case <-ticker.C:
			if n := e.manager.RetireStale(); n > 0 {
				log.Printf("[engine] retired %d stale tracks", n)
			}
		}
	}
}

func (e *Engine) dispatch(batch []*packet.Observation) {
	if len(batch) == 1 {
		// Per-observation errors are already counted by the manager.
		_ = e.manager.Process(batch[0])
		return
	}
	e.manager.ProcessBatch(batch)
}

func (e *Engine) shutdown() {
	if e.drain {
		for {
			select {
			case batch := <-e.queue:
				e.dispatch(batch)
			default:
				e.finalSweep()
				return
			}
		}
	}
	// Discard whatever is queued.
	for {
		select {
		case <-e.queue:
		default:
			e.finalSweep()
			return
		}
	}
}

func (e *Engine) finalSweep() {
	n := e.manager.RetireStale()
	log.Printf("[engine] shutdown: final sweep retired %d tracks, %d active", n, e.manager.TrackCount())
}
