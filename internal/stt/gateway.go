// Package stt turns a captured utterance into text. A single-shot HTTP call is tried
// first; a websocket stream is the fallback. Both feed one outcome slot.
package stt

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"yuzu/companion/internal/capture"
)

// Result is a resolved transcript.
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// Transcriber is one access path to the speech service.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, audio []byte, f capture.Format) (Result, error)
}

// Gateway is the TranscriptionGateway.
type Gateway struct {
	primary  Transcriber
	fallback Transcriber
	// HedgeAfter starts the fallback while the primary is still running. Zero disables hedging.
	HedgeAfter time.Duration
	MinBytes   int
}

func NewGateway(primary, fallback Transcriber, hedgeAfter time.Duration) *Gateway {
	return &Gateway{primary: primary, fallback: fallback, HedgeAfter: hedgeAfter, MinBytes: capture.MinBytes}
}

type attempt struct {
	path string
	res  Result
	err  error
}

// Transcribe resolves exactly once: the first non-empty result from either path wins,
// the other path is cancelled and its late result dropped.
func (g *Gateway) Transcribe(ctx context.Context, buf capture.Buffer) (Result, error) {
	if len(buf.Data) < g.MinBytes {
		metricOutcomes.WithLabelValues("too_short").Inc()
		return Result{}, capture.ErrTooShort
	}
	metricAudioBytes.Add(float64(len(buf.Data)))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var resolved atomic.Bool
	// room for both paths so a loser never blocks after we return
	results := make(chan attempt, 2)
	launch := func(t Transcriber) {
		go func() {
			r, err := t.Transcribe(ctx, buf.Data, buf.Format)
			if resolved.Load() {
				metricLateDiscarded.Inc()
			}
			results <- attempt{path: t.Name(), res: r, err: err}
		}()
	}

	start := time.Now()
	launch(g.primary)
	pending := 1
	fallbackStarted := false
	startFallback := func(trigger string) {
		if fallbackStarted || g.fallback == nil {
			return
		}
		fallbackStarted = true
		pending++
		metricFallbacks.WithLabelValues(trigger).Inc()
		log.Printf("[stt] starting fallback trigger=%s", trigger)
		launch(g.fallback)
	}

	var hedge <-chan time.Time
	if g.HedgeAfter > 0 && g.fallback != nil {
		t := time.NewTimer(g.HedgeAfter)
		defer t.Stop()
		hedge = t.C
	}

	var errs []error
	for {
		select {
		case a := <-results:
			pending--
			if a.err == nil && a.res.Text != "" {
				resolved.Store(true)
				if a.res.Source == "" {
					a.res.Source = a.path
				}
				metricOutcomes.WithLabelValues(a.path).Inc()
				log.Printf("[stt] resolved source=%s conf=%.2f in %dms", a.res.Source, a.res.Confidence, time.Since(start).Milliseconds())
				return a.res, nil
			}
			err := a.err
			trigger := "error"
			if err == nil {
				err = NewTranscriptionError(a.path, "empty", "no speech recognized", ErrEmptyResult, false)
				trigger = "empty"
			}
			log.Printf("[stt] %s failed: %v", a.path, err)
			errs = append(errs, err)
			startFallback(trigger)
			if pending == 0 {
				metricOutcomes.WithLabelValues("failed").Inc()
				return Result{}, errors.Join(errs...)
			}
		case <-hedge:
			hedge = nil
			startFallback("hedge")
		case <-ctx.Done():
			metricOutcomes.WithLabelValues("cancelled").Inc()
			return Result{}, ctx.Err()
		}
	}
}
