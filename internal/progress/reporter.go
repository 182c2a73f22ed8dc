// Package progress derives backfill throughput and ETA: a
// time-weighted EMA of blocks/sec, net of live tip growth measured
// over a sliding five-minute window, against the fixed goal captured
// at the first sample so percent-complete never oscillates as the tip
// advances.
package progress

import (
	"math"
	"time"

	"github.com/rs/zerolog"
)

const (
	minReportInterval = 5 * time.Second
	emaWindow         = 60 * time.Second
	tipWindow         = 5 * time.Minute
	minEffectiveRate  = 0.001
)

type tipSample struct {
	at  time.Time
	tip uint64
}

// Report is one progress observation.
type Report struct {
	Height          uint64
	Tip             uint64
	RateHPS         float64 // EMA blocks/sec
	EffectiveHPS    float64 // EMA net of tip growth
	PercentComplete float64
	ETA             time.Duration
}

// Reporter accumulates samples from the backfill loop. Not safe for
// concurrent use; the backfill loop is its only caller.
type Reporter struct {
	log zerolog.Logger

	startHeight      uint64
	initialTipHeight uint64
	seeded           bool

	lastReportAt     time.Time
	lastReportHeight uint64
	emaRate          float64
	emaSeeded        bool

	tipSamples []tipSample
	maxPercent float64
}

// New builds a reporter for a backfill starting at startHeight.
func New(startHeight uint64, log zerolog.Logger) *Reporter {
	return &Reporter{
		startHeight: startHeight,
		log:         log.With().Str("component", "progress").Logger(),
	}
}

// Sample records the current max persisted height and node tip.
// Returns a report (and logs it) when at least the minimum interval
// has elapsed since the last one; otherwise returns nil.
func (r *Reporter) Sample(maxHeight, tip uint64) *Report {
	now := time.Now()
	return r.sampleAt(now, maxHeight, tip)
}

func (r *Reporter) sampleAt(now time.Time, maxHeight, tip uint64) *Report {
	if !r.seeded {
		r.seeded = true
		r.initialTipHeight = tip
		r.lastReportAt = now
		r.lastReportHeight = maxHeight
		r.tipSamples = append(r.tipSamples, tipSample{at: now, tip: tip})
		return nil
	}
	r.pushTip(now, tip)

	elapsed := now.Sub(r.lastReportAt)
	if elapsed < minReportInterval {
		return nil
	}

	deltaH := float64(0)
	if maxHeight > r.lastReportHeight {
		deltaH = float64(maxHeight - r.lastReportHeight)
	}
	deltaS := elapsed.Seconds()
	instRate := deltaH / deltaS

	// Time-based EMA over a ~60s window.
	alpha := 1 - math.Exp(-deltaS/emaWindow.Seconds())
	if !r.emaSeeded {
		r.emaRate = instRate
		r.emaSeeded = true
	} else {
		r.emaRate = alpha*instRate + (1-alpha)*r.emaRate
	}

	growth := r.tipGrowthRate()
	effective := math.Max(r.emaRate-growth, minEffectiveRate)

	remaining := float64(0)
	if r.initialTipHeight > maxHeight {
		remaining = float64(r.initialTipHeight - maxHeight)
	}
	eta := time.Duration(remaining / effective * float64(time.Second))

	percent := 100.0
	if goal := float64(r.initialTipHeight) - float64(r.startHeight); goal > 0 {
		percent = (float64(maxHeight) - float64(r.startHeight)) / goal * 100
		percent = math.Min(math.Max(percent, 0), 100)
	}
	// Monotone against the fixed goal.
	if percent < r.maxPercent {
		percent = r.maxPercent
	}
	r.maxPercent = percent

	r.lastReportAt = now
	r.lastReportHeight = maxHeight

	report := &Report{
		Height:          maxHeight,
		Tip:             tip,
		RateHPS:         r.emaRate,
		EffectiveHPS:    effective,
		PercentComplete: percent,
		ETA:             eta,
	}
	r.log.Info().
		Uint64("height", maxHeight).
		Uint64("tip", tip).
		Float64("rate_hps", round2(r.emaRate)).
		Float64("effective_hps", round2(effective)).
		Float64("percent", round2(percent)).
		Dur("eta", eta).
		Msg("backfill progress")
	return report
}

// pushTip appends a tip sample and trims the window to five minutes.
func (r *Reporter) pushTip(now time.Time, tip uint64) {
	r.tipSamples = append(r.tipSamples, tipSample{at: now, tip: tip})
	cutoff := now.Add(-tipWindow)
	trim := 0
	for trim < len(r.tipSamples)-1 && r.tipSamples[trim].at.Before(cutoff) {
		trim++
	}
	r.tipSamples = r.tipSamples[trim:]
}

// tipGrowthRate is the slope between the first and last samples in
// the window, heights/sec.
func (r *Reporter) tipGrowthRate() float64 {
	if len(r.tipSamples) < 2 {
		return 0
	}
	first := r.tipSamples[0]
	last := r.tipSamples[len(r.tipSamples)-1]
	seconds := last.at.Sub(first.at).Seconds()
	if seconds <= 0 || last.tip <= first.tip {
		return 0
	}
	return float64(last.tip-first.tip) / seconds
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
