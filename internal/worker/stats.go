package worker

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Stats counts what the worker served. Counters are atomic so a snapshot can
// be taken from outside the dispatch goroutine.
type Stats struct {
	requests     atomic.Uint64
	results      atomic.Uint64
	errors       atomic.Uint64
	audioBytes   atomic.Uint64
	audioSamples atomic.Uint64
}

type StatsSnapshot struct {
	Requests     uint64
	Results      uint64
	Errors       uint64
	AudioBytes   uint64
	AudioSamples uint64
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Requests:     s.requests.Load(),
		Results:      s.results.Load(),
		Errors:       s.errors.Load(),
		AudioBytes:   s.audioBytes.Load(),
		AudioSamples: s.audioSamples.Load(),
	}
}

func (s StatsSnapshot) fields() []zap.Field {
	return []zap.Field{
		zap.Uint64("requests", s.Requests),
		zap.Uint64("results", s.Results),
		zap.Uint64("errors", s.Errors),
		zap.Uint64("audio_bytes", s.AudioBytes),
		zap.Uint64("audio_samples", s.AudioSamples),
	}
}
