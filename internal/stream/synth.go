package stream

import (
	"context"
	"time"
)

const (
	DefaultChunkSize  = 64
	DefaultChunkDelay = 20 * time.Millisecond
)

// Synthesizer replays a complete answer as a paced sequence of fragments.
type Synthesizer struct {
	ChunkSize int
	Delay     time.Duration
}

// Synthesize sends text as streaming fragments of ChunkSize runes, then one
// complete event carrying the full text. Cancellation is checked before every
// fragment; a cancelled stream returns ctx.Err() and sends nothing further.
func (s Synthesizer) Synthesize(ctx context.Context, text string, sink Sink) error {
	return s.SynthesizeWith(ctx, text, sink, Complete(text))
}

// SynthesizeWith is Synthesize with a caller-built terminal event.
func (s Synthesizer) SynthesizeWith(ctx context.Context, text string, sink Sink, done Event) error {
	size := s.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	runes := []rune(text)
	for start := 0; start < len(runes); start += size {
		if start > 0 && s.Delay > 0 {
			if timer == nil {
				timer = time.NewTimer(s.Delay)
			} else {
				timer.Reset(s.Delay)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		end := min(start+size, len(runes))
		if err := sink.Send(Fragment(string(runes[start:end]))); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	done.Stage = StageComplete
	done.FullContent = text
	return sink.Send(done)
}
