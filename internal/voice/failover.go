package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// FailoverSynthesizer prefers the primary engine and switches to fallback
// when a primary synthesis fails. Once fallback succeeds, it stays active
// until fallback fails; then primary is retried.
type FailoverSynthesizer struct {
	primary        Synthesizer
	fallback       Synthesizer
	fallbackActive atomic.Bool
	owners         sync.Map // path -> Synthesizer
}

func NewFailoverSynthesizer(primary, fallback Synthesizer) *FailoverSynthesizer {
	return &FailoverSynthesizer{primary: primary, fallback: fallback}
}

// FallbackActive reports whether synthesis is currently routed to fallback.
func (f *FailoverSynthesizer) FallbackActive() bool {
	return f.fallbackActive.Load()
}

func (f *FailoverSynthesizer) Synthesize(ctx context.Context, text string) (AudioHandle, error) {
	if f.fallbackActive.Load() {
		h, fbErr := f.fallback.Synthesize(ctx, text)
		if fbErr == nil {
			return f.own(h, f.fallback), nil
		}
		if errors.Is(fbErr, context.Canceled) {
			return AudioHandle{}, fbErr
		}
		// Fallback failed after being active; try primary again.
		h, prErr := f.primary.Synthesize(ctx, text)
		if prErr == nil {
			f.fallbackActive.Store(false)
			return f.own(h, f.primary), nil
		}
		return AudioHandle{}, fmt.Errorf("tts fallback failed: %v; tts primary failed: %w", fbErr, prErr)
	}

	h, prErr := f.primary.Synthesize(ctx, text)
	if prErr == nil {
		return f.own(h, f.primary), nil
	}
	if errors.Is(prErr, context.Canceled) {
		return AudioHandle{}, prErr
	}
	h, fbErr := f.fallback.Synthesize(ctx, text)
	if fbErr != nil {
		return AudioHandle{}, fmt.Errorf("tts primary failed: %v; tts fallback failed: %w", prErr, fbErr)
	}
	f.fallbackActive.Store(true)
	return f.own(h, f.fallback), nil
}

func (f *FailoverSynthesizer) Release(h AudioHandle) {
	owner, ok := f.owners.LoadAndDelete(h.Path)
	if !ok {
		f.primary.Release(h)
		return
	}
	owner.(Synthesizer).Release(h)
}

func (f *FailoverSynthesizer) own(h AudioHandle, s Synthesizer) AudioHandle {
	f.owners.Store(h.Path, s)
	return h
}
