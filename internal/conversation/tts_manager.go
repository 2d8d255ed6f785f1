package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/antoniostano/avatarturn/internal/audio"
	"github.com/antoniostano/avatarturn/internal/avatar"
	"github.com/antoniostano/avatarturn/internal/logging"
	"github.com/antoniostano/avatarturn/internal/observability"
	"github.com/antoniostano/avatarturn/internal/protocol"
	"github.com/antoniostano/avatarturn/internal/voice"
)

// SynthesisTaskManager synthesizes the sentences of one turn concurrently
// and emits them strictly in submission order. Job i is emitted only once
// nextToEmit == i; a finished job blocks on its own wait channel, never
// the manager.
type SynthesisTaskManager struct {
	synth      voice.Synthesizer
	translator voice.Translator
	model      *avatar.Model
	sliceMS    int
	speaker    string
	sink       Sender
	logger     zerolog.Logger
	metrics    *observability.Metrics
	stages     *observability.StageWindow

	mu         sync.Mutex
	nextIndex  int
	nextToEmit int
	finished   map[int]bool
	waiters    map[int]chan struct{}
	emitErr    error
	firstAudio func()
	wg         sync.WaitGroup
}

type synthesisJob struct {
	index   int
	text    string
	display string
}

// NewSynthesisTaskManager builds a manager emitting to sink. speaker names
// the character in group broadcasts and may be empty.
func NewSynthesisTaskManager(svc *ServiceContext, sink Sender, speaker string) *SynthesisTaskManager {
	return &SynthesisTaskManager{
		synth:      svc.Synthesizer,
		translator: svc.Translator,
		model:      svc.Avatar,
		sliceMS:    svc.SliceMS,
		speaker:    speaker,
		sink:       sink,
		logger:     svc.Logger,
		metrics:    svc.Metrics,
		stages:     svc.Stages,
		finished:   make(map[int]bool),
		waiters:    make(map[int]chan struct{}),
	}
}

// OnFirstAudio registers fn to run once when the first job is emitted.
func (m *SynthesisTaskManager) OnFirstAudio(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.firstAudio = fn
}

// Submit assigns the next sequence index and starts synthesis in its own
// goroutine. An empty text produces a display-only message. Failures are
// logged by the job and never returned.
func (m *SynthesisTaskManager) Submit(ctx context.Context, text, displayText string) {
	m.mu.Lock()
	job := synthesisJob{index: m.nextIndex, text: text, display: displayText}
	m.nextIndex++
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(ctx, job)
}

func (m *SynthesisTaskManager) run(ctx context.Context, job synthesisJob) {
	defer m.wg.Done()
	ctx, span := tracer.Start(ctx, "synthesize sentence")
	span.SetAttributes(attribute.Int("sequence_index", job.index))
	defer span.End()

	msg, handle, synthErr := m.prepare(ctx, job)
	readyAt := time.Now()
	defer func() {
		if handle.Path != "" {
			m.synth.Release(handle)
		}
	}()

	if err := m.awaitTurn(ctx, job.index); err != nil {
		// Abandoned by cancellation; still release the slot.
		m.finish(job.index)
		m.metrics.ObserveSynthesisJob("cancelled", -1)
		return
	}
	wait := time.Since(readyAt)

	switch {
	case synthErr != nil:
		recordSpanError(span, synthErr)
		if errors.Is(synthErr, context.Canceled) {
			m.metrics.ObserveSynthesisJob("cancelled", wait)
		} else {
			m.logger.Warn().Err(synthErr).Int("index", job.index).Str("text", logging.Preview(job.text, 60)).Msg("sentence synthesis failed, skipping")
			m.metrics.ObserveSynthesisJob("failed", wait)
			m.stages.Count("sentence_synthesis_failed")
		}
	case m.emissionFailed():
		m.metrics.ObserveSynthesisJob("skipped", wait)
	default:
		if err := m.sink.Send(ctx, msg); err != nil {
			recordSpanError(span, err)
			m.setEmitErr(fmt.Errorf("%w: %v", ErrEmission, err))
			m.metrics.ObserveSynthesisJob("emit_failed", wait)
		} else {
			m.metrics.ObserveSynthesisJob("emitted", wait)
			m.markFirstAudio()
		}
	}
	m.finish(job.index)
}

func (m *SynthesisTaskManager) prepare(ctx context.Context, job synthesisJob) (protocol.Audio, voice.AudioHandle, error) {
	msg := protocol.Audio{
		Type:          protocol.TypeAudio,
		Volumes:       []float64{},
		SliceLengthMS: m.sliceMS,
		Text:          m.model.StripKeywords(job.display),
		Expressions:   m.model.Expressions(job.display),
		SpeakerName:   m.speaker,
	}
	if msg.SliceLengthMS <= 0 {
		msg.SliceLengthMS = audio.DefaultSliceMS
	}
	text := strings.TrimSpace(job.text)
	if text == "" {
		return msg, voice.AudioHandle{}, nil
	}
	if m.translator != nil {
		translated, err := m.translator.Translate(ctx, text)
		if err != nil {
			// Speak the untranslated text rather than drop the sentence.
			m.logger.Warn().Err(err).Int("index", job.index).Msg("translation failed")
		} else if strings.TrimSpace(translated) != "" {
			text = translated
		}
	}
	start := time.Now()
	handle, err := m.synth.Synthesize(ctx, text)
	if err != nil {
		return msg, voice.AudioHandle{}, err
	}
	m.logger.Debug().Int("index", job.index).Dur("took", time.Since(start)).Msg("sentence synthesized")
	payload, err := audio.LoadPayload(handle.Path, msg.SliceLengthMS)
	if err != nil {
		return msg, handle, fmt.Errorf("prepare audio payload: %w", err)
	}
	msg.Audio = payload.AudioBase64
	msg.Volumes = payload.Volumes
	msg.SliceLengthMS = payload.SliceMS
	return msg, handle, nil
}

// Emit sends an already synthesized segment, used by agents that return
// audio themselves. It blocks until emitted. Segments arrive in order, but
// going through the barrier keeps the first-audio hook and emission error
// bookkeeping shared with Submit.
func (m *SynthesisTaskManager) Emit(ctx context.Context, handle voice.AudioHandle, displayText string) error {
	m.mu.Lock()
	idx := m.nextIndex
	m.nextIndex++
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()
	defer m.finish(idx)
	defer m.synth.Release(handle)

	msg := protocol.Audio{
		Type:          protocol.TypeAudio,
		Volumes:       []float64{},
		SliceLengthMS: m.sliceMS,
		Text:          m.model.StripKeywords(displayText),
		Expressions:   m.model.Expressions(displayText),
		SpeakerName:   m.speaker,
	}
	if handle.Path != "" {
		payload, err := audio.LoadPayload(handle.Path, m.sliceMS)
		if err != nil {
			m.logger.Warn().Err(err).Int("index", idx).Msg("segment audio unusable, sending text only")
		} else {
			msg.Audio, msg.Volumes, msg.SliceLengthMS = payload.AudioBase64, payload.Volumes, payload.SliceMS
		}
	}
	if msg.SliceLengthMS <= 0 {
		msg.SliceLengthMS = audio.DefaultSliceMS
	}
	if err := m.awaitTurn(ctx, idx); err != nil {
		return err
	}
	if err := m.sink.Send(ctx, msg); err != nil {
		err = fmt.Errorf("%w: %v", ErrEmission, err)
		m.setEmitErr(err)
		return err
	}
	m.markFirstAudio()
	return nil
}

// awaitTurn blocks until idx holds the barrier. It fails once ctx is done,
// even when the barrier arrives at the same moment.
func (m *SynthesisTaskManager) awaitTurn(ctx context.Context, idx int) error {
	m.mu.Lock()
	if m.nextToEmit == idx {
		m.mu.Unlock()
		return ctx.Err()
	}
	ch := make(chan struct{})
	m.waiters[idx] = ch
	m.mu.Unlock()

	select {
	case <-ch:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish marks idx complete and advances the barrier over every contiguous
// finished index, waking the job that now holds it.
func (m *SynthesisTaskManager) finish(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished[idx] = true
	delete(m.waiters, idx)
	for m.finished[m.nextToEmit] {
		delete(m.finished, m.nextToEmit)
		m.nextToEmit++
		if ch, ok := m.waiters[m.nextToEmit]; ok {
			close(ch)
			delete(m.waiters, m.nextToEmit)
		}
	}
}

// EmissionErr returns the first failed send, or nil.
func (m *SynthesisTaskManager) EmissionErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emitErr
}

func (m *SynthesisTaskManager) emissionFailed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emitErr != nil
}

func (m *SynthesisTaskManager) setEmitErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.emitErr == nil {
		m.emitErr = err
	}
}

func (m *SynthesisTaskManager) markFirstAudio() {
	m.mu.Lock()
	fn := m.firstAudio
	m.firstAudio = nil
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Submitted reports how many jobs were submitted since the last Drain.
func (m *SynthesisTaskManager) Submitted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextIndex
}

// Drain waits until every submitted job has been emitted or dropped, then
// resets the counters. It returns the first emission failure, if any.
// With nothing submitted it returns immediately.
func (m *SynthesisTaskManager) Drain(ctx context.Context) error {
	start := time.Now()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nextIndex > 0 {
		m.stages.Observe(observability.StageSynthesisDrain, time.Since(start))
	}
	err := m.emitErr
	m.nextIndex = 0
	m.nextToEmit = 0
	m.emitErr = nil
	clear(m.finished)
	clear(m.waiters)
	return err
}
