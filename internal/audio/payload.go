package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"os"
)

// DefaultSliceMS is the volume envelope resolution used for lip sync.
const DefaultSliceMS = 20

var ErrSilentAudio = errors.New("audio is empty or all zero")

// Payload is a synthesized sentence ready for the client: the WAV bytes as
// base64 and one normalized RMS volume per slice.
type Payload struct {
	AudioBase64 string
	Volumes     []float64
	SliceMS     int
}

// LoadPayload reads a WAV file produced by a synthesizer and prepares it.
func LoadPayload(path string, sliceMS int) (Payload, error) {
	if path == "" {
		return Payload{}, errors.New("audio path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Payload{}, fmt.Errorf("read synthesized audio: %w", err)
	}
	return PreparePayload(data, sliceMS)
}

func PreparePayload(wav []byte, sliceMS int) (Payload, error) {
	if sliceMS <= 0 {
		sliceMS = DefaultSliceMS
	}
	clip, err := DecodeWAV(wav)
	if err != nil {
		return Payload{}, err
	}
	volumes, err := SliceVolumes(clip, sliceMS)
	if err != nil {
		return Payload{}, err
	}
	return Payload{
		AudioBase64: base64.StdEncoding.EncodeToString(wav),
		Volumes:     volumes,
		SliceMS:     sliceMS,
	}, nil
}

// SliceVolumes splits the clip into sliceMS chunks (the last may be short)
// and returns each chunk's RMS divided by the loudest chunk's RMS.
func SliceVolumes(clip Clip, sliceMS int) ([]float64, error) {
	step := clip.SampleRate * clip.Channels * sliceMS / 1000
	if step <= 0 || len(clip.Samples) == 0 {
		return nil, ErrSilentAudio
	}
	volumes := make([]float64, 0, len(clip.Samples)/step+1)
	peak := 0.0
	for start := 0; start < len(clip.Samples); start += step {
		end := min(start+step, len(clip.Samples))
		sum := 0.0
		for _, s := range clip.Samples[start:end] {
			sum += s * s
		}
		rms := math.Sqrt(sum / float64(end-start))
		volumes = append(volumes, rms)
		peak = max(peak, rms)
	}
	if peak == 0 {
		return nil, ErrSilentAudio
	}
	for i := range volumes {
		volumes[i] /= peak
	}
	return volumes, nil
}
