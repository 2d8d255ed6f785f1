package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LEFile writes raw PCM16LE mono audio bytes as a WAV file.
func WriteWAVPCM16LEFile(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteWAVPCM16LETo(f, pcm, sampleRate)
}

// wavHeader is the canonical 44-byte header of a mono PCM16 WAV file.
type wavHeader struct {
	RIFF          [4]byte
	RIFFSize      uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	Format        uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

func newPCM16Header(dataSize, sampleRate int) wavHeader {
	const bytesPerSample = 2
	return wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		RIFFSize:      uint32(36 + dataSize),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		Format:        1,
		Channels:      1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * bytesPerSample),
		BlockAlign:    bytesPerSample,
		BitsPerSample: 8 * bytesPerSample,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(dataSize),
	}
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV
// stream. A non-positive sampleRate means 16 kHz.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	w := bufio.NewWriter(out)
	if err := binary.Write(w, binary.LittleEndian, newPCM16Header(len(pcm), sampleRate)); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("write wav data: %w", err)
	}
	return w.Flush()
}

var (
	ErrNotWAV            = errors.New("not a RIFF/WAVE stream")
	ErrUnsupportedFormat = errors.New("unsupported wav sample format")
)

// Clip is decoded WAV audio as interleaved float samples in [-1, 1].
type Clip struct {
	SampleRate int
	Channels   int
	Samples    []float64
}

// Duration of the clip in milliseconds.
func (c Clip) DurationMS() int {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	return len(c.Samples) * 1000 / (c.SampleRate * c.Channels)
}

// DecodeWAV parses a PCM16 or IEEE float32 WAV stream. Unknown chunks are
// skipped.
func DecodeWAV(data []byte) (Clip, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Clip{}, ErrNotWAV
	}
	var (
		format        uint16
		channels      uint16
		sampleRate    uint32
		bitsPerSample uint16
		haveFmt       bool
	)
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(data) {
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return Clip{}, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			format = binary.LittleEndian.Uint16(data[body:])
			channels = binary.LittleEndian.Uint16(data[body+2:])
			sampleRate = binary.LittleEndian.Uint32(data[body+4:])
			bitsPerSample = binary.LittleEndian.Uint16(data[body+14:])
			haveFmt = true
		case "data":
			if !haveFmt {
				return Clip{}, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			samples, err := decodeSamples(data[body:body+size], format, bitsPerSample)
			if err != nil {
				return Clip{}, err
			}
			return Clip{SampleRate: int(sampleRate), Channels: int(max(channels, 1)), Samples: samples}, nil
		}
		off = body + size + size%2
	}
	return Clip{}, fmt.Errorf("%w: missing data chunk", ErrNotWAV)
}

func decodeSamples(raw []byte, format, bits uint16) ([]float64, error) {
	switch {
	case format == 1 && bits == 16:
		out := make([]float64, len(raw)/2)
		for i := range out {
			out[i] = float64(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / 32768
		}
		return out, nil
	case format == 3 && bits == 32:
		out := make([]float64, len(raw)/4)
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: format=%d bits=%d", ErrUnsupportedFormat, format, bits)
	}
}

// Float32ToPCM16LE converts microphone samples in [-1, 1] to PCM16LE bytes,
// clamping out-of-range values.
func Float32ToPCM16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(math.Round(v*32767))))
	}
	return out
}
