package audio

import (
	"errors"
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrUnsupportedAudio is returned for WAV input that cannot become mono float samples at the target rate.
var ErrUnsupportedAudio = errors.New("unsupported audio")

// DecodeWAV reads a PCM WAV stream and returns mono samples in [-1, 1].
// Multi-channel input is downmixed by averaging. The stream must already be at sampleRate.
func DecodeWAV(r io.ReadSeeker, sampleRate int) ([]float32, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not a valid wav file", ErrUnsupportedAudio)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if int(dec.SampleRate) != sampleRate {
		return nil, fmt.Errorf("%w: sample rate %dHz, want %dHz", ErrUnsupportedAudio, dec.SampleRate, sampleRate)
	}
	channels := int(dec.NumChans)
	if channels <= 0 {
		return nil, fmt.Errorf("%w: wav declares no channels", ErrUnsupportedAudio)
	}
	bitDepth := int(dec.BitDepth)
	if bitDepth <= 0 || bitDepth > 32 {
		return nil, fmt.Errorf("%w: bit depth %d", ErrUnsupportedAudio, bitDepth)
	}
	return intBufferToMono(buf, channels, bitDepth), nil
}

func intBufferToMono(buf *goaudio.IntBuffer, channels, bitDepth int) []float32 {
	scale := float64(int64(1) << (bitDepth - 1))
	// 8-bit PCM is unsigned with silence at 128.
	var bias float64
	if bitDepth == 8 {
		bias = 128
	}
	frames := len(buf.Data) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for ch := 0; ch < channels; ch++ {
			sum += float64(buf.Data[i*channels+ch]) - bias
		}
		out[i] = float32(sum / float64(channels) / scale)
	}
	return out
}

// EncodeWAV writes mono samples as 16-bit PCM.
func EncodeWAV(w io.WriteSeeker, samples []float32, sampleRate int) error {
	data := make([]int, len(samples))
	for i, s := range samples {
		if math.IsNaN(float64(s)) {
			continue
		}
		v := math.Max(-1, math.Min(1, float64(s)))
		data[i] = int(math.Round(v * 32767))
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
