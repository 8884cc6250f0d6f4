package audio

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidConfiguration reports a non-positive chunk duration or sample rate.
var ErrInvalidConfiguration = errors.New("invalid chunk configuration")

// Chunk is a contiguous slice of the input samples.
type Chunk struct {
	Index   int
	Offset  int
	Samples []float32
}

// StartSeconds returns the chunk offset in seconds at the given sample rate.
func (c Chunk) StartSeconds(sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(c.Offset) / float64(sampleRate)
}

// Chunker walks a sample buffer in bounded windows. It is single use.
type Chunker struct {
	samples []float32
	size    int
	offset  int
	index   int
}

// NewChunker validates the window configuration and returns a chunker over samples.
func NewChunker(samples []float32, maxDurationSeconds float64, sampleRate int) (*Chunker, error) {
	size, err := ChunkSize(maxDurationSeconds, sampleRate)
	if err != nil {
		return nil, err
	}
	return &Chunker{samples: samples, size: size}, nil
}

// ChunkSize returns the maximum number of samples per chunk.
func ChunkSize(maxDurationSeconds float64, sampleRate int) (int, error) {
	if sampleRate <= 0 {
		return 0, fmt.Errorf("%w: sample rate must be positive, got %d", ErrInvalidConfiguration, sampleRate)
	}
	if maxDurationSeconds <= 0 || math.IsNaN(maxDurationSeconds) || math.IsInf(maxDurationSeconds, 0) {
		return 0, fmt.Errorf("%w: chunk duration must be positive, got %v", ErrInvalidConfiguration, maxDurationSeconds)
	}
	size := int(math.Floor(maxDurationSeconds * float64(sampleRate)))
	if size <= 0 {
		return 0, fmt.Errorf("%w: chunk of %vs at %dHz holds no samples", ErrInvalidConfiguration, maxDurationSeconds, sampleRate)
	}
	return size, nil
}

// Count reports the total number of chunks the chunker yields.
func (c *Chunker) Count() int {
	if len(c.samples) == 0 {
		return 0
	}
	return (len(c.samples) + c.size - 1) / c.size
}

// Next returns the next chunk, or false once the input is exhausted.
func (c *Chunker) Next() (Chunk, bool) {
	if c.offset >= len(c.samples) {
		return Chunk{}, false
	}
	end := c.offset + c.size
	if end > len(c.samples) {
		end = len(c.samples)
	}
	chunk := Chunk{
		Index:   c.index,
		Offset:  c.offset,
		Samples: c.samples[c.offset:end:end],
	}
	c.offset = end
	c.index++
	return chunk, true
}
