package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Command types accepted by the transcription worker.
const (
	CommandLoad     = "load"
	CommandGenerate = "generate"
	CommandReset    = "reset"
)

// Event statuses emitted by the transcription worker.
const (
	StatusLoading  = "loading"
	StatusInitiate = "initiate"
	StatusProgress = "progress"
	StatusDone     = "done"
	StatusReady    = "ready"
	StatusStart    = "start"
	StatusUpdate   = "update"
	StatusComplete = "complete"
	StatusError    = "error"
)

// Command is a host request sent to the worker.
type Command struct {
	Type string        `json:"type"`
	Data *GenerateData `json:"data,omitempty"`
}

// GenerateData carries audio already decoded to mono float samples at 16kHz.
type GenerateData struct {
	Audio      Samples `json:"audio"`
	Language   string  `json:"language,omitempty"`
	Timestamps bool    `json:"timestamps,omitempty"`
}

// Event is a worker notification. Fields are populated according to Status.
type Event struct {
	JobID        string    `json:"job_id,omitempty"`
	Status       string    `json:"status"`
	Data         string    `json:"data,omitempty"`
	File         string    `json:"file,omitempty"`
	Loaded       int64     `json:"loaded,omitempty"`
	Total        int64     `json:"total,omitempty"`
	Output       string    `json:"output,omitempty"`
	TPS          *float64  `json:"tps,omitempty"`
	NumTokens    int       `json:"num_tokens,omitempty"`
	Progress     float64   `json:"progress,omitempty"`
	CurrentChunk int       `json:"current_chunk,omitempty"`
	TotalChunks  int       `json:"total_chunks,omitempty"`
	Error        string    `json:"error,omitempty"`
	TraceID      string    `json:"trace_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

const (
	SubjectCommand     = "transcribe.command"
	SubjectEventPrefix = "transcribe.event"
)

// EventSubject returns the subject an event with the given status is published on.
func EventSubject(status string) string {
	return SubjectEventPrefix + "." + status
}

// Samples is mono PCM audio. On the wire it is a base64 string of
// little-endian float32 values, 4 bytes per sample before encoding. A plain
// JSON number array is also accepted when decoding.
type Samples []float32

func (s Samples) MarshalJSON() ([]byte, error) {
	raw := make([]byte, 4*len(s))
	for i, v := range s {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return json.Marshal(base64.StdEncoding.EncodeToString(raw))
}

func (s *Samples) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		var values []float32
		if err := json.Unmarshal(data, &values); err != nil {
			return err
		}
		*s = values
		return nil
	}
	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return fmt.Errorf("audio must be a base64 string or a number array: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode audio: %w", err)
	}
	if len(raw)%4 != 0 {
		return fmt.Errorf("decode audio: %d bytes is not a whole number of float32 samples", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	*s = out
	return nil
}
