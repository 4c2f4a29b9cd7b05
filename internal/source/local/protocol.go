package local

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize is the maximum allowed frame payload (32 MiB).
const MaxMessageSize = 32 << 20

// EngineRequest is the JSON payload sent from host to engine.
type EngineRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Steps          int     `json:"steps"`
	Seed           string  `json:"seed,omitempty"`
	CFGScale       float64 `json:"cfg_scale"`
}

// EngineResponse is the final result reported by the engine. A non-empty
// Error means generation failed.
type EngineResponse struct {
	Image []byte `json:"image,omitempty"`
	Seed  string `json:"seed,omitempty"`
	Error string `json:"error,omitempty"`
}

// Engine→host message types.
const (
	MsgTypeProgress = "progress"
	MsgTypeResult   = "result"
)

// EngineMessage is the envelope for all engine→host messages.
// While rendering, the engine sends Type="progress" frames.
// When rendering finishes, it sends one final Type="result" frame.
type EngineMessage struct {
	Type     string          `json:"type"`
	Step     int             `json:"step,omitempty"`
	Steps    int             `json:"steps,omitempty"`
	Response *EngineResponse `json:"response,omitempty"`
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}
