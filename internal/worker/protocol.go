package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Job kinds understood by the embedding worker.
const (
	EventStart        = "start"
	EventClipifyImage = "clipify-image"
	EventClipifyText  = "clipify-text"
)

// Message is one line of the worker protocol in either direction.
type Message struct {
	Event string          `json:"event"`
	MsgID string          `json:"msgid,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// StartData configures the worker before it accepts jobs.
type StartData struct {
	ModelClip string `json:"model_clip"`
	Device    string `json:"device"`
	BatchSize int    `json:"batch_size"`
}

type imageJob struct {
	Filepaths []string `json:"filepaths"`
}

type textJob struct {
	Text string `json:"text"`
}

type vectorsResult struct {
	Vectors [][]float32 `json:"vectors"`
}

// jobError is the optional error field of a job response.
type jobError struct {
	Error string `json:"error"`
}

var errMalformed = errors.New("malformed worker message")

// encode frames msg as a single line.
func encode(msg Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// decode parses one line. Lines that are not JSON objects or lack an
// event or data field are rejected.
func decode(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Message{}, fmt.Errorf("%w: empty line", errMalformed)
	}
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if msg.Event == "" {
		return Message{}, fmt.Errorf("%w: no event", errMalformed)
	}
	if msg.Data == nil {
		return Message{}, fmt.Errorf("%w: no data", errMalformed)
	}
	return msg, nil
}

// isControl reports whether event is an unsolicited log message.
func isControl(event string) bool {
	switch event {
	case "log", "info", "warn", "error":
		return true
	}
	return false
}
