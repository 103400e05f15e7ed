package publish

import (
	"encoding/json"
	"time"

	"github.com/seantiz/probe/internal/model"
)

// Envelope is the wire form of a terminal run on the message buses.
type Envelope struct {
	Key       string          `json:"key"`
	Run       *model.Run      `json:"run"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Published time.Time       `json:"published_at"`
}

func envelopeOf(res model.RunResult) Envelope {
	return Envelope{
		Key:       res.Key(),
		Run:       res.Run,
		Payload:   res.Payload,
		Published: time.Now().UTC(),
	}
}
