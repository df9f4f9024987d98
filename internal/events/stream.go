package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"voice-orchestrator/backend/pkg/models"
)

// StreamMessage is one frame of the external progress stream. It encodes
// as the event's fields plus a "type" discriminator.
type StreamMessage struct {
	Type  string
	Event models.ProgressEvent
}

// MarshalJSON flattens the event next to the type field.
func (m StreamMessage) MarshalJSON() ([]byte, error) {
	type event models.ProgressEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		event
	}{Type: m.Type, event: event(m.Event)})
}

// Encoder writes stream messages to a transport.
type Encoder interface {
	Encode(msg StreamMessage) error
}

// Flusher is implemented by response writers that buffer output.
type Flusher interface {
	Flush()
}

type sseEncoder struct {
	w io.Writer
}

// NewSSEEncoder writes Server-Sent-Events "data:" frames to w.
func NewSSEEncoder(w io.Writer) Encoder {
	return &sseEncoder{w: w}
}

func (e *sseEncoder) Encode(msg StreamMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", b); err != nil {
		return err
	}
	flush(e.w)
	return nil
}

type ndjsonEncoder struct {
	w io.Writer
}

// NewNDJSONEncoder writes one JSON document per line to w.
func NewNDJSONEncoder(w io.Writer) Encoder {
	return &ndjsonEncoder{w: w}
}

func (e *ndjsonEncoder) Encode(msg StreamMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := e.w.Write(b); err != nil {
		return err
	}
	flush(e.w)
	return nil
}

func flush(w io.Writer) {
	if f, ok := w.(Flusher); ok {
		f.Flush()
	}
}

// Stream bridges subjectID to enc. It sends the connected sentinel once,
// forwards every event, and returns after forwarding a terminal event, when
// ctx is done, or when the bus closes. The subscription is always removed
// before Stream returns.
func (b *Bus) Stream(ctx context.Context, subjectID string, enc Encoder) error {
	sub := b.Subscribe(subjectID)
	defer sub.Unsubscribe()

	connected := models.ProgressEvent{
		SubjectID: subjectID,
		Phase:     models.PhaseConnected,
		Message:   "connected",
		Timestamp: b.clock.Now(),
	}
	if err := enc.Encode(StreamMessage{Type: models.PhaseConnected, Event: connected}); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := enc.Encode(StreamMessage{Type: ev.Phase, Event: ev}); err != nil {
				return err
			}
			if ev.Terminal() {
				return nil
			}
		}
	}
}
