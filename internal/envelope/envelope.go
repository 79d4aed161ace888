// Package envelope implements the logical unit of communication between the
// shepherd, its agents and the environment: a JSON header plus zero or more
// opaque binary blobs, carried on the wire as a flat chunk stream.
package envelope

import (
	"bytes"
	"fmt"

	"go.uber.org/zap"

	"github.com/hongzhonglu/vivarium/internal/chunk"
	"github.com/hongzhonglu/vivarium/internal/jsonx"
)

// Chunk tags recognized by this layer. Anything else is skipped on decode.
const (
	TagJSON = "JSON"
	TagBLOB = "BLOB"
)

// Well-known event verbs.
const (
	EventAddAgent                = "ADD_AGENT"
	EventRemoveAgent             = "REMOVE_AGENT"
	EventTriggerAll              = "TRIGGER_ALL"
	EventPauseAll                = "PAUSE_ALL"
	EventShutdownAll             = "SHUTDOWN_ALL"
	EventTriggerAgent            = "TRIGGER_AGENT"
	EventPauseAgent              = "PAUSE_AGENT"
	EventShutdownAgent           = "SHUTDOWN_AGENT"
	EventCellDeclare             = "CELL_DECLARE"
	EventEnvironmentSync         = "ENVIRONMENT_SYNCHRONIZE"
	EventInitialize              = "INITIALIZE"
	EventVisualizationInitialize = "VISUALIZATION_INITIALIZE"
	EventDivideCell              = "DIVIDE_CELL"
)

// BlobsKey is the header key under which decoded blobs are attached.
const BlobsKey = "blobs"

// Message is a decoded envelope: free-form JSON header fields plus, when
// present, an ordered blob list under BlobsKey.
type Message map[string]any

// Event returns the message's event verb, or "".
func (m Message) Event() string { return m.str("event") }

// AgentID returns the agent_id field, or "".
func (m Message) AgentID() string { return m.str("agent_id") }

// AgentType returns the agent_type field, or "".
func (m Message) AgentType() string { return m.str("agent_type") }

// Prefix returns the prefix field used for bulk removal, or "".
func (m Message) Prefix() string { return m.str("prefix") }

// AgentConfig returns the nested agent_config mapping, or nil.
func (m Message) AgentConfig() map[string]any {
	if v, ok := m["agent_config"].(map[string]any); ok {
		return v
	}
	return nil
}

// Blobs returns the ordered blob list, or nil.
func (m Message) Blobs() [][]byte {
	if v, ok := m[BlobsKey].([][]byte); ok {
		return v
	}
	return nil
}

// WithoutBlobs returns a shallow copy of the message with the blob list
// removed. Used before JSON serialization and before caching, so large
// buffers are not retained.
func (m Message) WithoutBlobs() Message {
	out := make(Message, len(m))
	for k, v := range m {
		if k == BlobsKey {
			continue
		}
		out[k] = v
	}
	return out
}

func (m Message) str(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Encode serializes a message as a flat chunk stream: one JSON chunk holding
// the blob-stripped header, then one BLOB chunk per blob in order.
func Encode(m Message) ([]byte, error) {
	header, err := jsonx.Marshal(map[string]any(m.WithoutBlobs()))
	if err != nil {
		return nil, fmt.Errorf("envelope: encode header: %w", err)
	}
	var buf bytes.Buffer
	w := chunk.NewWriter(&buf, false)
	if err := w.WriteChunk(TagJSON, header); err != nil {
		return nil, err
	}
	for _, blob := range m.Blobs() {
		if err := w.WriteChunk(TagBLOB, blob); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Decode parses a chunk stream back into a message. The first JSON chunk is
// the header and later JSON chunks are ignored; BLOB chunks append in order;
// unknown chunk types are skipped. A payload with no JSON chunk decodes to a
// header-less message carrying only blobs.
func Decode(payload []byte, logger *zap.Logger) (Message, error) {
	chunks := chunk.ReadAll(bytes.NewReader(payload), false, logger)

	msg := Message{}
	var blobs [][]byte
	sawHeader := false
	for _, c := range chunks {
		switch c.Type {
		case TagJSON:
			if sawHeader {
				continue
			}
			if err := jsonx.Unmarshal(c.Body, (*map[string]any)(&msg)); err != nil {
				return nil, fmt.Errorf("envelope: decode header: %w", err)
			}
			sawHeader = true
		case TagBLOB:
			blobs = append(blobs, c.Body)
		}
	}
	if len(blobs) > 0 {
		msg[BlobsKey] = blobs
	}
	return msg, nil
}
