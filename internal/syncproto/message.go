package syncproto

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates the sync protocol's wire messages. It is a
// closed union: Decode maps any unrecognized "type" field to
// MessageUnknown rather than failing, so peers can log and ignore a
// message type they don't recognize instead of tearing down the
// connection.
type MessageType string

const (
	MessageConnected MessageType = "connected"
	MessageUpdate    MessageType = "update"
	MessageAck       MessageType = "ack"
	MessagePull      MessageType = "pull"
	MessageUnknown   MessageType = ""
)

// Message is the envelope for all four sync protocol message kinds. Only
// the fields relevant to Type are populated; see the per-type constructors
// below for each type's field set.
type Message struct {
	Type    MessageType `json:"type"`
	SiteID  string      `json:"siteId,omitempty"`
	Version int64       `json:"version,omitempty"`
	Changes []Change    `json:"changes,omitempty"`

	// Raw carries the original bytes of a message whose Type decoded to
	// MessageUnknown, so a caller that wants to log the payload can.
	Raw json.RawMessage `json:"-"`
}

// Connected builds a "connected" message, which each side of a peer
// connection sends once when the connection opens.
func Connected(serverSiteID string, version int64) Message {
	return Message{Type: MessageConnected, SiteID: serverSiteID, Version: version}
}

// Update builds an "update" message carrying a batch of changes.
func Update(siteID string, version int64, changes []Change) Message {
	return Message{Type: MessageUpdate, SiteID: siteID, Version: version, Changes: changes}
}

// Ack builds an "ack" message.
func Ack(siteID string, version int64) Message {
	return Message{Type: MessageAck, SiteID: siteID, Version: version}
}

// Pull builds a "pull" message.
func Pull(siteID string, version int64) Message {
	return Message{Type: MessagePull, SiteID: siteID, Version: version}
}

// Encode serializes a Message to its wire form. Encode then Decode yields
// the original Message.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("syncproto: encode %s: %w", m.Type, err)
	}
	return data, nil
}

// Decode parses a wire message. An unrecognized "type" value decodes to a
// Message with Type == MessageUnknown and Raw populated with the original
// bytes, rather than an error; the caller logs and ignores it instead of
// treating it as a decode failure.
func Decode(data []byte) (Message, error) {
	var peek struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return Message{}, fmt.Errorf("syncproto: decode: %w", err)
	}

	switch peek.Type {
	case MessageConnected, MessageUpdate, MessageAck, MessagePull:
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			return Message{}, fmt.Errorf("syncproto: decode %s: %w", peek.Type, err)
		}
		return m, nil
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return Message{Type: MessageUnknown, Raw: raw}, nil
	}
}
