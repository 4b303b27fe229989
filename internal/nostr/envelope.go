package nostr

import (
	"encoding/json"
	"errors"
	"fmt"

	"nostr-sync/internal/types"
)

// Relay -> client message labels
const (
	LabelEvent  = "EVENT"
	LabelEOSE   = "EOSE"
	LabelOK     = "OK"
	LabelNotice = "NOTICE"
	LabelAuth   = "AUTH"
	LabelClosed = "CLOSED"
	LabelReq    = "REQ"
	LabelClose  = "CLOSE"
)

// ErrMalformed is returned for messages that do not follow NIP-01 framing
var ErrMalformed = errors.New("malformed message")

// Message is a decoded relay -> client message. Which fields are set depends
// on Label: EVENT (SubID, Event), EOSE (SubID), OK (EventID, OK, Text),
// NOTICE (Text), AUTH (Text = challenge), CLOSED (SubID, Text = reason).
type Message struct {
	Label   string
	SubID   string
	Event   *types.Event
	EventID string
	OK      bool
	Text    string
}

// ParseMessage decodes one relay -> client frame
func ParseMessage(data []byte) (*Message, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) < 2 {
		return nil, fmt.Errorf("%w: too few elements", ErrMalformed)
	}

	msg := &Message{}
	if err := json.Unmarshal(raw[0], &msg.Label); err != nil {
		return nil, fmt.Errorf("%w: label: %v", ErrMalformed, err)
	}

	switch msg.Label {
	case LabelEvent:
		if len(raw) < 3 {
			return nil, fmt.Errorf("%w: EVENT without event", ErrMalformed)
		}
		if err := json.Unmarshal(raw[1], &msg.SubID); err != nil {
			return nil, fmt.Errorf("%w: subscription id: %v", ErrMalformed, err)
		}
		var evt types.Event
		if err := json.Unmarshal(raw[2], &evt); err != nil {
			return nil, fmt.Errorf("%w: event: %v", ErrMalformed, err)
		}
		msg.Event = &evt
	case LabelEOSE:
		if err := json.Unmarshal(raw[1], &msg.SubID); err != nil {
			return nil, fmt.Errorf("%w: subscription id: %v", ErrMalformed, err)
		}
	case LabelOK:
		if len(raw) < 3 {
			return nil, fmt.Errorf("%w: OK without status", ErrMalformed)
		}
		if err := json.Unmarshal(raw[1], &msg.EventID); err != nil {
			return nil, fmt.Errorf("%w: event id: %v", ErrMalformed, err)
		}
		if err := json.Unmarshal(raw[2], &msg.OK); err != nil {
			return nil, fmt.Errorf("%w: ok flag: %v", ErrMalformed, err)
		}
		if len(raw) >= 4 {
			_ = json.Unmarshal(raw[3], &msg.Text)
		}
	case LabelNotice, LabelAuth:
		if err := json.Unmarshal(raw[1], &msg.Text); err != nil {
			return nil, fmt.Errorf("%w: %s text: %v", ErrMalformed, msg.Label, err)
		}
	case LabelClosed:
		if err := json.Unmarshal(raw[1], &msg.SubID); err != nil {
			return nil, fmt.Errorf("%w: subscription id: %v", ErrMalformed, err)
		}
		if len(raw) >= 3 {
			_ = json.Unmarshal(raw[2], &msg.Text)
		}
	default:
		return nil, fmt.Errorf("%w: unknown label %q", ErrMalformed, msg.Label)
	}

	return msg, nil
}

// EncodeReq builds ["REQ", subID, filter...]
func EncodeReq(subID string, filters []types.Filter) ([]byte, error) {
	msg := make([]interface{}, 0, len(filters)+2)
	msg = append(msg, LabelReq, subID)
	for _, f := range filters {
		msg = append(msg, FilterToMap(f))
	}
	return marshalNoEscape(msg)
}

// EncodeClose builds ["CLOSE", subID]
func EncodeClose(subID string) ([]byte, error) {
	return marshalNoEscape([]interface{}{LabelClose, subID})
}

// EncodeEvent builds ["EVENT", event]
func EncodeEvent(evt *types.Event) ([]byte, error) {
	return marshalNoEscape([]interface{}{LabelEvent, evt})
}

// EncodeAuth builds ["AUTH", signedEvent]
func EncodeAuth(evt *types.Event) ([]byte, error) {
	return marshalNoEscape([]interface{}{LabelAuth, evt})
}
