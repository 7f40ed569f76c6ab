package link

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roman-kulish/rover-control/internal/control"
)

// ErrMalformedMessage is reported for frames that cannot be decoded
var ErrMalformedMessage = errors.New("malformed message")

// Tables carried over the link
const (
	TableControl   = "control"
	TableSwitch    = "switch"
	TableTelemetry = "telemetry"
)

// Message is the frame exchanged with clients. Data holds the record of the
// table the message refers to.
type Message struct {
	Action string          `json:"action"`
	Table  string          `json:"table"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// decode turns an inbound frame into either a control event or a switch
// record. Undecodable frames yield an event carrying ErrMalformedMessage.
func decode(p []byte) (*control.Event, *control.Switch) {
	var m Message
	if err := json.Unmarshal(p, &m); err != nil {
		return malformed(err), nil
	}

	action := control.Action(m.Action)
	switch action {
	case control.ActionCreate, control.ActionUpdate, control.ActionDelete:
	default:
		return malformed(fmt.Errorf("unknown action '%s'", m.Action)), nil
	}

	switch m.Table {
	case TableControl:
		ev := control.Event{Action: action}
		if action != control.ActionDelete {
			if err := decodeData(m.Data, &ev.Command); err != nil {
				return malformed(err), nil
			}
		}
		return &ev, nil

	case TableSwitch:
		if action == control.ActionDelete {
			return nil, nil
		}
		var sw control.Switch
		if err := decodeData(m.Data, &sw); err != nil {
			return malformed(err), nil
		}
		return nil, &sw

	default:
		return malformed(fmt.Errorf("unknown table '%s'", m.Table)), nil
	}
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errors.New("missing data")
	}
	return json.Unmarshal(data, v)
}

func malformed(err error) *control.Event {
	return &control.Event{Err: fmt.Errorf("%w: %w", ErrMalformedMessage, err)}
}
