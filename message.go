package resclient

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// requestMsg is an outbound request frame. Method is built as
// "<action>.<rid>[.<name>]" with the actions subscribe, unsubscribe, call,
// auth and new, plus the bare "version" handshake.
type requestMsg struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// inboundMsg is any frame received from the gateway. A frame with a non
// empty Event field is an event, a frame with an ID is a response, anything
// else is a protocol violation.
type inboundMsg struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *ResError       `json:"error"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

func parseMessage(data []byte) (*inboundMsg, error) {
	var m inboundMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(ErrProtocol, err.Error())
	}
	if m.Event == "" && m.ID == nil {
		return nil, errors.Wrap(ErrProtocol, "message is neither a response nor an event")
	}
	return &m, nil
}

// resultBundle is the resource set carried by subscribe, new and get
// responses, and piggybacked on events that bring new resources along.
type resultBundle struct {
	Models      map[string]map[string]json.RawMessage `json:"models"`
	Collections map[string][]json.RawMessage          `json:"collections"`
	Errors      map[string]*ResError                  `json:"errors"`
}

func (b *resultBundle) empty() bool {
	return b == nil || (len(b.Models) == 0 && len(b.Collections) == 0 && len(b.Errors) == 0)
}

type changeEventData struct {
	resultBundle
	Values map[string]json.RawMessage `json:"values"`
}

type addEventData struct {
	resultBundle
	Value json.RawMessage `json:"value"`
	Idx   int             `json:"idx"`
}

type removeEventData struct {
	Idx int `json:"idx"`
}

type versionParams struct {
	Protocol string `json:"protocol"`
}

type versionResult struct {
	Protocol string `json:"protocol"`
}

type newResult struct {
	resultBundle
	RID string `json:"rid"`
}

// refValue is a decoded resource reference value, {"rid": "..."}.
type refValue struct {
	rid string
}

// deleteValue is the decoded delete sentinel, {"action": "delete"}.
type deleteValue struct{}

// DeleteValue marks a field for removal when passed to SetModel.
var DeleteValue = deleteValue{}

var deleteActionJSON = json.RawMessage(`{"action":"delete"}`)

// decodeValue interprets a single JSON value slot. Objects of the shape
// {"rid": ...} become a refValue and {"action": "delete"} the delete
// sentinel; any other value, including plain arrays and nested objects, is
// ordinary data and passes through unchanged.
func decodeValue(raw json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errors.Wrap(ErrProtocol, err.Error())
	}
	if t, ok := v.(map[string]any); ok {
		if rid, ok := t["rid"].(string); ok && rid != "" {
			return refValue{rid: rid}, nil
		}
		if action, ok := t["action"].(string); ok && action == "delete" {
			return deleteValue{}, nil
		}
	}
	return v, nil
}
