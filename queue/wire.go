package queue

import (
	"encoding/json"
	"fmt"

	"github.com/lorenzodonini/ocpp-go/ocpp"
	"github.com/lorenzodonini/ocpp-go/ocppj"
)

// OCPP-J frames are JSON arrays:
//
//	[2, "<id>", "<action>", {payload}]
//	[3, "<id>", {payload}]
//	[4, "<id>", "<code>", "<description>", {details}]

// MarshalCall builds a CALL frame.
func MarshalCall(messageID, action string, payload json.RawMessage) ([]byte, error) {
	return json.Marshal([]interface{}{int(ocppj.CALL), messageID, action, payload})
}

// MarshalCallResult builds a CALLRESULT frame.
func MarshalCallResult(messageID string, payload interface{}) ([]byte, error) {
	return json.Marshal([]interface{}{int(ocppj.CALL_RESULT), messageID, payload})
}

// MarshalCallError builds a CALLERROR frame.
func MarshalCallError(messageID string, code ocpp.ErrorCode, description string, details interface{}) ([]byte, error) {
	if details == nil {
		details = map[string]interface{}{}
	}
	return json.Marshal([]interface{}{int(ocppj.CALL_ERROR), messageID, code, description, details})
}

// Parse classifies a raw frame. A malformed frame yields an error together
// with an empty EnhancedMessage: the message id is not returned, even where
// it could be read, so no CALLERROR is sent in reply to such a frame.
func Parse(raw []byte) (EnhancedMessage, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return EnhancedMessage{}, fmt.Errorf("malformed frame: %w", err)
	}
	if len(fields) < 3 {
		return EnhancedMessage{}, fmt.Errorf("malformed frame: %d fields", len(fields))
	}

	var typeID int
	if err := json.Unmarshal(fields[0], &typeID); err != nil {
		return EnhancedMessage{}, fmt.Errorf("malformed message type id: %w", err)
	}
	var uniqueID string
	if err := json.Unmarshal(fields[1], &uniqueID); err != nil {
		return EnhancedMessage{}, fmt.Errorf("malformed message id: %w", err)
	}

	msg := EnhancedMessage{UniqueID: uniqueID, TypeID: ocppj.MessageType(typeID)}
	switch msg.TypeID {
	case ocppj.CALL:
		if len(fields) != 4 {
			return EnhancedMessage{}, fmt.Errorf("malformed CALL: %d fields", len(fields))
		}
		if err := json.Unmarshal(fields[2], &msg.Action); err != nil {
			return EnhancedMessage{}, fmt.Errorf("malformed action: %w", err)
		}
		msg.Payload = fields[3]
	case ocppj.CALL_RESULT:
		msg.Payload = fields[2]
	case ocppj.CALL_ERROR:
		if len(fields) != 5 {
			return EnhancedMessage{}, fmt.Errorf("malformed CALLERROR: %d fields", len(fields))
		}
		wireErr := &WireError{Details: fields[4]}
		var code string
		if err := json.Unmarshal(fields[2], &code); err != nil {
			return EnhancedMessage{}, fmt.Errorf("malformed error code: %w", err)
		}
		wireErr.Code = ocpp.ErrorCode(code)
		if err := json.Unmarshal(fields[3], &wireErr.Description); err != nil {
			return EnhancedMessage{}, fmt.Errorf("malformed error description: %w", err)
		}
		msg.CallError = wireErr
	default:
		return EnhancedMessage{}, fmt.Errorf("unknown message type id %d", typeID)
	}
	return msg, nil
}
