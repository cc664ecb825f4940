package ocpp

import (
	"encoding/json"
	"fmt"
)

// OCPP-J message type ids, first element of every frame.
const (
	MessageTypeCall       = 2
	MessageTypeCallResult = 3
	MessageTypeCallError  = 4
)

// OCPP-J error codes carried in CallError frames.
const (
	ErrNotImplemented               = "NotImplemented"
	ErrNotSupported                 = "NotSupported"
	ErrInternalError                = "InternalError"
	ErrProtocolError                = "ProtocolError"
	ErrSecurityError                = "SecurityError"
	ErrFormationViolation           = "FormationViolation"
	ErrPropertyConstraintViolation  = "PropertyConstraintViolation"
	ErrOccurenceConstraintViolation = "OccurenceConstraintViolation"
	ErrTypeConstraintViolation      = "TypeConstraintViolation"
	ErrGenericError                 = "GenericError"
)

// Call is an OCPP-J request frame: [2, uniqueId, action, payload].
type Call struct {
	UniqueID string
	Action   string
	Payload  json.RawMessage
}

// CallResult is an OCPP-J success response frame: [3, uniqueId, payload].
type CallResult struct {
	UniqueID string
	Payload  json.RawMessage
}

// CallError is an OCPP-J error response frame:
// [4, uniqueId, errorCode, errorDescription, errorDetails].
type CallError struct {
	UniqueID         string
	ErrorCode        string
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// WireError describes a frame that could not be decoded, with the error
// code a CallError reply should carry. UniqueID is empty when the frame was
// too malformed to recover one.
type WireError struct {
	UniqueID    string
	Code        string
	Description string
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Frame is the decoded form of one OCPP-J message. Exactly one of Call,
// CallResult or CallError is set.
type Frame struct {
	Call       *Call
	CallResult *CallResult
	CallError  *CallError
}

// EncodeCall serializes a Call frame.
func EncodeCall(c *Call) ([]byte, error) {
	payload := c.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	return json.Marshal([]interface{}{MessageTypeCall, c.UniqueID, c.Action, payload})
}

// EncodeCallResult serializes a CallResult frame.
func EncodeCallResult(r *CallResult) ([]byte, error) {
	payload := r.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	return json.Marshal([]interface{}{MessageTypeCallResult, r.UniqueID, payload})
}

// EncodeCallError serializes a CallError frame.
func EncodeCallError(e *CallError) ([]byte, error) {
	details := e.ErrorDetails
	if details == nil {
		details = json.RawMessage("{}")
	}
	return json.Marshal([]interface{}{MessageTypeCallError, e.UniqueID, e.ErrorCode, e.ErrorDescription, details})
}

// DecodeFrame parses one raw OCPP-J message into a Frame. Malformed input
// yields a WireError carrying the error code the sender should receive.
func DecodeFrame(data []byte) (*Frame, *WireError) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, &WireError{Code: ErrGenericError, Description: "message is not a JSON array"}
	}
	if len(elems) < 3 {
		return nil, &WireError{Code: ErrFormationViolation, Description: "message array too short"}
	}

	var messageType int
	if err := json.Unmarshal(elems[0], &messageType); err != nil {
		return nil, &WireError{Code: ErrTypeConstraintViolation, Description: "message type id is not an integer"}
	}

	var uniqueID string
	if err := json.Unmarshal(elems[1], &uniqueID); err != nil {
		return nil, &WireError{Code: ErrTypeConstraintViolation, Description: "unique id is not a string"}
	}
	if uniqueID == "" {
		return nil, &WireError{Code: ErrFormationViolation, Description: "unique id is empty"}
	}

	switch messageType {
	case MessageTypeCall:
		if len(elems) != 4 {
			return nil, &WireError{UniqueID: uniqueID, Code: ErrFormationViolation, Description: "call frame must have 4 elements"}
		}
		var action string
		if err := json.Unmarshal(elems[2], &action); err != nil || action == "" {
			return nil, &WireError{UniqueID: uniqueID, Code: ErrTypeConstraintViolation, Description: "action is not a string"}
		}
		if !isJSONObject(elems[3]) {
			return nil, &WireError{UniqueID: uniqueID, Code: ErrTypeConstraintViolation, Description: "payload is not a JSON object"}
		}
		return &Frame{Call: &Call{UniqueID: uniqueID, Action: action, Payload: elems[3]}}, nil

	case MessageTypeCallResult:
		if len(elems) != 3 {
			return nil, &WireError{UniqueID: uniqueID, Code: ErrFormationViolation, Description: "call result frame must have 3 elements"}
		}
		if !isJSONObject(elems[2]) {
			return nil, &WireError{UniqueID: uniqueID, Code: ErrTypeConstraintViolation, Description: "payload is not a JSON object"}
		}
		return &Frame{CallResult: &CallResult{UniqueID: uniqueID, Payload: elems[2]}}, nil

	case MessageTypeCallError:
		if len(elems) < 4 {
			return nil, &WireError{UniqueID: uniqueID, Code: ErrFormationViolation, Description: "call error frame too short"}
		}
		var code string
		if err := json.Unmarshal(elems[2], &code); err != nil {
			return nil, &WireError{UniqueID: uniqueID, Code: ErrTypeConstraintViolation, Description: "error code is not a string"}
		}
		ce := &CallError{UniqueID: uniqueID, ErrorCode: code}
		if len(elems) > 3 {
			// Description may legitimately be empty.
			_ = json.Unmarshal(elems[3], &ce.ErrorDescription)
		}
		if len(elems) > 4 {
			ce.ErrorDetails = elems[4]
		}
		return &Frame{CallError: ce}, nil

	default:
		return nil, &WireError{UniqueID: uniqueID, Code: ErrFormationViolation, Description: fmt.Sprintf("unknown message type id %d", messageType)}
	}
}

func isJSONObject(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}
