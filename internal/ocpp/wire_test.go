package ocpp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCall(t *testing.T) {
	frame, werr := DecodeFrame([]byte(`[2,"19223201","BootNotification",{"chargePointVendor":"VendorX"}]`))
	require.Nil(t, werr)
	require.NotNil(t, frame.Call)

	assert.Equal(t, "19223201", frame.Call.UniqueID)
	assert.Equal(t, "BootNotification", frame.Call.Action)
	assert.JSONEq(t, `{"chargePointVendor":"VendorX"}`, string(frame.Call.Payload))
}

func TestDecodeCallResult(t *testing.T) {
	frame, werr := DecodeFrame([]byte(`[3,"19223201",{"status":"Accepted"}]`))
	require.Nil(t, werr)
	require.NotNil(t, frame.CallResult)

	assert.Equal(t, "19223201", frame.CallResult.UniqueID)
	assert.JSONEq(t, `{"status":"Accepted"}`, string(frame.CallResult.Payload))
}

func TestDecodeCallError(t *testing.T) {
	frame, werr := DecodeFrame([]byte(`[4,"19223201","NotSupported","action not supported",{}]`))
	require.Nil(t, werr)
	require.NotNil(t, frame.CallError)

	assert.Equal(t, ErrNotSupported, frame.CallError.ErrorCode)
	assert.Equal(t, "action not supported", frame.CallError.ErrorDescription)
}

func TestDecodeMalformedFrames(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		code string
	}{
		{"not JSON", `garbage`, ErrGenericError},
		{"not an array", `{"messageTypeId":2}`, ErrGenericError},
		{"too short", `[2,"id"]`, ErrFormationViolation},
		{"bad message type", `["two","id",{}]`, ErrTypeConstraintViolation},
		{"unknown message type", `[5,"id",{}]`, ErrFormationViolation},
		{"empty unique id", `[2,"","Heartbeat",{}]`, ErrFormationViolation},
		{"non-string action", `[2,"id",42,{}]`, ErrTypeConstraintViolation},
		{"non-object payload", `[2,"id","Heartbeat",[1,2]]`, ErrTypeConstraintViolation},
		{"call with extra element", `[2,"id","Heartbeat",{},{}]`, ErrFormationViolation},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame, werr := DecodeFrame([]byte(tc.raw))
			assert.Nil(t, frame)
			require.NotNil(t, werr)
			assert.Equal(t, tc.code, werr.Code)
		})
	}
}

func TestDecodeErrorCarriesUniqueID(t *testing.T) {
	_, werr := DecodeFrame([]byte(`[2,"msg-7","Heartbeat",[1]]`))
	require.NotNil(t, werr)
	assert.Equal(t, "msg-7", werr.UniqueID)
}

func TestEncodeRoundTrip(t *testing.T) {
	data, err := EncodeCall(&Call{
		UniqueID: "u1",
		Action:   "Heartbeat",
		Payload:  json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `[2,"u1","Heartbeat",{}]`, string(data))

	data, err = EncodeCallResult(&CallResult{UniqueID: "u1", Payload: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `[3,"u1",{"a":1}]`, string(data))

	data, err = EncodeCallError(&CallError{
		UniqueID:         "u1",
		ErrorCode:        ErrInternalError,
		ErrorDescription: "boom",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `[4,"u1","InternalError","boom",{}]`, string(data))
}

func TestEncodeNilPayloadDefaultsToObject(t *testing.T) {
	data, err := EncodeCall(&Call{UniqueID: "u1", Action: "Heartbeat"})
	require.NoError(t, err)
	assert.JSONEq(t, `[2,"u1","Heartbeat",{}]`, string(data))
}
