package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBatchRequest(t *testing.T) {
	reqs, isBatch, err := ParseBatchRequest([]byte(` {"jsonrpc":"2.0","method":"verify","id":1}`))
	require.NoError(t, err)
	assert.False(t, isBatch)
	require.Len(t, reqs, 1)
	assert.Equal(t, "verify", reqs[0].Method)
	assert.NoError(t, reqs[0].Validate())

	reqs, isBatch, err = ParseBatchRequest([]byte("\n[{\"jsonrpc\":\"2.0\",\"method\":\"a\",\"id\":\"x\"},{\"jsonrpc\":\"2.0\",\"method\":\"b\"}]"))
	require.NoError(t, err)
	assert.True(t, isBatch)
	require.Len(t, reqs, 2)
	assert.False(t, reqs[0].IsNotification())
	assert.True(t, reqs[1].IsNotification())

	_, isBatch, err = ParseBatchRequest([]byte("[]"))
	assert.True(t, isBatch)
	assert.Equal(t, ErrInvalidRequest, err)

	_, _, err = ParseBatchRequest([]byte("   "))
	assert.Equal(t, ErrInvalidRequest, err)
}

func TestRequestValidate(t *testing.T) {
	assert.Error(t, (&Request{JSONRPC: "1.0", Method: "a"}).Validate())
	assert.Error(t, (&Request{JSONRPC: Version}).Validate())
}

func TestIDKey(t *testing.T) {
	var decoded ID
	require.NoError(t, json.Unmarshal([]byte("7"), &decoded))
	assert.Equal(t, NewIDInt(7).Key(), decoded.Key())
	assert.NotEqual(t, NewIDString("7").Key(), decoded.Key())
	assert.Equal(t, "null", NewIDNull().Key())

	out, err := json.Marshal(decoded)
	require.NoError(t, err)
	assert.Equal(t, "7", string(out))
}

func TestRequestWithID(t *testing.T) {
	req, err := NewRequest("verify", []int{1}, NewIDString("client"))
	require.NoError(t, err)
	renumbered := req.WithID(NewIDInt(0))
	assert.Equal(t, NewIDInt(0), renumbered.ID)
	assert.Equal(t, NewIDString("client"), req.ID)
}

func TestFingerprint(t *testing.T) {
	a := &Request{JSONRPC: Version, Method: "verify", Params: json.RawMessage(`{"b":2,"a":1}`), ID: NewIDInt(1)}
	b := &Request{JSONRPC: Version, Method: "verify", Params: json.RawMessage(`{ "a": 1, "b": 2 }`), ID: NewIDInt(2)}

	fa, err := a.Fingerprint()
	require.NoError(t, err)
	fb, err := b.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fa, fb)

	_, err = (&Request{Method: "verify", Params: json.RawMessage(`{`)}).Fingerprint()
	assert.Error(t, err)
}

func TestParseBatchResponse(t *testing.T) {
	resps, err := ParseBatchResponse([]byte(`[{"jsonrpc":"2.0","result":true,"id":0},{"jsonrpc":"2.0","error":{"code":-32602,"message":"bad"},"id":1}]`))
	require.NoError(t, err)
	require.Len(t, resps, 2)
	assert.False(t, resps[0].HasError())
	assert.False(t, resps[0].ResultIsNull())
	assert.True(t, resps[1].HasError())
	assert.False(t, resps[1].IsRetryableError())

	resps, err = ParseBatchResponse([]byte(`{"jsonrpc":"2.0","error":{"code":-32000,"message":"busy"},"id":3}`))
	require.NoError(t, err)
	require.Len(t, resps, 1)
	assert.True(t, resps[0].IsRetryableError())
	assert.Equal(t, NewIDInt(3).Key(), resps[0].ID.Key())
}

func TestErrorString(t *testing.T) {
	err := NewErrorWithData(CodeUpstreamError, "upstream failed", map[string]string{"upstream": "a"})
	assert.Equal(t, "jsonrpc error -32001: upstream failed", err.Error())
	assert.JSONEq(t, `{"upstream":"a"}`, string(err.Data))
}
