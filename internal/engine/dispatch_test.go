package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleRequestRoutesProposeValue(t *testing.T) {
	e, _ := newTestEngine(t, "A")
	require.NoError(t, e.Initialize(threeNodeBlob()))

	body, err := json.Marshal(map[string]string{"header_type": headerProposeValue, "key": "x", "value": "1"})
	require.NoError(t, err)

	reply, err := e.HandleRequest(body)
	require.NoError(t, err)

	var resp proposeValueResponse
	require.NoError(t, json.Unmarshal(reply, &resp))
	assert.True(t, resp.Proposed)
	assert.Empty(t, resp.Message)
}

func TestHandleRequestRoutesQueryValueFound(t *testing.T) {
	e, _ := newTestEngine(t, "A")
	require.NoError(t, e.Initialize(threeNodeBlob()))
	require.NoError(t, e.OnValueSet("x", "1", 0))

	body, err := json.Marshal(map[string]string{"header_type": headerQueryValue, "key": "x"})
	require.NoError(t, err)

	reply, err := e.HandleRequest(body)
	require.NoError(t, err)

	var resp queryValueResponse
	require.NoError(t, json.Unmarshal(reply, &resp))
	require.NotNil(t, resp.Value)
	assert.Equal(t, "1", *resp.Value)
	assert.Empty(t, resp.Error)
}

func TestHandleRequestRoutesQueryValueMissing(t *testing.T) {
	e, _ := newTestEngine(t, "A")
	require.NoError(t, e.Initialize(threeNodeBlob()))

	body, err := json.Marshal(map[string]string{"header_type": headerQueryValue, "key": "nope"})
	require.NoError(t, err)

	reply, err := e.HandleRequest(body)
	require.NoError(t, err)

	var resp queryValueResponse
	require.NoError(t, json.Unmarshal(reply, &resp))
	assert.Nil(t, resp.Value)
	assert.Empty(t, resp.Error)
}

func TestHandleRequestQueryConfigKeyDenied(t *testing.T) {
	e, _ := newTestEngine(t, "A")
	require.NoError(t, e.Initialize(threeNodeBlob()))

	body, err := json.Marshal(map[string]string{"header_type": headerQueryValue, "key": ConfigKey})
	require.NoError(t, err)

	reply, err := e.HandleRequest(body)
	require.NoError(t, err)

	var resp queryValueResponse
	require.NoError(t, json.Unmarshal(reply, &resp))
	assert.Nil(t, resp.Value)
	assert.Equal(t, "Access Denied", resp.Error)
}

func TestHandleRequestRoutesCatchupRequest(t *testing.T) {
	e, _ := newTestEngine(t, "A")
	require.NoError(t, e.Initialize(threeNodeBlob()))
	require.NoError(t, e.OnValueSet("x", "1", 0))
	require.NoError(t, e.OnValueSet("y", "2", 1))

	body, err := json.Marshal(struct {
		HeaderType   string `json:"header_type"`
		LastKnownSeq int64  `json:"last_known_seq"`
	}{headerCatchupRequest, 0})
	require.NoError(t, err)

	reply, err := e.HandleRequest(body)
	require.NoError(t, err)

	var data struct {
		KeyValSeqList []json.RawMessage `json:"key_val_seq_list"`
	}
	require.NoError(t, json.Unmarshal(reply, &data))
	assert.Len(t, data.KeyValSeqList, 1)
}

func TestHandleRequestDiscardsUnknownHeaderType(t *testing.T) {
	e, _ := newTestEngine(t, "A")

	body, err := json.Marshal(map[string]string{"header_type": "not_a_real_type"})
	require.NoError(t, err)

	reply, err := e.HandleRequest(body)
	require.NoError(t, err)
	assert.Nil(t, reply)
}

func TestHandleRequestDiscardsMalformedJSON(t *testing.T) {
	e, _ := newTestEngine(t, "A")

	reply, err := e.HandleRequest([]byte("not json"))
	require.NoError(t, err)
	assert.Nil(t, reply)
}
