package qrwc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qsys-tools/mcp-bridge/internal/qerr"
)

func TestFrameClassification(t *testing.T) {
	id := int64(7)

	assert.True(t, (&frame{ID: &id, Result: json.RawMessage(`true`)}).isResponse())
	assert.True(t, (&frame{ID: nil, Error: &CoreError{Code: 2}}).isResponse())
	assert.False(t, (&frame{Method: MethodEngineStatusNotify, Params: json.RawMessage(`{}`)}).isResponse())
}

func TestCoreErrorTaxonomy(t *testing.T) {
	err := (&CoreError{Code: coreCodeInvalidParams, Message: "bad params"}).taxonomy()
	assert.Equal(t, qerr.KindValidation, qerr.KindOf(err))

	err = (&CoreError{Code: 5, Message: "busy"}).taxonomy()
	assert.Equal(t, qerr.KindCoreError, qerr.KindOf(err))
	assert.True(t, qerr.Retryable(err))
	assert.Equal(t, 5, err.Details["coreCode"])

	err = (&CoreError{Code: 2, Message: "no such control"}).taxonomy()
	assert.False(t, qerr.Retryable(err))

	assert.True(t, IsMethodNotFound((&CoreError{Code: coreCodeMethodNotFound}).taxonomy()))
	assert.False(t, IsMethodNotFound(err))
	assert.False(t, IsMethodNotFound(nil))
}

func TestDefaultOptionsReadWrite(t *testing.T) {
	read := defaultOptions(MethodControlGet)
	assert.Equal(t, 2, read.MaxRetries)
	assert.Equal(t, DefaultCallTimeout, read.Timeout)

	for _, m := range []string{MethodControlSet, MethodControlSetRamp, MethodComponentSet} {
		assert.Equal(t, 0, defaultOptions(m).MaxRetries, m)
	}
}

func TestParsePayloads(t *testing.T) {
	st, err := ParseEngineStatus(json.RawMessage(`{"Platform":"Core 110f","State":"Active","DesignName":"Lobby","Status":{"Code":0,"String":"OK"}}`))
	require.NoError(t, err)
	assert.Equal(t, "Active", st.State)
	assert.Equal(t, 0, st.Status.Code)

	comps, err := ParseComponents(json.RawMessage(`[{"Name":"Mixer","Type":"mixer","Properties":[{"Name":"n_inputs","Value":"8"}]}]`))
	require.NoError(t, err)
	require.Len(t, comps, 1)
	assert.Equal(t, "Mixer", comps[0].Name)

	ctls, err := ParseControls(json.RawMessage(`{"Name":"Mixer","Controls":[{"Name":"gain","Type":"Float","Value":-6,"String":"-6dB","Position":0.7}]}`))
	require.NoError(t, err)
	require.Len(t, ctls, 1)
	assert.Equal(t, 0.7, ctls[0].Position)

	poll, err := ParsePollResult(json.RawMessage(`{"Id":"meters","Changes":[{"Name":"Mixer.gain","Value":-3,"String":"-3dB"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "meters", poll.ID)
	require.Len(t, poll.Changes, 1)

	_, err = ParseEngineStatus(json.RawMessage(`[`))
	assert.Equal(t, qerr.KindParseError, qerr.KindOf(err))
}

func TestSetCommandWireShape(t *testing.T) {
	ramp := 1.5
	b, err := json.Marshal([]SetCommand{
		{Name: "Mixer.gain", Value: -6.0, Ramp: &ramp},
		{Name: "Mixer.mute", Value: true},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"Name":"Mixer.gain","Value":-6,"Ramp":1.5},
		{"Name":"Mixer.mute","Value":true}
	]`, string(b))
}
