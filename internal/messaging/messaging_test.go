package messaging

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telhawk-systems/transferpipe/internal/model"
)

func TestRawSubjects(t *testing.T) {
	assert.Equal(t, "transfer.raw.csv", RawSubject(model.FormatCSV))
	assert.Equal(t, "transfer.raw.json", RawSubject(model.FormatJSON))
}

func TestRawMessageRoundTrip(t *testing.T) {
	in := RawMessage{Source: "sftp-drop", Payload: []byte("a,b,c")}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out RawMessage
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.Source, out.Source)
	assert.Equal(t, in.Payload, out.Payload)
}
