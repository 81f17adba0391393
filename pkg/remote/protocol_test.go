package remote

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoder(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	require.NoError(t, enc.OK(nil))
	require.NoError(t, enc.OK(map[string]int{"killed": 2}))
	require.NoError(t, enc.Failed(ErrUnsupported))

	assert.Equal(t,
		`{"status":"ok","response":{}}`+"\n"+
			`{"status":"ok","response":{"killed":2}}`+"\n"+
			`{"status":"failed","error":"Unsupported command"}`+"\n",
		buf.String())
}

func TestDecoderSkipsEmptyLines(t *testing.T) {
	dec := NewDecoder(strings.NewReader("\n{\"version\":\"1.0\"}\n\n{\"command\":\"status\"}\n"))

	var g Greeting
	require.NoError(t, dec.Decode(&g))
	assert.Equal(t, "1.0", g.Version)

	line, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"command":"status"}`, string(line))

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest([]byte(`{"command":"kill","params":{"transactions":"all"}}`))
	require.NoError(t, err)
	assert.Equal(t, "kill", req.Command)
	assert.JSONEq(t, `{"transactions":"all"}`, string(req.Params))

	for _, line := range []string{`not json`, `[1,2]`, `{}`, `{"params":{}}`} {
		_, err := ParseRequest([]byte(line))
		assert.Error(t, err, line)
	}
}

func TestParseParams(t *testing.T) {
	type params struct {
		Force bool `json:"force"`
	}

	p := params{Force: true}
	require.NoError(t, ParseParams(nil, &p))
	require.NoError(t, ParseParams(json.RawMessage("null"), &p))
	assert.True(t, p.Force)

	require.NoError(t, ParseParams(json.RawMessage(`{"force":false}`), &p))
	assert.False(t, p.Force)

	assert.Error(t, ParseParams(json.RawMessage(`{"force":"yes"}`), &p))
}
