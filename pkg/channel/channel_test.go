package channel

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/mediaswitch/rtpworker/pkg/logger"
)

func lines(buf *bytes.Buffer) []map[string]interface{} {
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(line), &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func TestChannelRequestResponse(t *testing.T) {
	input := `{"id":1,"method":"worker.dump"}` + "\n" +
		`{"id":2,"method":"transport.produce","internal":{"transportId":"t1"},"data":{"kind":"video"}}` + "\n"
	var output bytes.Buffer

	var methods []string
	ch := New(strings.NewReader(input), &output, func(req Request) (interface{}, error) {
		methods = append(methods, req.Method)
		return map[string]string{"echo": req.Method}, nil
	}, logger.GetLogger())

	require.NoError(t, ch.Run())
	require.Equal(t, []string{"worker.dump", "transport.produce"}, methods)

	responses := lines(&output)
	require.Len(t, responses, 2)
	require.Equal(t, float64(1), responses[0]["id"])
	require.Equal(t, true, responses[0]["accepted"])
	require.Equal(t, float64(2), responses[1]["id"])
}

func TestChannelRejectedRequest(t *testing.T) {
	input := `{"id":7,"method":"transport.produce"}` + "\n"
	var output bytes.Buffer

	ch := New(strings.NewReader(input), &output, func(req Request) (interface{}, error) {
		return nil, errors.New("ssrc already claimed by another producer")
	}, logger.GetLogger())

	require.NoError(t, ch.Run())

	responses := lines(&output)
	require.Len(t, responses, 1)
	require.Equal(t, float64(7), responses[0]["id"])
	require.Nil(t, responses[0]["accepted"])
	require.Equal(t, "Error", responses[0]["error"])
	require.Contains(t, responses[0]["reason"], "ssrc already claimed")
}

func TestChannelMalformedLineSkipped(t *testing.T) {
	input := "this is not json\n" + `{"id":3,"method":"worker.dump"}` + "\n"
	var output bytes.Buffer

	calls := 0
	ch := New(strings.NewReader(input), &output, func(req Request) (interface{}, error) {
		calls++
		return nil, nil
	}, logger.GetLogger())

	require.NoError(t, ch.Run())
	require.Equal(t, 1, calls)
	require.Len(t, lines(&output), 1)
}

func TestChannelNotify(t *testing.T) {
	var output bytes.Buffer
	ch := New(strings.NewReader(""), &output, nil, logger.GetLogger())

	ch.Notify("producer-1", "score", []int{10})

	notifications := lines(&output)
	require.Len(t, notifications, 1)
	require.Equal(t, "producer-1", notifications[0]["targetId"])
	require.Equal(t, "score", notifications[0]["event"])
}
