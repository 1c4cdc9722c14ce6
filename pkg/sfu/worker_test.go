package sfu

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mediaswitch/rtpworker/pkg/logger"
)

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	w := NewWorker(WorkerParams{Logger: logger.GetLogger()})
	t.Cleanup(w.Close)
	return w
}

func TestWorkerTransportLifecycle(t *testing.T) {
	w := newTestWorker(t)

	require.NoError(t, w.CreateTransport("t1"))
	require.ErrorIs(t, w.CreateTransport("t1"), ErrDuplicatedID)

	_, ok := w.GetTransport("t1")
	require.True(t, ok)

	dump := w.Dump()
	require.Equal(t, []string{"t1"}, dump.TransportIDs)

	require.NoError(t, w.CloseTransport("t1"))
	_, ok = w.GetTransport("t1")
	require.False(t, ok)
}

func TestWorkerHandleRequestRouting(t *testing.T) {
	w := newTestWorker(t)

	_, err := w.HandleRequest("worker.createTransport", RequestIds{TransportID: "t1"}, nil)
	require.NoError(t, err)

	produceJSON, err := json.Marshal(testProduceData(100, "a"))
	require.NoError(t, err)
	rsp, err := w.HandleRequest("transport.produce",
		RequestIds{TransportID: "t1", ProducerID: "p1"}, produceJSON)
	require.NoError(t, err)
	require.Equal(t, ProducerTypeSimple, rsp.(map[string]interface{})["type"])

	// requests for unknown transports are rejected
	_, err = w.HandleRequest("transport.produce",
		RequestIds{TransportID: "t9", ProducerID: "p1"}, produceJSON)
	require.Error(t, err)

	_, err = w.HandleRequest("bogus", RequestIds{}, nil)
	require.ErrorIs(t, err, ErrUnknownMethod)
}

func TestWorkerCloseTearsDownTransports(t *testing.T) {
	w := NewWorker(WorkerParams{Logger: logger.GetLogger()})

	require.NoError(t, w.CreateTransport("t1"))
	transport, _ := w.GetTransport("t1")

	w.Close()
	require.True(t, transport.stop.IsBroken())
	require.ErrorIs(t, w.CreateTransport("t2"), ErrTransportClosed)
}
