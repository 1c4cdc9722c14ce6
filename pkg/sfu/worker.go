// Copyright 2024 Mediaswitch, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sfu

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/mediaswitch/rtpworker/pkg/logger"
)

// TransportWire is the attachment point for the external DTLS/ICE/SRTP
// collaborator of one transport: the worker pushes cleartext buffers out
// through it and the collaborator pushes decrypted buffers into the
// transport it was created for.
type TransportWire interface {
	SendRtpPacket(data []byte)
	SendRtcpPacket(data []byte)
	SendRtcpCompoundPacket(data []byte)
}

// WireFactory builds the wire of a new transport.
type WireFactory func(transport *Transport) TransportWire

// WorkerParams configure the per-process worker.
type WorkerParams struct {
	WireFactory WireFactory

	// OnNotification forwards component events to the controller.
	OnNotification func(targetID string, event string, data interface{})

	Logger logger.Logger
}

// Worker owns the transports of one worker process and routes control
// requests to them.
type Worker struct {
	lock   sync.Mutex
	params WorkerParams
	logger logger.Logger

	transports *orderedmap.OrderedMap[string, *Transport]
	closed     bool
}

func NewWorker(params WorkerParams) *Worker {
	return &Worker{
		params:     params,
		logger:     params.Logger.WithComponent("worker"),
		transports: orderedmap.NewOrderedMap[string, *Transport](),
	}
}

// RequestIds carries the routing part of a control request.
type RequestIds struct {
	TransportID string `json:"transportId,omitempty"`
	ProducerID  string `json:"producerId,omitempty"`
	ConsumerID  string `json:"consumerId,omitempty"`
}

// HandleRequest dispatches one control-channel request, worker-scoped or
// transport-scoped by method prefix.
func (w *Worker) HandleRequest(method string, ids RequestIds, data json.RawMessage) (interface{}, error) {
	switch method {
	case "worker.dump":
		return w.Dump(), nil

	case "worker.createTransport":
		return nil, w.CreateTransport(ids.TransportID)

	case "worker.closeTransport", "transport.close":
		return nil, w.CloseTransport(ids.TransportID)
	}

	if strings.HasPrefix(method, "transport.") ||
		strings.HasPrefix(method, "producer.") ||
		strings.HasPrefix(method, "consumer.") {
		transport, ok := w.GetTransport(ids.TransportID)
		if !ok {
			return nil, ErrTransportClosed
		}
		return transport.HandleRequest(method, ids.ProducerID, ids.ConsumerID, data)
	}

	return nil, ErrUnknownMethod
}

// CreateTransport builds a transport and attaches its wire.
func (w *Worker) CreateTransport(transportID string) error {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.closed {
		return ErrTransportClosed
	}
	if _, ok := w.transports.Get(transportID); ok {
		return ErrDuplicatedID
	}

	transport := NewTransport(TransportParams{
		ID:     transportID,
		Logger: w.params.Logger,
	}, TransportCallbacks{
		OnNotification: w.params.OnNotification,
	})

	if w.params.WireFactory != nil {
		wire := w.params.WireFactory(transport)
		transport.callbacks.SendRtpPacket = wire.SendRtpPacket
		transport.callbacks.SendRtcpPacket = wire.SendRtcpPacket
		transport.callbacks.SendRtcpCompoundPacket = wire.SendRtcpCompoundPacket
	}

	w.transports.Set(transportID, transport)
	w.logger.Infow("transport created", "transportId", transportID)
	return nil
}

func (w *Worker) GetTransport(transportID string) (*Transport, bool) {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.transports.Get(transportID)
}

func (w *Worker) CloseTransport(transportID string) error {
	w.lock.Lock()
	defer w.lock.Unlock()

	transport, ok := w.transports.Get(transportID)
	if !ok {
		return ErrTransportClosed
	}
	transport.Close()
	w.transports.Delete(transportID)
	return nil
}

type WorkerDump struct {
	TransportIDs []string `json:"transportIds"`
}

func (w *Worker) Dump() WorkerDump {
	w.lock.Lock()
	defer w.lock.Unlock()

	var dump WorkerDump
	for el := w.transports.Front(); el != nil; el = el.Next() {
		dump.TransportIDs = append(dump.TransportIDs, el.Key)
	}
	return dump
}

// Close tears down every transport silently.
func (w *Worker) Close() {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	for el := w.transports.Front(); el != nil; el = el.Next() {
		el.Value.Close()
	}
	w.transports = orderedmap.NewOrderedMap[string, *Transport]()
}
