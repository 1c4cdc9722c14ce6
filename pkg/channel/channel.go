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

package channel

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/mediaswitch/rtpworker/pkg/logger"
)

const maxMessageLen = 4 * 1024 * 1024

// Request is one line-delimited JSON control message from the controller.
type Request struct {
	ID       uint32          `json:"id"`
	Method   string          `json:"method"`
	Internal json.RawMessage `json:"internal,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type response struct {
	ID       uint32      `json:"id"`
	Accepted bool        `json:"accepted,omitempty"`
	Error    string      `json:"error,omitempty"`
	Reason   string      `json:"reason,omitempty"`
	Data     interface{} `json:"data,omitempty"`
}

type notification struct {
	TargetID string      `json:"targetId"`
	Event    string      `json:"event"`
	Data     interface{} `json:"data,omitempty"`
}

// Handler processes one request; a returned error rejects it.
type Handler func(req Request) (interface{}, error)

// Channel speaks the bidirectional line-delimited JSON protocol with the
// controller: requests in, responses and notifications out.
type Channel struct {
	logger  logger.Logger
	handler Handler

	reader *bufio.Scanner

	writeLock sync.Mutex
	writer    *bufio.Writer
}

func New(r io.Reader, w io.Writer, handler Handler, log logger.Logger) *Channel {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxMessageLen)

	return &Channel{
		logger:  log.WithComponent("channel"),
		handler: handler,
		reader:  scanner,
		writer:  bufio.NewWriter(w),
	}
}

// Run consumes requests until the reader closes. Malformed lines are
// rejected without killing the loop.
func (c *Channel) Run() error {
	for c.reader.Scan() {
		line := c.reader.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			c.logger.Warnw("malformed request line", err)
			continue
		}

		data, err := c.handler(req)
		if err != nil {
			c.respond(response{
				ID:     req.ID,
				Error:  "Error",
				Reason: err.Error(),
			})
			continue
		}
		c.respond(response{
			ID:       req.ID,
			Accepted: true,
			Data:     data,
		})
	}
	if err := c.reader.Err(); err != nil {
		return errors.Wrap(err, "channel read")
	}
	return nil
}

func (c *Channel) respond(rsp response) {
	if err := c.writeLine(rsp); err != nil {
		c.logger.Errorw("could not write response", err, "id", rsp.ID)
	}
}

// Notify pushes one event to the controller.
func (c *Channel) Notify(targetID, event string, data interface{}) {
	err := c.writeLine(notification{
		TargetID: targetID,
		Event:    event,
		Data:     data,
	})
	if err != nil {
		c.logger.Errorw("could not write notification", err, "event", event)
	}
}

func (c *Channel) writeLine(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal message")
	}
	if len(payload) > maxMessageLen {
		return errors.Errorf("message too long: %d", len(payload))
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if _, err = c.writer.Write(payload); err != nil {
		return errors.Wrap(err, "write message")
	}
	if err = c.writer.WriteByte('\n'); err != nil {
		return errors.Wrap(err, "write delimiter")
	}
	return errors.Wrap(c.writer.Flush(), "flush message")
}
