// Copyright 2024 The Armored Witness OS authors. All Rights Reserved.
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

// Package mailbox implements the command channel to the platform security
// co-processor.
//
// Every command is a fixed size buffer starting with a Header, the
// co-processor writes its response in place.
package mailbox

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// Command identifies a co-processor mailbox command.
type Command uint32

// Co-processor commands.
const (
	CmdQueryHSTI       Command = 0x14
	CmdPSBAutoFusing   Command = 0x21
	CmdQueryCaps       Command = 0x27
	CmdSetSPLFuse      Command = 0x2d
	CmdSetRPMCAddress  Command = 0x39
	CmdQueryBootMode   Command = 0x3f
	CmdQueryPSBStatus  Command = 0x44
	CmdQuerySPLFuse    Command = 0x47
	CmdQueryRPMCStatus Command = 0x48
)

var commandNames = map[Command]string{
	CmdQueryHSTI:       "query HSTI",
	CmdPSBAutoFusing:   "PSB auto fusing",
	CmdQueryCaps:       "query capabilities",
	CmdSetSPLFuse:      "set SPL fuse",
	CmdSetRPMCAddress:  "set RPMC address",
	CmdQueryBootMode:   "query boot mode",
	CmdQueryPSBStatus:  "query PSB status",
	CmdQuerySPLFuse:    "query SPL fuse",
	CmdQueryRPMCStatus: "query RPMC status",
}

func (c Command) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return fmt.Sprintf("command %#x", uint32(c))
}

// Status is the completion code written by the co-processor in the
// response header.
type Status uint32

// Generic completion codes.
const (
	StatusSuccess          Status = 0x00
	StatusInvalidParameter Status = 0x01
	StatusCRCError         Status = 0x02
	StatusProcessError     Status = 0x04
	StatusUnsupported      Status = 0x08
)

// Header precedes the payload of every command buffer.
type Header struct {
	// Size is the total size of the buffer, header included.
	Size uint32
	// Status is the completion code set by the co-processor.
	Status uint32
}

// HeaderSize is the encoded size of Header.
const HeaderSize = 8

// ErrUnsupported is matched by errors for commands the co-processor does
// not implement.
var ErrUnsupported = errors.New("command not supported")

// CommandError reports a command completed with a non-zero status.
type CommandError struct {
	Cmd    Command
	Status Status
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s failed (status %#x)", e.Cmd, uint32(e.Status))
}

// Is matches ErrUnsupported for the unsupported status code.
func (e *CommandError) Is(target error) bool {
	return target == ErrUnsupported && e.Status == StatusUnsupported
}

// Transport delivers a command buffer to the co-processor and waits for the
// response, which replaces the buffer content.
type Transport interface {
	Send(cmd Command, buf []byte) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(cmd Command, buf []byte) error

// Send implements Transport.
func (f TransportFunc) Send(cmd Command, buf []byte) error {
	return f(cmd, buf)
}

// Client sends commands to the co-processor.
type Client struct {
	sync.Mutex

	Transport Transport
	// Cores, when set, keeps cores out of deep idle states for the
	// duration of each command.
	Cores *Parker
}

// Encode serializes msg, a pointer to a struct whose first field is a
// Header, with the header size set to the full buffer length.
func Encode(msg any) ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, msg); err != nil {
		return nil, err
	}

	b := buf.Bytes()

	if len(b) < HeaderSize {
		return nil, fmt.Errorf("message too short (%d bytes)", len(b))
	}

	binary.LittleEndian.PutUint32(b[0:], uint32(len(b)))

	return b, nil
}

// Decode parses a command buffer into msg.
func Decode(buf []byte, msg any) error {
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, msg)
}

// Send issues cmd with msg as request, msg is updated with the response.
//
// A *CommandError is returned when the response status is not
// StatusSuccess, msg still holds the response in that case.
func (c *Client) Send(cmd Command, msg any) (err error) {
	c.Lock()
	defer c.Unlock()

	buf, err := Encode(msg)

	if err != nil {
		return fmt.Errorf("could not encode %s, %v", cmd, err)
	}

	if c.Cores != nil {
		restore, err := c.Cores.Park()

		if err != nil {
			return fmt.Errorf("could not park cores for %s, %w", cmd, err)
		}

		defer restore()
	}

	klog.V(1).Infof("PSP: sending %s (%d bytes)", cmd, len(buf))

	if err = c.Transport.Send(cmd, buf); err != nil {
		return fmt.Errorf("%s transport error, %w", cmd, err)
	}

	if err = Decode(buf, msg); err != nil {
		return fmt.Errorf("could not decode %s response, %v", cmd, err)
	}

	if status := Status(binary.LittleEndian.Uint32(buf[4:])); status != StatusSuccess {
		return &CommandError{Cmd: cmd, Status: status}
	}

	return
}
