// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
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

// Package protocol implements the legacy remoting wire format: a 4-byte
// total length, a 4-byte header length whose top byte selects the header
// serialization, a JSON header, and an optional opaque body.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Header serialization types carried in the top byte of the header-length
// word. Only JSON is served; the compact binary form is rejected.
const (
	SerializeJSON     byte = 0
	SerializeRocketMQ byte = 1
)

const (
	responseFlag = 1 << 0
	onewayFlag   = 1 << 1

	// maxFrameSize bounds a single remoting frame.
	maxFrameSize = 32 << 20
)

// Command is one remoting request or response.
type Command struct {
	Code      int32             `json:"code"`
	Language  string            `json:"language"`
	Version   int32             `json:"version"`
	Opaque    int32             `json:"opaque"`
	Flag      int32             `json:"flag"`
	Remark    string            `json:"remark,omitempty"`
	ExtFields map[string]string `json:"extFields,omitempty"`

	Body []byte `json:"-"`
}

// NewCommand builds a request command.
func NewCommand(code int32) *Command {
	return &Command{Code: code, Language: "OTHER", ExtFields: make(map[string]string)}
}

// NewResponse builds a response command carrying the request's opaque.
func NewResponse(code int32, opaque int32, remark string) *Command {
	return &Command{
		Code:     code,
		Language: "OTHER",
		Opaque:   opaque,
		Flag:     responseFlag,
		Remark:   remark,
	}
}

// IsResponse reports whether the command is a response frame.
func (c *Command) IsResponse() bool { return c.Flag&responseFlag != 0 }

// IsOneway reports whether the sender expects no response.
func (c *Command) IsOneway() bool { return c.Flag&onewayFlag != 0 }

// MarkResponse flags the command as a response frame.
func (c *Command) MarkResponse() { c.Flag |= responseFlag }

// Ext returns one extension field, or "" when absent.
func (c *Command) Ext(key string) string {
	if c.ExtFields == nil {
		return ""
	}
	return c.ExtFields[key]
}

// SetExt stores one extension field.
func (c *Command) SetExt(key, value string) {
	if c.ExtFields == nil {
		c.ExtFields = make(map[string]string)
	}
	c.ExtFields[key] = value
}

// ReadCommand reads one framed command from r.
func ReadCommand(r io.Reader) (*Command, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}
	total := int32(binary.BigEndian.Uint32(lengthBuf[:]))
	if total < 4 || total > maxFrameSize {
		return nil, fmt.Errorf("protocol: invalid frame length %d", total)
	}

	payload := make([]byte, total)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("protocol: read frame payload: %w", err)
	}

	headerWord := binary.BigEndian.Uint32(payload[:4])
	serializeType := byte(headerWord >> 24)
	headerLen := int32(headerWord & 0x00FFFFFF)
	if headerLen < 0 || int64(headerLen)+4 > int64(total) {
		return nil, fmt.Errorf("protocol: invalid header length %d", headerLen)
	}
	if serializeType != SerializeJSON {
		return nil, fmt.Errorf("protocol: unsupported header serialization %d", serializeType)
	}

	cmd := &Command{}
	if err := json.Unmarshal(payload[4:4+headerLen], cmd); err != nil {
		return nil, fmt.Errorf("protocol: decode header: %w", err)
	}
	if body := payload[4+headerLen:]; len(body) > 0 {
		cmd.Body = body
	}
	return cmd, nil
}

// WriteCommand writes one framed command to w.
func WriteCommand(w io.Writer, cmd *Command) error {
	header, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("protocol: encode header: %w", err)
	}
	if len(header) > 0x00FFFFFF {
		return fmt.Errorf("protocol: header too large: %d", len(header))
	}
	total := 4 + len(header) + len(cmd.Body)
	if total > maxFrameSize {
		return fmt.Errorf("protocol: frame too large: %d", total)
	}

	frame := make([]byte, 8, 8+len(header)+len(cmd.Body))
	binary.BigEndian.PutUint32(frame[:4], uint32(total))
	binary.BigEndian.PutUint32(frame[4:8], uint32(SerializeJSON)<<24|uint32(len(header)))
	frame = append(frame, header...)
	frame = append(frame, cmd.Body...)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	return nil
}
