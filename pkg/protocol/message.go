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

package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// MessageMagic marks every store frame.
const MessageMagic int32 = -626843481

// StoreHostV6Flag mirrors BornHostV6Flag for the store host field.
const StoreHostV6Flag int32 = 1 << 5

// Property string separators used by the legacy clients.
const (
	nameValueSep = '\x01'
	propertySep  = '\x02'
)

// Message is a fully decoded store frame.
type Message struct {
	Topic          string
	Flag           int32
	SysFlag        int32
	QueueID        int32
	QueueOffset    int64
	PhysicalOffset int64
	BornTimestamp  int64
	StoreTimestamp int64
	BornHost       net.IP
	BornPort       int32
	StoreHost      net.IP
	StorePort      int32
	ReconsumeTimes int32
	Body           []byte
	Properties     map[string]string
	MsgID          string
}

// Tags returns the message's tag property.
func (m *Message) Tags() string { return m.Properties[PropertyTags] }

// Property returns one property value, or "".
func (m *Message) Property(key string) string { return m.Properties[key] }

// PutProperty stores one property, allocating the map on first use.
func (m *Message) PutProperty(key, value string) {
	if m.Properties == nil {
		m.Properties = make(map[string]string)
	}
	m.Properties[key] = value
}

// DelayLevel reads the deferred-delivery level property; 0 means immediate.
func (m *Message) DelayLevel() int {
	v := m.Properties[PropertyDelayTimeLevel]
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// SetDelayLevel writes the deferred-delivery level property.
func (m *Message) SetDelayLevel(level int) {
	m.PutProperty(PropertyDelayTimeLevel, strconv.Itoa(level))
}

// PropertiesToString flattens a property map into the legacy separator
// format.
func PropertiesToString(props map[string]string) string {
	if len(props) == 0 {
		return ""
	}
	var b strings.Builder
	for k, v := range props {
		b.WriteString(k)
		b.WriteByte(nameValueSep)
		b.WriteString(v)
		b.WriteByte(propertySep)
	}
	return b.String()
}

// StringToProperties parses the legacy separator format into a map.
func StringToProperties(s string) map[string]string {
	props := make(map[string]string)
	for _, pair := range strings.Split(s, string(propertySep)) {
		if pair == "" {
			continue
		}
		if idx := strings.IndexByte(pair, nameValueSep); idx > 0 {
			props[pair[:idx]] = pair[idx+1:]
		}
	}
	return props
}

// hostBytes renders an address field: ip then port, 4+4 for IPv4 and 16+4
// for IPv6.
func hostBytes(ip net.IP, port int32, v6 bool) []byte {
	var buf []byte
	if v6 {
		buf = make([]byte, 20)
		src := ip.To16()
		if src != nil {
			copy(buf[:16], src)
		}
		binary.BigEndian.PutUint32(buf[16:], uint32(port))
	} else {
		buf = make([]byte, 8)
		src := ip.To4()
		if src != nil {
			copy(buf[:4], src)
		}
		binary.BigEndian.PutUint32(buf[4:], uint32(port))
	}
	return buf
}

// EncodeMessage serializes a message into the store frame the legacy
// protocol ships inside pull response bodies. Field order and widths are a
// wire contract; the fixed prefix lets readers locate storeTimestamp
// without a full decode.
func EncodeMessage(m *Message) ([]byte, error) {
	props := PropertiesToString(m.Properties)
	if len(props) > 0xFFFF {
		return nil, fmt.Errorf("protocol: properties too long: %d", len(props))
	}
	if len(m.Topic) > 127 {
		return nil, fmt.Errorf("protocol: topic too long: %d", len(m.Topic))
	}

	bornV6 := m.SysFlag&BornHostV6Flag != 0
	storeV6 := m.SysFlag&StoreHostV6Flag != 0
	bornHostLen := 8
	if bornV6 {
		bornHostLen = 20
	}
	storeHostLen := 8
	if storeV6 {
		storeHostLen = 20
	}

	total := 4 + 4 + 4 + 4 + 4 + 8 + 8 + 4 + 8 + bornHostLen + 8 + storeHostLen +
		4 + 8 + 4 + len(m.Body) + 1 + len(m.Topic) + 2 + len(props)

	buf := bytes.NewBuffer(make([]byte, 0, total))
	w := func(v any) { binary.Write(buf, binary.BigEndian, v) }

	w(int32(total))
	w(MessageMagic)
	w(int32(crc32.ChecksumIEEE(m.Body)))
	w(m.QueueID)
	w(m.Flag)
	w(m.QueueOffset)
	w(m.PhysicalOffset)
	w(m.SysFlag)
	w(m.BornTimestamp)
	buf.Write(hostBytes(m.BornHost, m.BornPort, bornV6))
	w(m.StoreTimestamp)
	buf.Write(hostBytes(m.StoreHost, m.StorePort, storeV6))
	w(m.ReconsumeTimes)
	w(int64(0)) // prepared transaction offset
	w(int32(len(m.Body)))
	buf.Write(m.Body)
	buf.WriteByte(byte(len(m.Topic)))
	buf.WriteString(m.Topic)
	w(int16(len(props)))
	buf.WriteString(props)

	return buf.Bytes(), nil
}

// DecodeMessage parses a store frame produced by EncodeMessage.
func DecodeMessage(frame []byte) (*Message, error) {
	r := bytes.NewReader(frame)
	m := &Message{}

	var total, magic, bodyCRC int32
	var preparedOffset int64
	read := func(v any) error { return binary.Read(r, binary.BigEndian, v) }

	if err := read(&total); err != nil {
		return nil, fmt.Errorf("protocol: decode message: %w", err)
	}
	if int(total) != len(frame) {
		return nil, fmt.Errorf("protocol: frame size mismatch: header %d, got %d", total, len(frame))
	}
	if err := read(&magic); err != nil {
		return nil, err
	}
	if magic != MessageMagic {
		return nil, fmt.Errorf("protocol: bad message magic %#x", magic)
	}
	for _, v := range []any{&bodyCRC, &m.QueueID, &m.Flag, &m.QueueOffset, &m.PhysicalOffset, &m.SysFlag, &m.BornTimestamp} {
		if err := read(v); err != nil {
			return nil, err
		}
	}

	readHost := func(v6 bool) (net.IP, int32, error) {
		size := 8
		if v6 {
			size = 20
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, 0, err
		}
		port := int32(binary.BigEndian.Uint32(buf[size-4:]))
		ip := make(net.IP, size-4)
		copy(ip, buf[:size-4])
		return ip, port, nil
	}

	var err error
	if m.BornHost, m.BornPort, err = readHost(m.SysFlag&BornHostV6Flag != 0); err != nil {
		return nil, err
	}
	if err := read(&m.StoreTimestamp); err != nil {
		return nil, err
	}
	if m.StoreHost, m.StorePort, err = readHost(m.SysFlag&StoreHostV6Flag != 0); err != nil {
		return nil, err
	}
	if err := read(&m.ReconsumeTimes); err != nil {
		return nil, err
	}
	if err := read(&preparedOffset); err != nil {
		return nil, err
	}

	var bodyLen int32
	if err := read(&bodyLen); err != nil {
		return nil, err
	}
	if bodyLen < 0 || int64(bodyLen) > int64(r.Len()) {
		return nil, fmt.Errorf("protocol: bad body length %d", bodyLen)
	}
	m.Body = make([]byte, bodyLen)
	if _, err := io.ReadFull(r, m.Body); err != nil {
		return nil, err
	}
	if crc := int32(crc32.ChecksumIEEE(m.Body)); crc != bodyCRC {
		return nil, fmt.Errorf("protocol: body crc mismatch")
	}

	topicLen, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	topicBuf := make([]byte, topicLen)
	if _, err := io.ReadFull(r, topicBuf); err != nil {
		return nil, err
	}
	m.Topic = string(topicBuf)

	var propsLen int16
	if err := read(&propsLen); err != nil {
		return nil, err
	}
	propsBuf := make([]byte, propsLen)
	if _, err := io.ReadFull(r, propsBuf); err != nil {
		return nil, err
	}
	m.Properties = StringToProperties(string(propsBuf))
	return m, nil
}

// StoreTimestampOf reads storeTimestamp out of an encoded frame without
// decoding it, using the fixed prefix widths. The bornhost field is 8 or 20
// bytes depending on the BORNHOST_V6 sys-flag bit.
func StoreTimestampOf(frame []byte) (int64, bool) {
	const sysFlagPos = 4 + 4 + 4 + 4 + 4 + 8 + 8
	if len(frame) < sysFlagPos+4 {
		return 0, false
	}
	sysFlag := int32(binary.BigEndian.Uint32(frame[sysFlagPos:]))
	bornHostLen := 8
	if sysFlag&BornHostV6Flag != 0 {
		bornHostLen = 20
	}
	pos := sysFlagPos + 4 + 8 + bornHostLen
	if len(frame) < pos+8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(frame[pos:])), true
}

// CreateMessageID renders the legacy message id string: store ip, port, and
// queue offset, hex encoded.
func CreateMessageID(ip net.IP, port int32, queueOffset int64) string {
	buf := make([]byte, 16)
	if v4 := ip.To4(); v4 != nil {
		copy(buf[:4], v4)
	}
	binary.BigEndian.PutUint32(buf[4:8], uint32(port))
	binary.BigEndian.PutUint64(buf[8:], uint64(queueOffset))
	return strings.ToUpper(hex.EncodeToString(buf))
}

// ParseMessageID recovers the queue offset from a legacy message id.
func ParseMessageID(msgID string) (int64, error) {
	raw, err := hex.DecodeString(msgID)
	if err != nil || len(raw) != 16 {
		return 0, fmt.Errorf("protocol: bad message id %q", msgID)
	}
	return int64(binary.BigEndian.Uint64(raw[8:])), nil
}

// CompressBody deflates a message body for the COMPRESSED sys flag.
func CompressBody(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UncompressBody inflates a COMPRESSED message body.
func UncompressBody(body []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
