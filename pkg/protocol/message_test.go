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
	"net"
	"testing"
)

func sampleMessage() *Message {
	return &Message{
		Topic:          "orders",
		Flag:           1,
		QueueID:        3,
		QueueOffset:    12345,
		BornTimestamp:  1700000000000,
		StoreTimestamp: 1700000000500,
		BornHost:       net.IPv4(10, 0, 0, 1).To4(),
		BornPort:       54321,
		StoreHost:      net.IPv4(10, 0, 0, 2).To4(),
		StorePort:      9876,
		ReconsumeTimes: 2,
		Body:           []byte("hello"),
		Properties:     map[string]string{PropertyTags: "red", "region": "eu"},
	}
}

func TestMessageEncodeDecode(t *testing.T) {
	msg := sampleMessage()
	frame, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeMessage(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Topic != msg.Topic || got.QueueID != msg.QueueID || got.QueueOffset != msg.QueueOffset {
		t.Fatalf("identity fields mismatch: %+v", got)
	}
	if !bytes.Equal(got.Body, msg.Body) {
		t.Fatalf("body mismatch: %q", got.Body)
	}
	if got.Tags() != "red" || got.Property("region") != "eu" {
		t.Fatalf("properties mismatch: %v", got.Properties)
	}
	if got.BornPort != msg.BornPort || !got.BornHost.Equal(msg.BornHost) {
		t.Fatalf("born host mismatch: %v:%d", got.BornHost, got.BornPort)
	}
}

func TestStoreTimestampFixedPosition(t *testing.T) {
	msg := sampleMessage()
	frame, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ts, ok := StoreTimestampOf(frame)
	if !ok || ts != msg.StoreTimestamp {
		t.Fatalf("store timestamp = %d (%v) want %d", ts, ok, msg.StoreTimestamp)
	}

	// The bornhost field widens to 20 bytes for IPv6 senders; the fixed
	// position must follow the sys flag.
	msg.SysFlag |= BornHostV6Flag
	msg.BornHost = net.ParseIP("2001:db8::1")
	frame, err = EncodeMessage(msg)
	if err != nil {
		t.Fatalf("encode v6: %v", err)
	}
	ts, ok = StoreTimestampOf(frame)
	if !ok || ts != msg.StoreTimestamp {
		t.Fatalf("v6 store timestamp = %d (%v) want %d", ts, ok, msg.StoreTimestamp)
	}
}

func TestPropertiesRoundTrip(t *testing.T) {
	props := map[string]string{"a": "1", "b": "", "UNIQ_KEY": "xyz"}
	got := StringToProperties(PropertiesToString(props))
	if len(got) != len(props) {
		t.Fatalf("property count mismatch: %v", got)
	}
	for k, v := range props {
		if got[k] != v {
			t.Fatalf("property %q = %q want %q", k, got[k], v)
		}
	}
}

func TestMessageIDRoundTrip(t *testing.T) {
	id := CreateMessageID(net.IPv4(192, 168, 1, 10), 10911, 987654321)
	offset, err := ParseMessageID(id)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if offset != 987654321 {
		t.Fatalf("offset = %d", offset)
	}
	if _, err := ParseMessageID("nothex"); err == nil {
		t.Fatalf("expected error for malformed id")
	}
}

func TestCompressRoundTrip(t *testing.T) {
	body := bytes.Repeat([]byte("ropscale "), 100)
	compressed, err := CompressBody(body)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if len(compressed) >= len(body) {
		t.Fatalf("compression did not shrink %d -> %d", len(body), len(compressed))
	}
	got, err := UncompressBody(compressed)
	if err != nil {
		t.Fatalf("uncompress: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("round trip mismatch")
	}
}

func TestBatchBodyRoundTrip(t *testing.T) {
	items := []BatchItem{
		{Flag: 0, Body: []byte("one"), Properties: map[string]string{PropertyTags: "a"}},
		{Flag: 1, Body: []byte("two"), Properties: nil},
		{Flag: 2, Body: []byte("three"), Properties: map[string]string{"k": "v"}},
	}
	decoded, err := DecodeBatchBody(EncodeBatchBody(items))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != len(items) {
		t.Fatalf("item count = %d", len(decoded))
	}
	for i, item := range decoded {
		if !bytes.Equal(item.Body, items[i].Body) || item.Flag != items[i].Flag {
			t.Fatalf("item %d mismatch: %+v", i, item)
		}
	}
	if _, err := DecodeBatchBody(nil); err == nil {
		t.Fatalf("expected error for empty batch")
	}
}

func TestDecodeMessageRejectsCorruptFrames(t *testing.T) {
	msg := sampleMessage()
	frame, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	frame[88] ^= 0xFF // flip the first body byte to break the crc
	if _, err := DecodeMessage(frame); err == nil {
		t.Fatalf("expected crc error")
	}
	if _, err := DecodeMessage(frame[:10]); err == nil {
		t.Fatalf("expected truncation error")
	}
}
