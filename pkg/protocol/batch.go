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
	"fmt"
	"hash/crc32"
	"io"
)

// BatchItem is one inner message of a SEND_BATCH_MESSAGE body.
type BatchItem struct {
	Flag       int32
	Body       []byte
	Properties map[string]string
}

// DecodeBatchBody splits a batch send body into its inner messages. Each
// item carries its own size, magic, crc, flag, body, and properties.
func DecodeBatchBody(body []byte) ([]BatchItem, error) {
	r := bytes.NewReader(body)
	var items []BatchItem
	for r.Len() > 0 {
		var total, magic, bodyCRC, flag, bodyLen int32
		for _, v := range []any{&total, &magic, &bodyCRC, &flag, &bodyLen} {
			if err := binary.Read(r, binary.BigEndian, v); err != nil {
				return nil, fmt.Errorf("protocol: decode batch item %d: %w", len(items), err)
			}
		}
		if magic != MessageMagic {
			return nil, fmt.Errorf("protocol: batch item %d bad magic %#x", len(items), magic)
		}
		if bodyLen < 0 || int64(bodyLen) > int64(r.Len()) {
			return nil, fmt.Errorf("protocol: batch item %d bad body length %d", len(items), bodyLen)
		}
		itemBody := make([]byte, bodyLen)
		if _, err := io.ReadFull(r, itemBody); err != nil {
			return nil, err
		}
		if crc := int32(crc32.ChecksumIEEE(itemBody)); crc != bodyCRC {
			return nil, fmt.Errorf("protocol: batch item %d crc mismatch", len(items))
		}
		var propsLen int16
		if err := binary.Read(r, binary.BigEndian, &propsLen); err != nil {
			return nil, err
		}
		propsBuf := make([]byte, propsLen)
		if _, err := io.ReadFull(r, propsBuf); err != nil {
			return nil, err
		}
		items = append(items, BatchItem{
			Flag:       flag,
			Body:       itemBody,
			Properties: StringToProperties(string(propsBuf)),
		})
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("protocol: empty batch body")
	}
	return items, nil
}

// EncodeBatchBody is the inverse of DecodeBatchBody; clients use it, the
// broker uses it in tests.
func EncodeBatchBody(items []BatchItem) []byte {
	var buf bytes.Buffer
	for _, item := range items {
		props := PropertiesToString(item.Properties)
		total := int32(4 + 4 + 4 + 4 + 4 + len(item.Body) + 2 + len(props))
		binary.Write(&buf, binary.BigEndian, total)
		binary.Write(&buf, binary.BigEndian, MessageMagic)
		binary.Write(&buf, binary.BigEndian, int32(crc32.ChecksumIEEE(item.Body)))
		binary.Write(&buf, binary.BigEndian, item.Flag)
		binary.Write(&buf, binary.BigEndian, int32(len(item.Body)))
		buf.Write(item.Body)
		binary.Write(&buf, binary.BigEndian, int16(len(props)))
		buf.WriteString(props)
	}
	return buf.Bytes()
}
