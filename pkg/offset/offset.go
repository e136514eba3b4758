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

// Package offset packs the backend's (ledger, entry, partition) message
// coordinates into the dense 64-bit queue offset the legacy wire protocol
// expects, and back.
package offset

import "fmt"

// Bit allocation inside the 64-bit queue offset. The total stays at 63 bits
// so every encoded offset is a positive int64 on the wire.
const (
	LedgerBits    = 31
	EntryBits     = 20
	PartitionBits = 12

	MaxLedger    = int64(1)<<LedgerBits - 1
	MaxEntry     = int64(1)<<EntryBits - 1
	MaxPartition = int64(1)<<PartitionBits - 1
)

// Sentinel boundary values. Offsets at or below MinOffset address the
// earliest available message; offsets at or above MaxOffset address the tail.
const (
	MinOffset int64 = 0
	MaxOffset int64 = MaxLedger<<(EntryBits+PartitionBits) | MaxEntry<<PartitionBits | MaxPartition
)

// Position classifies a requested queue offset.
type Position int

const (
	Exact Position = iota
	Earliest
	Latest
)

func (p Position) String() string {
	switch p {
	case Earliest:
		return "earliest"
	case Latest:
		return "latest"
	default:
		return "exact"
	}
}

// Encode packs backend coordinates into a queue offset. Encoded offsets for
// entries appended later on the same partition compare strictly greater.
// Coordinates outside the allotted bit widths indicate a broken backend and
// panic rather than wrap.
func Encode(ledger, entry, partition int64) int64 {
	if ledger < 0 || ledger > MaxLedger {
		panic(fmt.Sprintf("offset: ledger id %d exceeds %d bits", ledger, LedgerBits))
	}
	if entry < 0 || entry > MaxEntry {
		panic(fmt.Sprintf("offset: entry id %d exceeds %d bits", entry, EntryBits))
	}
	if partition < 0 || partition > MaxPartition {
		panic(fmt.Sprintf("offset: partition id %d exceeds %d bits", partition, PartitionBits))
	}
	return ledger<<(EntryBits+PartitionBits) | entry<<PartitionBits | partition
}

// Decode unpacks a queue offset produced by Encode. Callers must classify
// first; decoding a sentinel yields the boundary coordinates.
func Decode(queueOffset int64) (ledger, entry, partition int64) {
	ledger = queueOffset >> (EntryBits + PartitionBits) & MaxLedger
	entry = queueOffset >> PartitionBits & MaxEntry
	partition = queueOffset & MaxPartition
	return ledger, entry, partition
}

// Classify maps a raw wire offset onto a start position. Legacy clients send
// negative offsets for "start from the beginning"; those classify Earliest.
func Classify(queueOffset int64) Position {
	switch {
	case queueOffset <= MinOffset:
		return Earliest
	case queueOffset >= MaxOffset:
		return Latest
	default:
		return Exact
	}
}
