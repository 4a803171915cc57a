// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package heap

import (
	"encoding/binary"
	"math"
	"strings"
)

// Wire layout, all integers big-endian:
//
//	count   int32
//	count × {
//	    tag     int64
//	    nameLen int32
//	    name    [nameLen]byte (UTF-8)
//	}
const (
	countSize   = 4
	tagSize     = 8
	nameLenSize = 4
)

// EncodeSnapshot serializes s in the snapshot wire format.
//
// Entries beyond math.MaxInt32 are not representable and are dropped.
func EncodeSnapshot(s Snapshot) []byte {
	entries := s.Entries
	if len(entries) > math.MaxInt32 {
		entries = entries[:math.MaxInt32]
	}

	size := countSize
	for _, e := range entries {
		size += tagSize + nameLenSize + len(e.TypeName)
	}

	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(entries)))
	for _, e := range entries {
		buf = binary.BigEndian.AppendUint64(buf, uint64(e.Tag))
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.TypeName)))
		buf = append(buf, e.TypeName...)
	}
	return buf
}

// DecodeSnapshot parses the snapshot wire format.
//
// # Description
//
// Decoding is lenient by contract. A buffer too short for the count yields
// an empty snapshot. An entry whose header does not fit, or whose name
// length is negative or runs past the end of the buffer, truncates the
// snapshot at that entry. No error is ever returned for malformed input.
//
// # Inputs
//
//   - data: Encoded snapshot, typically produced by a native agent.
//
// # Outputs
//
//   - Snapshot: The entries decoded before any truncation point.
func DecodeSnapshot(data []byte) Snapshot {
	if len(data) < countSize {
		return Snapshot{}
	}

	count := int32(binary.BigEndian.Uint32(data))
	off := countSize
	if count <= 0 {
		return Snapshot{}
	}

	// Cap the preallocation by what the buffer could possibly hold.
	maxEntries := (len(data) - off) / (tagSize + nameLenSize)
	capacity := int(count)
	if capacity > maxEntries {
		capacity = maxEntries
	}
	entries := make([]Entry, 0, capacity)

	for i := int32(0); i < count; i++ {
		if len(data)-off < tagSize+nameLenSize {
			break
		}
		tag := Tag(int64(binary.BigEndian.Uint64(data[off:])))
		off += tagSize
		nameLen := int32(binary.BigEndian.Uint32(data[off:]))
		off += nameLenSize

		if nameLen < 0 || int(nameLen) > len(data)-off {
			break
		}
		name := strings.ToValidUTF8(string(data[off:off+int(nameLen)]), "\uFFFD")
		off += int(nameLen)

		entries = append(entries, Entry{Tag: tag, TypeName: name})
	}

	return Snapshot{Entries: entries}
}
