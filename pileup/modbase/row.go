// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package modbase

import (
	"encoding/binary"
	"fmt"
)

// Each job writes its final cells, in key order, to a lightly compressed
// (zstd level 1) recordio temp file.  The per-job files are then merged.

// cutAndAdvance() returns s[offset:offset+pieceLen], and increments offset by
// pieceLen.  Writing x := s[offset:] followed by x = x[:k] lets the compiler
// drop most bounds-checks on x.
func cutAndAdvance(offset *int, s []byte, pieceLen int) []byte {
	tmpSlice := s[(*offset):]
	*offset += pieceLen
	return tmpSlice[:pieceLen]
}

const (
	cellFixedBytes = 55
	modCountBytes  = 5
)

// Serialized format:
//   [0..4): refID
//   [4..8): pos
//   [8]: strand
//   [9..21): filtered, delete, mismatch
//   [21..37): noCall[A..T]
//   [37..53): canonical[A..T]
//   [53..55): number of mods
//   5 bytes per mod: code, then count
func marshalCell(scratch []byte, p interface{}) ([]byte, error) {
	c := p.(*Cell)
	bytesReq := cellFixedBytes + modCountBytes*len(c.Mods)
	t := scratch
	if len(t) < bytesReq {
		t = make([]byte, bytesReq)
	}
	t = t[:bytesReq]
	offset := 0
	tStart := cutAndAdvance(&offset, t, cellFixedBytes)
	binary.LittleEndian.PutUint32(tStart[0:4], c.RefID)
	binary.LittleEndian.PutUint32(tStart[4:8], c.Pos)
	tStart[8] = c.Strand
	binary.LittleEndian.PutUint32(tStart[9:13], c.Filtered)
	binary.LittleEndian.PutUint32(tStart[13:17], c.Delete)
	binary.LittleEndian.PutUint32(tStart[17:21], c.Mismatch)
	for b := range c.NoCall {
		binary.LittleEndian.PutUint32(tStart[21+4*b:25+4*b], c.NoCall[b])
		binary.LittleEndian.PutUint32(tStart[37+4*b:41+4*b], c.Canonical[b])
	}
	binary.LittleEndian.PutUint16(tStart[53:55], uint16(len(c.Mods)))
	for _, m := range c.Mods {
		dst := cutAndAdvance(&offset, t, modCountBytes)
		dst[0] = byte(m.Code)
		binary.LittleEndian.PutUint32(dst[1:5], m.N)
	}
	return t, nil
}

func unmarshalCell(in []byte) (out interface{}, err error) {
	if len(in) < cellFixedBytes {
		return nil, fmt.Errorf("unmarshalCell: record too short (%d bytes)", len(in))
	}
	offset := 0
	inStart := cutAndAdvance(&offset, in, cellFixedBytes)
	c := &Cell{
		RefID:    binary.LittleEndian.Uint32(inStart[0:4]),
		Pos:      binary.LittleEndian.Uint32(inStart[4:8]),
		Strand:   inStart[8],
		Filtered: binary.LittleEndian.Uint32(inStart[9:13]),
		Delete:   binary.LittleEndian.Uint32(inStart[13:17]),
		Mismatch: binary.LittleEndian.Uint32(inStart[17:21]),
	}
	for b := range c.NoCall {
		c.NoCall[b] = binary.LittleEndian.Uint32(inStart[21+4*b : 25+4*b])
		c.Canonical[b] = binary.LittleEndian.Uint32(inStart[37+4*b : 41+4*b])
	}
	nMod := int(binary.LittleEndian.Uint16(inStart[53:55]))
	if len(in) != cellFixedBytes+modCountBytes*nMod {
		return nil, fmt.Errorf("unmarshalCell: length %d inconsistent with %d mod(s)", len(in), nMod)
	}
	if nMod > 0 {
		c.Mods = make([]modCount, nMod)
		for i := range c.Mods {
			src := cutAndAdvance(&offset, in, modCountBytes)
			c.Mods[i].Code = ModCode(src[0])
			c.Mods[i].N = binary.LittleEndian.Uint32(src[1:5])
		}
	}
	return c, nil
}
