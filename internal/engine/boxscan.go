package engine

import "encoding/binary"

// box is one top-level MP4/fMP4 box found by scanBoxes: its type and the
// byte range of its full contents (including the 8-byte header) within the
// scanned buffer.
type box struct {
	Type  string
	Start int
	End   int
}

// scanBoxes walks a buffer of concatenated top-level ISO BMFF boxes
// (size:u32 big-endian, type:4ascii, with the size==1 extended-size escape)
// and returns each one found. It does not recurse into box children; the
// fetcher only needs top-level moof/mdat boundaries for its fMP4
// passthrough path, the same scope decryptor.helpers.go's box walker
// operates at for CENC.
func scanBoxes(data []byte) []box {
	var boxes []box
	offset := 0
	for offset+8 <= len(data) {
		size := boxSize(data, offset)
		if size < 8 || offset+size > len(data) {
			break
		}
		boxes = append(boxes, box{
			Type:  string(data[offset+4 : offset+8]),
			Start: offset,
			End:   offset + size,
		})
		offset += size
	}
	return boxes
}

// boxSize returns the declared size of the box at offset, resolving the
// size==1 64-bit extended-size escape to its low 32 bits (sufficient for
// any segment veld will ever hold in memory).
func boxSize(data []byte, offset int) int {
	if offset+8 > len(data) {
		return -1
	}
	size := int(binary.BigEndian.Uint32(data[offset:]))
	if size == 1 && offset+16 <= len(data) {
		size = int(binary.BigEndian.Uint32(data[offset+12:]))
	}
	return size
}

// findBox returns the first box of the given type, or false if absent.
func findBox(boxes []box, boxType string) (box, bool) {
	for _, b := range boxes {
		if b.Type == boxType {
			return b, true
		}
	}
	return box{}, false
}

// filterFMP4Passthrough keeps only the moof and mdat boxes of a fragmented
// MP4 segment (spec's fMP4 passthrough requirement), dropping sidx/styp/emsg
// and any other top-level boxes a CDN may interleave between fragments. Data
// that doesn't parse as a sequence of ISO BMFF boxes (e.g. a TS segment, or
// an already-filtered/unusual stream) is returned unchanged.
func filterFMP4Passthrough(data []byte) []byte {
	boxes := scanBoxes(data)
	if len(boxes) == 0 {
		return data
	}

	var out []byte
	kept := false
	for _, b := range boxes {
		if b.Type == "moof" || b.Type == "mdat" {
			out = append(out, data[b.Start:b.End]...)
			kept = true
		}
	}
	if !kept {
		return data
	}
	return out
}
