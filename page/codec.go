package page

import (
	"encoding/binary"

	"github.com/foster-db/fostertree/pageid"
)

// Encode serializes p into a byte slice of at least size bytes, padded
// with zeros to size so every page occupies a uniform extent on disk.
// This is the wire format both extentstore.Store.WritePage and
// single-page-recovery log images use.
func Encode(p *Page, size int) []byte {
	buf := make([]byte, 0, size)
	var tmp [8]byte

	putU32 := func(v uint32) {
		binary.BigEndian.PutUint32(tmp[:4], v)
		buf = append(buf, tmp[:4]...)
	}
	putU16 := func(v uint16) {
		binary.BigEndian.PutUint16(tmp[:2], v)
		buf = append(buf, tmp[:2]...)
	}
	putU64 := func(v uint64) {
		binary.BigEndian.PutUint64(tmp[:8], v)
		buf = append(buf, tmp[:8]...)
	}
	putBytes := func(b []byte) {
		putU16(uint16(len(b)))
		buf = append(buf, b...)
	}

	h := &p.Header
	buf = append(buf, byte(h.Tag))
	putU32(uint32(h.PageID))
	putU32(h.StoreID)
	putU32(uint32(h.RootID))
	putU16(h.Level)
	putU64(uint64(h.LSN))
	putU64(uint64(h.FooterLSN))
	putU32(h.Checksum)
	buf = append(buf, byte(h.Flags))
	putU32(uint32(h.PID0))
	putU32(uint32(h.Foster))
	putU64(uint64(h.FosterEMLSN))
	putU16(h.SkewCount)

	putBytes(p.fenceLow)
	putBytes(p.fenceHigh)
	putBytes(p.chainFenceHigh)

	putU16(uint16(len(p.slots)))
	isLeaf := h.IsLeaf()
	for _, r := range p.slots {
		if r.Ghost {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		putBytes(r.Key)
		if isLeaf {
			putBytes(r.Value)
		} else {
			putU32(uint32(r.Child))
		}
	}

	if len(buf) < size {
		buf = append(buf, make([]byte, size-len(buf))...)
	}
	return buf
}

// Decode reconstructs a Page from bytes produced by Encode. It panics
// on truncated input; callers are expected to have validated the
// page's checksum beforehand.
func Decode(buf []byte) *Page {
	i := 0
	readByte := func() byte { b := buf[i]; i++; return b }
	readU16 := func() uint16 { v := binary.BigEndian.Uint16(buf[i : i+2]); i += 2; return v }
	readU32 := func() uint32 { v := binary.BigEndian.Uint32(buf[i : i+4]); i += 4; return v }
	readU64 := func() uint64 { v := binary.BigEndian.Uint64(buf[i : i+8]); i += 8; return v }
	readBytes := func() []byte {
		n := readU16()
		b := append([]byte(nil), buf[i:i+int(n)]...)
		i += int(n)
		return b
	}

	p := &Page{size: len(buf)}
	h := &p.Header
	h.Tag = Tag(readByte())
	h.PageID = pageid.PageID(readU32())
	h.StoreID = readU32()
	h.RootID = pageid.PageID(readU32())
	h.Level = readU16()
	h.LSN = pageid.LSN(readU64())
	h.FooterLSN = pageid.LSN(readU64())
	h.Checksum = readU32()
	h.Flags = Flag(readByte())
	h.PID0 = pageid.PageID(readU32())
	h.Foster = pageid.PageID(readU32())
	h.FosterEMLSN = pageid.LSN(readU64())
	h.SkewCount = readU16()

	p.fenceLow = readBytes()
	p.fenceHigh = readBytes()
	p.chainFenceHigh = readBytes()
	h.PrefixLen = uint16(commonPrefixLen(p.fenceLow, p.fenceHigh))
	h.FenceLowLen = uint16(len(p.fenceLow))
	h.FenceHighLen = uint16(len(p.fenceHigh))
	h.ChainFenceHighLen = uint16(len(p.chainFenceHigh))

	n := readU16()
	isLeaf := h.IsLeaf()
	p.slots = make([]*Record, n)
	for s := 0; s < int(n); s++ {
		r := &Record{Ghost: readByte() != 0}
		r.Key = readBytes()
		if isLeaf {
			r.Value = readBytes()
		} else {
			r.Child = pageid.PageID(readU32())
		}
		p.slots[s] = r
	}
	return p
}
