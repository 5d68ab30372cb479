package gzfile

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/thomasjungblut/go-gzstream/checksum"
	"github.com/thomasjungblut/go-gzstream/engine"
)

// Header holds the metadata fields of one container member. Name and
// Comment must be Latin-1 without NUL bytes, a zero ModTime writes as the
// absent marker. HeaderCrc appends the 16 bit header checksum that readers
// validate before touching the body.
type Header struct {
	Comment   string
	Extra     []byte
	ModTime   time.Time
	Name      string
	OS        byte
	HeaderCrc bool
}

// AppendTo appends the wire encoding of the header to buf and returns the
// extended slice. The level only shapes the XFL hint byte, mirroring what
// the gzip tool advertises for its fastest and strongest settings.
func (h *Header) AppendTo(buf []byte, level int) ([]byte, error) {
	flags := byte(0)
	if h.HeaderCrc {
		flags |= flagHeaderCrc
	}
	if len(h.Extra) > 0 {
		flags |= flagExtra
	}
	if h.Name != "" {
		flags |= flagName
	}
	if h.Comment != "" {
		flags |= flagComment
	}

	var modTime uint32
	if u := h.ModTime.Unix(); !h.ModTime.IsZero() && u > 0 {
		modTime = uint32(u)
	}

	xfl := byte(0)
	switch level {
	case engine.BestCompression:
		xfl = 2
	case engine.BestSpeed:
		xfl = 4
	}

	start := len(buf)
	buf = append(buf, gzipID1, gzipID2, gzipDeflate, flags)
	buf = binary.LittleEndian.AppendUint32(buf, modTime)
	buf = append(buf, xfl, h.OS)

	if len(h.Extra) > 0 {
		if len(h.Extra) > 0xffff {
			return nil, fmt.Errorf("gzfile: extra field of %d bytes exceeds the 65535 byte limit", len(h.Extra))
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(h.Extra)))
		buf = append(buf, h.Extra...)
	}
	var err error
	if h.Name != "" {
		if buf, err = appendLatin1(buf, h.Name); err != nil {
			return nil, err
		}
	}
	if h.Comment != "" {
		if buf, err = appendLatin1(buf, h.Comment); err != nil {
			return nil, err
		}
	}
	if h.HeaderCrc {
		digest := checksum.Crc32(0, buf[start:])
		buf = binary.LittleEndian.AppendUint16(buf, uint16(digest))
	}
	return buf, nil
}

// appendLatin1 appends s as a NUL terminated Latin-1 string.
func appendLatin1(buf []byte, s string) ([]byte, error) {
	for _, r := range s {
		if r == 0 || r > 0xff {
			return nil, fmt.Errorf("gzfile: header string %q is not Latin-1", s)
		}
		buf = append(buf, byte(r))
	}
	return append(buf, 0), nil
}

// latin1 widens raw header bytes into a string, mapping every byte to the
// unicode code point of the same value so that AppendTo round trips it.
func latin1(raw []byte) string {
	for _, b := range raw {
		if b > 0x7f {
			runes := make([]rune, 0, len(raw))
			for _, b := range raw {
				runes = append(runes, rune(b))
			}
			return string(runes)
		}
	}
	return string(raw)
}
