package parallel

import (
	"io"

	"github.com/thomasjungblut/go-gzstream/gzfile"
)

// DefaultProbeSize is how much payload IsProbablyBlocked decodes at most.
const DefaultProbeSize = 2 * DefaultBlockSizeBytes

// IsProbablyBlocked reports whether a container is cut into members small
// enough for member granular seeking to pay off. It decodes at most
// probeSize payload bytes: crossing a member boundary inside that window
// counts as blocked, and so does the container ending cleanly within it,
// since such a stream needs no conversion either way. A first member still
// running at the probe limit marks a solid stream. Unreadable input counts
// as not blocked.
func IsProbablyBlocked(r io.Reader, probeSize int64) bool {
	var members int
	reader, err := gzfile.NewReader(r, gzfile.WithMemberFunc(func(gzfile.Member) {
		members++
	}))
	if err != nil {
		return false
	}
	defer func() {
		_ = reader.Close()
	}()
	if _, err := io.CopyN(io.Discard, reader, probeSize); err != nil {
		return err == io.EOF
	}
	return members > 0
}
