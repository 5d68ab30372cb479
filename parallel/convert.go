package parallel

import (
	"errors"
	"fmt"
	"io"

	"github.com/thomasjungblut/go-gzstream/engine"
	"github.com/thomasjungblut/go-gzstream/gzfile"
)

// Convert re-compresses an existing container into blocked MultiMember
// form, so that a solid stream gains cheap seeking. The compression level
// is sniffed from the extra flags byte of the first member header, where
// gzip tools record their fastest and strongest settings; header metadata
// of the first member is carried over. Both the sniffed level and the
// framing can be overridden through writerOptions.
func Convert(dst io.Writer, src io.ReadSeeker, writerOptions ...WriterOption) (err error) {
	// XFL lives at byte 8 of the fixed header, 2 marks best compression
	// and 4 best speed
	var head [10]byte
	if _, err := io.ReadFull(src, head[:]); err != nil {
		return fmt.Errorf("reading the container header failed with %w", err)
	}
	level := engine.DefaultCompression
	switch head[8] {
	case 2:
		level = engine.BestCompression
	case 4:
		level = engine.BestSpeed
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding the container failed with %w", err)
	}

	reader, err := gzfile.NewReader(src)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, reader.Close())
	}()

	writerOptions = append([]WriterOption{WriterLayout(MultiMember), CompressionLevel(level)}, writerOptions...)
	writer, err := NewWriter(dst, writerOptions...)
	if err != nil {
		return err
	}
	writer.Header = reader.Header

	_, copyErr := io.Copy(writer, reader)
	closeErr := writer.Close()
	if copyErr != nil {
		return fmt.Errorf("recompressing the container failed with %w", copyErr)
	}
	return closeErr
}
