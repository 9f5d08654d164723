package extract

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// source is a re-readable view of the input document, needed for the lenient retry
type source struct {
	rs      io.ReadSeeker
	start   int64
	cleanup func()
	spooled bool
}

// openSource makes r re-readable. Seekable readers are used in place; others
// are buffered in memory up to threshold bytes and spooled to a temp file beyond it.
func openSource(r io.Reader, threshold int64) (*source, error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		start, err := rs.Seek(0, io.SeekCurrent)
		if err == nil {
			return &source{rs: rs, start: start, cleanup: func() {}}, nil
		}
	}

	var head bytes.Buffer
	n, err := io.CopyN(&head, r, threshold+1)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read document: %w", err)
	}
	if n <= threshold {
		return &source{rs: bytes.NewReader(head.Bytes()), cleanup: func() {}}, nil
	}

	f, err := os.CreateTemp("", "patternlens-*.xml")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}
	if _, err := f.Write(head.Bytes()); err != nil {
		cleanup()
		return nil, fmt.Errorf("spool document: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		cleanup()
		return nil, fmt.Errorf("spool document: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, fmt.Errorf("rewind spool file: %w", err)
	}
	return &source{rs: f, cleanup: cleanup, spooled: true}, nil
}

// rewind positions the source at the start of the document
func (s *source) rewind() error {
	_, err := s.rs.Seek(s.start, io.SeekStart)
	return err
}

func (s *source) Close() {
	s.cleanup()
}
