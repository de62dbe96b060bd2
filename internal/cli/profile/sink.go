package profile

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/coral-mesh/vmprof/internal/profile"
	"github.com/coral-mesh/vmprof/internal/wbuf"
)

// errnoOf unwraps the errno of a file operation error, defaulting to EIO.
func errnoOf(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}

// FileSink turns a file into the writer/on-stop pair the profilers
// consume: the writer hands buffered stream bytes to the file, the
// on-stop callback closes it.
type FileSink struct {
	f *os.File
}

// NewFileSink creates (truncating) the output file. Open failures are
// I/O errors in the profiler taxonomy.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, profile.IOError(errnoOf(err)))
	}
	return &FileSink{f: f}, nil
}

// Writer returns the stream writer. Errors surface with their errno so
// the buffer can latch it; the buffer itself handles short writes and
// EINTR retries.
func (s *FileSink) Writer() wbuf.Writer {
	return func(data *[]byte, _ any) (int, error) {
		return s.f.Write(*data)
	}
}

// OnStop closes the sink. A failed close reports I/O failure to the
// engine.
func (s *FileSink) OnStop(_ any, _ []byte) int {
	if err := s.f.Close(); err != nil {
		return 1
	}
	return 0
}
