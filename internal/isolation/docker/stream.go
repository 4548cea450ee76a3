package docker

import (
	"encoding/binary"
	"io"

	"github.com/docker/docker/api/types"
)

// stream adapts a Docker attach/exec connection, which multiplexes
// stdout and stderr behind an 8-byte frame header, into a clean
// io.ReadWriteCloser carrying only stdout — the shape the REPL Executor
// needs for the framed Interpreter Server protocol. stderr is
// discarded here; Exec (which needs both streams) uses demuxTo directly
// instead of this type.
type stream struct {
	resp   types.HijackedResponse
	reader *io.PipeReader
	writer *io.PipeWriter
}

func newStream(resp types.HijackedResponse) *stream {
	pr, pw := io.Pipe()
	s := &stream{resp: resp, reader: pr, writer: pw}
	go func() {
		defer s.writer.Close()
		_ = demuxTo(resp.Reader, s.writer, io.Discard)
	}()
	return s
}

func (s *stream) Read(p []byte) (int, error)  { return s.reader.Read(p) }
func (s *stream) Write(p []byte) (int, error) { return s.resp.Conn.Write(p) }
func (s *stream) Close() error {
	s.resp.Close()
	return s.writer.Close()
}

// demuxTo splits Docker's stdcopy frame format (an 8-byte header
// STREAM_TYPE,0,0,0,SIZE[4] followed by SIZE bytes of payload) between
// stdout and stderr writers until the underlying reader is exhausted.
func demuxTo(r io.Reader, stdout, stderr io.Writer) error {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}

		size := binary.BigEndian.Uint32(header[4:8])
		var dst io.Writer
		switch header[0] {
		case 1:
			dst = stdout
		case 2:
			dst = stderr
		default:
			dst = io.Discard
		}

		if _, err := io.CopyN(dst, r, int64(size)); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
