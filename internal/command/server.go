package command

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// MaxLineBytes bounds one command line. Longer lines are rejected
// without being parsed.
const MaxLineBytes = 64 * 1024

// Server reads line-delimited JSON commands from a stream and writes
// one JSON result line per command.
type Server struct {
	plane *Plane

	mu  sync.Mutex
	out io.Writer
}

// NewServer builds a line server over the plane.
func NewServer(plane *Plane, out io.Writer) *Server {
	return &Server{plane: plane, out: out}
}

// Serve processes commands until the stream ends or ctx is cancelled.
// Malformed or oversized lines produce an error result and the loop
// continues; the operator channel must survive bad input.
func (s *Server) Serve(ctx context.Context, in io.Reader) error {
	reader := bufio.NewReaderSize(in, 4096)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, tooLong, err := readLine(reader)
		switch {
		case tooLong:
			s.writeResult(Result{"type": "COMMAND_ERROR", "error": "command line exceeds size limit"})
		case len(line) > 0:
			s.writeResult(s.HandleLine(ctx, line))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// readLine reads up to the next newline. A line past MaxLineBytes is
// discarded in full and reported via tooLong, leaving the stream
// positioned at the next line.
func readLine(r *bufio.Reader) ([]byte, bool, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			line = append(line, chunk...)
			if len(line) > MaxLineBytes {
				tooLong = true
				line = nil
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if tooLong {
			return nil, true, err
		}
		return bytes.TrimRight(line, "\r\n"), false, err
	}
}

// HandleLine parses and dispatches one raw command line.
func (s *Server) HandleLine(ctx context.Context, line []byte) Result {
	if len(line) > MaxLineBytes {
		return Result{"type": "COMMAND_ERROR", "error": "command line exceeds size limit"}
	}

	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return Result{"type": "COMMAND_ERROR", "error": "malformed command: " + err.Error()}
	}
	return s.plane.Dispatch(ctx, cmd)
}

func (s *Server) writeResult(res Result) {
	data, err := json.Marshal(res)
	if err != nil {
		data = []byte(`{"type":"COMMAND_ERROR","error":"failed to encode result"}`)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.Write(data)
	s.out.Write([]byte("\n"))
}
