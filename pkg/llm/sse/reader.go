// Package sse reads Server-Sent Events streams.
//
// Scanner parses the line grammar into (event, data) frames. Stream runs a
// Scanner on a background goroutine feeding a bounded channel, so frames can
// be pulled independently of network read timing; a full channel suspends
// the byte reader rather than buffering without limit.
package sse

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// Event is a single SSE frame.
type Event struct {
	Type string // value of the "event:" field (may be empty)
	Data string // value of the "data:" field(s), joined with "\n"
}

// Scanner reads SSE frames from an io.Reader. Partial lines at chunk
// boundaries are handled by the underlying bufio.Scanner.
type Scanner struct {
	scanner *bufio.Scanner
}

func NewScanner(r io.Reader) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1<<20), 1<<20) // 1 MB line budget
	return &Scanner{scanner: sc}
}

// Next returns the next frame. Returns (Event{}, io.EOF) at end of stream
// and the transport error if the underlying read failed.
func (s *Scanner) Next() (Event, error) {
	var ev Event
	var dataLines []string

	for s.scanner.Scan() {
		line := s.scanner.Text()

		if line == "" {
			// Blank line dispatches the frame.
			if len(dataLines) > 0 || ev.Type != "" {
				ev.Data = strings.Join(dataLines, "\n")
				return ev, nil
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue // comment
		}
		if strings.HasPrefix(line, "event:") {
			ev.Type = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
		// id: and retry: fields are intentionally ignored
	}

	if err := s.scanner.Err(); err != nil {
		return Event{}, err
	}
	// A final frame without a trailing blank line still dispatches.
	if len(dataLines) > 0 || ev.Type != "" {
		ev.Data = strings.Join(dataLines, "\n")
		return ev, nil
	}
	return Event{}, io.EOF
}

// Stream is the pull side of a pumped Scanner.
type Stream struct {
	frames chan Event
	done   chan struct{}
	err    error
}

// Pump starts a background goroutine that reads frames from r into a bounded
// channel of size buf (buf <= 0 selects a small default). The goroutine
// stops when r is exhausted, the read fails, or ctx is cancelled.
func Pump(ctx context.Context, r io.Reader, buf int) *Stream {
	if buf <= 0 {
		buf = 16
	}
	s := &Stream{
		frames: make(chan Event, buf),
		done:   make(chan struct{}),
	}
	sc := NewScanner(r)
	go func() {
		defer close(s.frames)
		defer close(s.done)
		for {
			ev, err := sc.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				s.err = err
				return
			}
			select {
			case s.frames <- ev:
			case <-ctx.Done():
				s.err = ctx.Err()
				return
			}
		}
	}()
	return s
}

// Frames returns the frame channel. It closes when the stream ends.
func (s *Stream) Frames() <-chan Event {
	return s.frames
}

// Err returns the transport error that ended the stream, or nil. Meaningful
// only after the Frames channel has closed.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}
