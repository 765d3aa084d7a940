package wire

import (
	"bufio"
	"io"
	"strings"
)

// Frame is one parsed block from the streaming-HTTP fallback channel: a
// sequence of "event:" / "data:" lines terminated by a blank line.
type Frame struct {
	// Event is the frame name; "message" when the block carried no
	// event line.
	Event string
	// Data is the frame payload: all data lines joined with newlines.
	Data string
	// Raw is the block text as received, without the terminating blank
	// line.
	Raw string
}

// FrameScanner incrementally parses frames from a streaming response body.
// It consumes bytes as they arrive and never buffers the whole stream.
type FrameScanner struct {
	r *bufio.Reader
}

// NewFrameScanner wraps a streaming reader.
func NewFrameScanner(r io.Reader) *FrameScanner {
	return &FrameScanner{r: bufio.NewReader(r)}
}

// Next blocks until a complete frame is available and returns it. It
// returns io.EOF once the stream ends; a frame in progress at EOF is
// returned first if it carried any data.
func (s *FrameScanner) Next() (Frame, error) {
	var (
		event    string
		data     []string
		raw      []string
		havePart bool
	)
	flush := func() (Frame, bool) {
		if !havePart {
			return Frame{}, false
		}
		if event == "" {
			event = "message"
		}
		return Frame{
			Event: event,
			Data:  strings.Join(data, "\n"),
			Raw:   strings.Join(raw, "\n"),
		}, true
	}
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && strings.TrimRight(line, "\r\n") == "" {
				if frame, ok := flush(); ok {
					return frame, nil
				}
				return Frame{}, io.EOF
			}
			if err == io.EOF {
				// Treat a final unterminated line as part of the
				// last frame.
				s.consumeLine(strings.TrimRight(line, "\r"), &event, &data, &raw, &havePart)
				if frame, ok := flush(); ok {
					return frame, nil
				}
				return Frame{}, io.EOF
			}
			return Frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if frame, ok := flush(); ok {
				return frame, nil
			}
			continue
		}
		s.consumeLine(line, &event, &data, &raw, &havePart)
	}
}

func (s *FrameScanner) consumeLine(line string, event *string, data, raw *[]string, havePart *bool) {
	if line == "" {
		return
	}
	if strings.HasPrefix(line, ":") {
		// Comment/keepalive line.
		return
	}
	*raw = append(*raw, line)
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return
	}
	value = strings.TrimPrefix(value, " ")
	switch name {
	case "event":
		*event = value
		*havePart = true
	case "data":
		*data = append(*data, value)
		*havePart = true
	}
}
