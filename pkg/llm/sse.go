package llm

import (
	"bufio"
	"io"
	"strings"
)

// SSEEvent is a single Server-Sent Event.
type SSEEvent struct {
	// Type is the "event:" field, empty for the default event type.
	Type string

	// Data is the payload; multiple "data:" lines are joined with newlines.
	Data string
}

// SSEScanner reads Server-Sent Events from an io.Reader.
//
// Events are delimited by blank lines. Comment lines (starting with ":") and
// unknown fields are ignored.
//
//	scanner := NewSSEScanner(reader)
//	for scanner.Next() {
//	    event := scanner.Event()
//	}
//	if err := scanner.Err(); err != nil {
//	    // handle error
//	}
type SSEScanner struct {
	reader  *bufio.Reader
	current SSEEvent
	err     error
}

// NewSSEScanner creates a scanner that reads SSE events from reader.
func NewSSEScanner(reader io.Reader) *SSEScanner {
	return &SSEScanner{
		reader: bufio.NewReaderSize(reader, 64*1024),
	}
}

// Next advances to the next event. It returns false at EOF or on error; call
// Err to tell them apart.
func (scanner *SSEScanner) Next() bool {
	scanner.current = SSEEvent{}
	if scanner.err != nil {
		return false
	}

	var dataLines []string
	var eventType string
	hasData := false

	for {
		line, err := scanner.reader.ReadString('\n')

		if err != nil && line == "" {
			if err == io.EOF && hasData {
				scanner.current = SSEEvent{Type: eventType, Data: strings.Join(dataLines, "\n")}
				scanner.err = io.EOF
				return true
			}
			scanner.err = err
			return false
		}

		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData {
				scanner.current = SSEEvent{Type: eventType, Data: strings.Join(dataLines, "\n")}
				return true
			}
			eventType = ""
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, hasColon := strings.Cut(line, ":")
		if !hasColon {
			field = line
			value = ""
		} else {
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "data":
			dataLines = append(dataLines, value)
			hasData = true
		case "event":
			eventType = value
		}
	}
}

// Event returns the event read by the last successful Next.
func (scanner *SSEScanner) Event() SSEEvent {
	return scanner.current
}

// Err returns the first non-EOF error encountered.
func (scanner *SSEScanner) Err() error {
	if scanner.err == io.EOF {
		return nil
	}
	return scanner.err
}

// WriteSSE writes data as a single "data:" event. Multi-line payloads are
// split across data lines.
func WriteSSE(w io.Writer, data []byte) error {
	var b strings.Builder
	for _, line := range strings.Split(string(data), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}
