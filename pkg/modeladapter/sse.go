package modeladapter

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// Event is one server-sent event. Multiple data lines are joined with "\n".
type Event struct {
	Name string
	Data string
	ID   string
}

// EventReader parses a text/event-stream body. Events are separated by blank
// lines; lines starting with ':' are comments.
type EventReader struct {
	r *bufio.Reader
}

// NewEventReader wraps r.
func NewEventReader(r io.Reader) *EventReader {
	return &EventReader{r: bufio.NewReaderSize(r, 64<<10)}
}

// Next returns the next complete event. A final event not followed by a
// blank line is still returned before io.EOF.
func (er *EventReader) Next() (Event, error) {
	var (
		ev   Event
		data []string
		seen bool
	)

	emit := func() Event {
		ev.Data = strings.Join(data, "\n")
		return ev
	}

	for {
		line, err := er.r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return Event{}, err
		}

		eof := err != nil
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if seen {
				return emit(), nil
			}
		case strings.HasPrefix(line, ":"):
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")

			switch field {
			case "event":
				ev.Name = value
				seen = true
			case "data":
				data = append(data, value)
				seen = true
			case "id":
				ev.ID = value
			}
		}

		if eof {
			if seen {
				return emit(), nil
			}
			return Event{}, io.EOF
		}
	}
}
