package stream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
	"time"
)

// Frame is one dispatched server-sent event.
type Frame struct {
	ID    string
	Event string
	Data  []byte
	Retry time.Duration
}

// Reader splits a text/event-stream body into frames.
type Reader struct {
	r *bufio.Reader
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next frame carrying data. Comment lines and frames with no
// data lines are skipped. It returns io.EOF once the body is exhausted.
func (r *Reader) Next() (Frame, error) {
	var (
		f       Frame
		data    bytes.Buffer
		hasData bool
	)

	for {
		line, err := r.r.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return Frame{}, err
		}
		atEOF := errors.Is(err, io.EOF)
		line = bytes.TrimRight(line, "\r\n")

		if len(line) == 0 {
			if hasData {
				f.Data = data.Bytes()
				return f, nil
			}
			if atEOF {
				return Frame{}, io.EOF
			}
			f = Frame{}
			continue
		}

		r.field(&f, &data, &hasData, line)

		if atEOF {
			// Body ended without the blank line terminator.
			if hasData {
				f.Data = data.Bytes()
				return f, nil
			}
			return Frame{}, io.EOF
		}
	}
}

func (r *Reader) field(f *Frame, data *bytes.Buffer, hasData *bool, line []byte) {
	if line[0] == ':' {
		return
	}
	name, value, found := bytes.Cut(line, []byte(":"))
	if found && len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}

	switch string(name) {
	case "data":
		if *hasData {
			data.WriteByte('\n')
		}
		data.Write(value)
		*hasData = true
	case "event":
		f.Event = string(value)
	case "id":
		f.ID = string(value)
	case "retry":
		if ms, err := strconv.Atoi(string(value)); err == nil {
			f.Retry = time.Duration(ms) * time.Millisecond
		}
	}
}
