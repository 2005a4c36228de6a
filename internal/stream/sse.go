package stream

import (
	"bufio"
	"bytes"
	"io"
	"iter"
	"strings"

	"github.com/ashureev/pplx/internal/apierr"
)

const (
	recordDelimiter = "\r\n\r\n"
	messagePrefix   = "event: message\r\ndata: "
	endOfStream     = "event: end_of_stream"
)

// Events turns a line-delimited event transport into a lazy, finite
// sequence of chunks. Records are separated by a double CRLF; a message
// record carries a JSON data payload and an end_of_stream record terminates
// the sequence. The caller may stop early.
func Events(r io.Reader) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 16<<20)
		sc.Split(splitRecords)

		for sc.Scan() {
			record := sc.Text()
			switch {
			case strings.HasPrefix(record, messagePrefix):
				if !yield(Decode([]byte(record[len(messagePrefix):])), nil) {
					return
				}
			case strings.HasPrefix(record, endOfStream):
				return
			}
			// Anything else is an unrecognised record; skip it rather
			// than abort the stream.
		}
		if err := sc.Err(); err != nil {
			yield(Chunk{}, &apierr.NetworkError{Op: "read event stream", Err: err})
		}
	}
}

// Collect drives a chunk sequence to completion and returns the last
// successfully decoded chunk.
func Collect(seq iter.Seq2[Chunk, error]) (Chunk, error) {
	var last Chunk
	var seen bool
	for chunk, err := range seq {
		if err != nil {
			return Chunk{}, err
		}
		last = chunk
		seen = true
	}
	if !seen {
		return Chunk{}, &apierr.ParsingError{What: "event stream produced no chunks"}
	}
	return last, nil
}

// splitRecords is a bufio.SplitFunc over double-CRLF delimited records.
func splitRecords(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.Index(data, []byte(recordDelimiter)); i >= 0 {
		return i + len(recordDelimiter), data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
