package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

const maxEventSize = 1 << 20

// failureMessage is what the client sees when the upstream stream breaks.
const failureMessage = "the answer stream was interrupted, please try again"

type upstreamEvent struct {
	Stage       Stage   `json:"stage"`
	Content     *string `json:"content"`
	FullContent *string `json:"full_content"`
	Message     string  `json:"message"`
}

// Relay forwards a native SSE stream to sink and returns the completed answer.
// Events pass through unchanged. A malformed data line, an unknown stage or
// EOF before a terminal event ends the stream with a single error event; there
// is no resynchronisation.
func Relay(ctx context.Context, upstream io.Reader, sink Sink) (string, error) {
	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 0, 64<<10), maxEventSize)

	var streamed bytes.Buffer
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		line := bytes.TrimRight(scanner.Bytes(), "\r")
		payload, ok := dataPayload(line)
		if !ok {
			if ignorable(line) {
				continue
			}
			return "", fail(sink, fmt.Errorf("%w: unexpected line %q", ErrMalformed, truncate(line)))
		}

		var evt upstreamEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			return "", fail(sink, fmt.Errorf("%w: %v", ErrMalformed, err))
		}
		if !evt.Stage.known() {
			return "", fail(sink, fmt.Errorf("%w: unknown stage %q", ErrMalformed, evt.Stage))
		}

		raw := make(json.RawMessage, len(payload))
		copy(raw, payload)
		if err := sink.Send(Event{Stage: evt.Stage, raw: raw}); err != nil {
			return "", err
		}

		switch evt.Stage {
		case StageStreaming:
			if evt.Content != nil {
				streamed.WriteString(*evt.Content)
			}
		case StageComplete:
			if evt.FullContent != nil {
				return *evt.FullContent, nil
			}
			return streamed.String(), nil
		case StageError:
			return "", fmt.Errorf("%w: %s", ErrUpstream, evt.Message)
		}
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := scanner.Err(); err != nil {
		return "", fail(sink, fmt.Errorf("%w: %v", ErrTruncated, err))
	}
	return "", fail(sink, ErrTruncated)
}

// dataPayload returns the value of a "data:" field line.
func dataPayload(line []byte) ([]byte, bool) {
	rest, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return nil, false
	}
	return bytes.TrimPrefix(rest, []byte(" ")), true
}

// ignorable matches blank separators, comments and non-data SSE fields.
func ignorable(line []byte) bool {
	if len(line) == 0 || line[0] == ':' {
		return true
	}
	for _, field := range []string{"event:", "id:", "retry:"} {
		if bytes.HasPrefix(line, []byte(field)) {
			return true
		}
	}
	return false
}

func fail(sink Sink, cause error) error {
	if err := sink.Send(Failure(failureMessage)); err != nil {
		return fmt.Errorf("%w (notify client: %v)", cause, err)
	}
	return cause
}

func truncate(b []byte) string {
	if len(b) > 80 {
		return string(b[:80]) + "..."
	}
	return string(b)
}
