package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/axiomengine/axiom-workers/pkg/domain"
)

// ErrStreamClosed signals that the event socket dropped before a terminal
// event was observed. Callers fall back to the history endpoint.
var ErrStreamClosed = errors.New("engine event stream closed")

// readInterval bounds each socket read so the overall deadline and the
// caller's context are re-checked even when the engine goes quiet.
const readInterval = 5 * time.Second

// EventStream is a live event socket scoped to one submission. Not safe for
// concurrent use; one job owns one stream.
type EventStream struct {
	conn         streamConn
	submissionID string
	deadline     time.Time
}

// streamConn is the slice of *websocket.Conn the stream needs.
type streamConn interface {
	ReadMessage() (int, []byte, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// StreamEvents opens the event socket and returns a stream of events for the
// submission, bounded by timeout.
func (c *Client) StreamEvents(ctx context.Context, submissionID string, timeout time.Duration) (*EventStream, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.socketURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial event socket: %w", err)
	}
	return &EventStream{
		conn:         conn,
		submissionID: submissionID,
		deadline:     time.Now().Add(timeout),
	}, nil
}

func (s *EventStream) Close() error { return s.conn.Close() }

// Next blocks until the next event relevant to the submission arrives.
// Returns a TimeoutError once the stream's overall deadline passes,
// ErrStreamClosed when the socket drops, and the decoded event otherwise.
// Events tied to other submissions on the shared socket are skipped;
// untagged status/progress events pass through.
func (s *EventStream) Next(ctx context.Context) (Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		if time.Now().After(s.deadline) {
			return Event{}, &domain.TimeoutError{Op: "generation stream"}
		}

		readBy := time.Now().Add(readInterval)
		if readBy.After(s.deadline) {
			readBy = s.deadline
		}
		_ = s.conn.SetReadDeadline(readBy)

		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return Event{}, ErrStreamClosed
		}

		ev, err := decodeEvent(raw)
		if err != nil {
			continue
		}
		if ev.SubmissionID != "" && ev.SubmissionID != s.submissionID {
			continue
		}
		return ev, nil
	}
}

// Output is one fetched artifact: the reference plus its bytes.
type Output struct {
	Ref  OutputRef
	Data []byte
}

// CollectOutputs drives a submission's event stream to completion: progress
// events are forwarded to onProgress, outputs on executed events are fetched
// eagerly, and the stream ends on a terminal event or the timeout. If the
// socket drops first, outputs that completed before the drop are recovered
// from history, best effort.
func (c *Client) CollectOutputs(ctx context.Context, submissionID string, timeout time.Duration, onProgress func(value, max int)) ([]Output, error) {
	stream, err := c.StreamEvents(ctx, submissionID, timeout)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var outputs []Output
	seen := make(map[OutputRef]bool)

	fetch := func(refs []OutputRef) error {
		for _, ref := range refs {
			if seen[ref] {
				continue
			}
			data, err := c.FetchOutput(ctx, ref)
			if err != nil {
				return err
			}
			seen[ref] = true
			outputs = append(outputs, Output{Ref: ref, Data: data})
		}
		return nil
	}

	for {
		ev, err := stream.Next(ctx)
		if errors.Is(err, ErrStreamClosed) {
			c.logger.Warn("event socket dropped, recovering outputs from history",
				"submissionId", submissionID)
			refs, histErr := c.History(ctx, submissionID)
			if histErr != nil {
				c.logger.Warn("history recovery failed", "submissionId", submissionID, "err", histErr)
				return outputs, nil
			}
			if err := fetch(refs); err != nil {
				return outputs, nil
			}
			return outputs, nil
		}
		if err != nil {
			return nil, err
		}

		switch ev.Type {
		case EventProgress:
			if onProgress != nil && ev.Max > 0 {
				onProgress(ev.Value, ev.Max)
			}
		case EventExecuted:
			if err := fetch(ev.Outputs); err != nil {
				return nil, err
			}
		case EventError:
			return nil, &domain.ExecutionError{Msg: ev.Message, Node: ev.Node}
		case EventExecuting:
			if ev.NodeNull {
				return outputs, nil
			}
		}
	}
}
