package durable

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/corralhq/corral/pkg/canonical"
	"github.com/corralhq/corral/pkg/store"
)

// Context is the workflow-side command surface. All non-determinism flows
// through it: activities, side effects, timers and clock reads are recorded
// in history on first execution and served back on replay, in program order.
type Context struct {
	workflowID string
	runner     *runner

	history []store.HistoryEvent
	cursor  int // next history event to replay
	seq     int // next sequence to append in live mode

	logger *slog.Logger
}

// WorkflowID returns the execution's stable identifier.
func (c *Context) WorkflowID() string { return c.workflowID }

// Logger returns a workflow-scoped structured logger. Logging is the one
// side effect allowed inside workflow code; replayed runs log again.
func (c *Context) Logger() *slog.Logger { return c.logger }

// nextRecorded returns the next history event when still replaying.
func (c *Context) nextRecorded() (store.HistoryEvent, bool) {
	if c.cursor < len(c.history) {
		ev := c.history[c.cursor]
		c.cursor++
		c.seq = ev.Seq + 1
		return ev, true
	}
	return store.HistoryEvent{}, false
}

func (c *Context) takeSeq() int {
	s := c.seq
	c.seq++
	return s
}

// ExecuteActivity runs (or replays) the named activity. in is serialized as
// the activity input; the recorded result is decoded into out. A recorded
// event whose name or input hash differs from the command is a fatal
// nondeterminism error.
func (c *Context) ExecuteActivity(name string, in, out any) error {
	if err := c.runner.cancelled(); err != nil {
		return err
	}
	inputHash, err := canonical.Hash(in)
	if err != nil {
		return fmt.Errorf("durable: hashing input for %s: %w", name, err)
	}

	if ev, ok := c.nextRecorded(); ok {
		switch ev.Kind {
		case EventActivityCompleted:
			if ev.Name != name || ev.InputHash != inputHash {
				return fmt.Errorf("%w: recorded %s/%s, command %s/%s",
					ErrNondeterminism, ev.Name, ev.InputHash, name, inputHash)
			}
			return decodeResult(ev.Payload, out)
		case EventActivityFailed:
			if ev.Name != name || ev.InputHash != inputHash {
				return fmt.Errorf("%w: recorded failure of %s, command %s", ErrNondeterminism, ev.Name, name)
			}
			return rehydrateFailure(ev.Payload)
		default:
			return fmt.Errorf("%w: recorded %s event, command activity %s", ErrNondeterminism, ev.Kind, name)
		}
	}
	return c.runner.executeActivity(c, name, inputHash, in, out)
}

// SideEffect records fn's value once and serves it on replay. fn must be
// cheap and non-blocking; real work belongs in activities.
func (c *Context) SideEffect(name string, fn func() (any, error), out any) error {
	if ev, ok := c.nextRecorded(); ok {
		if ev.Kind != EventMarkerRecorded || ev.Name != name {
			return fmt.Errorf("%w: recorded %s/%s, command marker %s", ErrNondeterminism, ev.Kind, ev.Name, name)
		}
		var m markerRecord
		if err := json.Unmarshal(ev.Payload, &m); err != nil {
			return fmt.Errorf("durable: decoding marker %s: %w", name, err)
		}
		return decodeResult(m.Value, out)
	}
	v, err := fn()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("durable: encoding marker %s: %w", name, err)
	}
	if err := c.runner.appendMarker(c, name, markerRecord{Value: raw}); err != nil {
		return err
	}
	return decodeResult(raw, out)
}

// Now returns the workflow's deterministic wall clock: read once, recorded,
// replayed thereafter.
func (c *Context) Now() (time.Time, error) {
	var t time.Time
	err := c.SideEffect("now", func() (any, error) {
		return c.runner.worker.clock(), nil
	}, &t)
	return t, err
}

// Sleep is a durable timer. The deadline is recorded before waiting so a
// replayed run does not wait again.
func (c *Context) Sleep(d time.Duration) error {
	if ev, ok := c.nextRecorded(); ok {
		if ev.Kind != EventMarkerRecorded || ev.Name != "sleep" {
			return fmt.Errorf("%w: recorded %s/%s, command sleep", ErrNondeterminism, ev.Kind, ev.Name)
		}
		return nil // timer already fired in a prior run
	}
	raw, _ := json.Marshal(d)
	if err := c.runner.appendMarker(c, "sleep", markerRecord{Value: raw}); err != nil {
		return err
	}
	return c.runner.sleep(d)
}

func decodeResult(payload json.RawMessage, out any) error {
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("durable: decoding activity result: %w", err)
	}
	return nil
}
