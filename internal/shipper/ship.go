package shipper

import (
	"context"
	"fmt"
	"io"
)

// Options control one-shot shipping.
type Options struct {
	BatchSize int
	Envelope  EnvelopeOptions
	DryRun    bool
	// Log receives progress lines. Nil discards them.
	Log io.Writer
}

// Stats summarizes a shipping run.
type Stats struct {
	Records   int
	Sent      int
	Failed    int
	Malformed int
	Batches   int
}

// ShipFile sends every complete record of path to sink in batches. A
// failed batch is counted and shipping continues with the next one.
func ShipFile(ctx context.Context, path string, sink Sink, opts Options) (Stats, error) {
	var st Stats
	chunk, err := ReadFrom(path, 0)
	if err != nil {
		return st, err
	}
	st.Records = len(chunk.Records)
	st.Malformed = chunk.Malformed
	logf := func(format string, args ...any) {
		if opts.Log != nil {
			fmt.Fprintf(opts.Log, format+"\n", args...)
		}
	}
	if chunk.Malformed > 0 {
		logf("warning: skipped %d malformed line(s)", chunk.Malformed)
	}

	for _, batch := range batches(chunk.Records, opts.BatchSize) {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		events := envelopes(batch, opts.Envelope)
		st.Batches++
		if opts.DryRun {
			logf("dry run: would send %d event(s) to %s", len(events), sink.Name())
			continue
		}
		if err := sink.Send(ctx, events); err != nil {
			logf("failed to send batch of %d event(s): %v", len(events), err)
			st.Failed += len(events)
			continue
		}
		logf("sent batch of %d event(s)", len(events))
		st.Sent += len(events)
	}
	return st, nil
}

func envelopes(records []Record, opts EnvelopeOptions) []Event {
	events := make([]Event, len(records))
	for i, r := range records {
		events[i] = ToGenericEvent(r.Entry, opts)
	}
	return events
}

func batches(records []Record, size int) [][]Record {
	if size <= 0 {
		size = 200
	}
	var out [][]Record
	for len(records) > 0 {
		n := min(size, len(records))
		out = append(out, records[:n])
		records = records[n:]
	}
	return out
}
