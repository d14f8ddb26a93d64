package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/ngoyal88/webstat/pkg/storage"
	"github.com/rs/zerolog/log"
)

// keyTimeFormat is the layout of the range bounds in archive keys.
const keyTimeFormat = "20060102T150405Z"

// Result describes a finished export.
type Result struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
	Bytes int    `json:"bytes"`
}

// Exporter copies the requests of a range from a store into a sink.
type Exporter struct {
	store storage.Store
	sink  Sink
}

// NewExporter returns a new *Exporter.
func NewExporter(store storage.Store, sink Sink) (e *Exporter) {
	return &Exporter{
		store: store,
		sink:  sink,
	}
}

// Export writes the requests in r into the sink.  The requests are ordered by
// timestamp, then by ID.
func (e *Exporter) Export(ctx context.Context, r storage.Range) (res *Result, err error) {
	start := time.Now()

	reqs, err := e.store.RequestsInRange(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("reading requests: %w", err)
	}

	storage.SortRequests(reqs)

	data, err := EncodeBytes(reqs)
	if err != nil {
		return nil, err
	}

	key := Key(r)
	if err = e.sink.Put(ctx, key, data); err != nil {
		return nil, err
	}

	log.Info().
		Str("component", "archive").
		Str("key", key).
		Int("requests", len(reqs)).
		Dur("elapsed", time.Since(start)).
		Msg("exported")

	return &Result{
		Key:   key,
		Count: len(reqs),
		Bytes: len(data),
	}, nil
}

// Key returns the archive name for r.
func Key(r storage.Range) (key string) {
	from := r.From().UTC().Format(keyTimeFormat)
	to := r.To().UTC().Format(keyTimeFormat)

	sep := "_"
	if r.IsExclusive() {
		sep = "_until_"
	}

	return "requests_" + from + sep + to + ".jsonl.gz"
}
