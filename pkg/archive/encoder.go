// Package archive exports stored requests as gzip-compressed JSON lines.
package archive

import (
	"bytes"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/ngoyal88/webstat/pkg/storage"
)

// Encode writes reqs into w as JSON lines compressed with gzip.  The gzip
// stream is closed before returning, w is not.
func Encode(w io.Writer, reqs []*storage.WebRequest) (err error) {
	gz, err := gzip.NewWriterLevel(w, gzip.BestSpeed)
	if err != nil {
		// Not expected, the level is valid.
		return fmt.Errorf("creating gzip writer: %w", err)
	}

	enc := json.NewEncoder(gz)
	for _, req := range reqs {
		if err = enc.Encode(req); err != nil {
			_ = gz.Close()

			return fmt.Errorf("encoding request %d: %w", req.ID, err)
		}
	}

	if err = gz.Close(); err != nil {
		return fmt.Errorf("closing gzip stream: %w", err)
	}

	return nil
}

// EncodeBytes is like Encode but returns the compressed data.
func EncodeBytes(reqs []*storage.WebRequest) (data []byte, err error) {
	buf := &bytes.Buffer{}
	if err = Encode(buf, reqs); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decode reads JSON lines compressed with gzip from r.
func Decode(r io.Reader) (reqs []*storage.WebRequest, err error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("opening gzip stream: %w", err)
	}
	defer func() { err = closeJoin(err, gz) }()

	dec := json.NewDecoder(gz)
	for dec.More() {
		req := &storage.WebRequest{}
		if err = dec.Decode(req); err != nil {
			return nil, fmt.Errorf("decoding request %d: %w", len(reqs), err)
		}

		reqs = append(reqs, req)
	}

	return reqs, nil
}

// closeJoin closes c and joins its error with err.
func closeJoin(err error, c io.Closer) (joined error) {
	if cerr := c.Close(); cerr != nil {
		if err == nil {
			return cerr
		}

		return fmt.Errorf("%w; closing: %w", err, cerr)
	}

	return err
}
