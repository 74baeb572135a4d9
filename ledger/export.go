package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// EntryWriter receives exported entries in seq order.
type EntryWriter interface {
	Write(e Entry) error
}

// NDJSONWriter encodes one entry per line.
type NDJSONWriter struct {
	enc *json.Encoder
}

func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &NDJSONWriter{enc: enc}
}

func (w *NDJSONWriter) Write(e Entry) error {
	return w.enc.Encode(e)
}

// ReadNDJSON decodes an export stream, calling fn for each entry in order.
func ReadNDJSON(r io.Reader, fn func(Entry) error) error {
	dec := json.NewDecoder(r)
	for line := 1; ; line++ {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("ledger: decode export record %d: %w", line, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}
