package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/droverlab/anomalyd/internal/model"
)

// ResultReader decodes the worker's output stream into Result records, in
// arrival order. A malformed document is fatal: the stream offset is lost,
// so the error wraps model.ErrResultStreamParse and the reader is done.
type ResultReader struct {
	dec *json.Decoder
}

func NewResultReader(r io.Reader) *ResultReader {
	return &ResultReader{dec: json.NewDecoder(r)}
}

// Next returns the next result or io.EOF at end of stream.
func (r *ResultReader) Next() (model.Result, error) {
	var res model.Result
	err := r.dec.Decode(&res)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, io.EOF) {
		return model.Result{}, io.EOF
	}
	return model.Result{}, fmt.Errorf("%w: %s", model.ErrResultStreamParse, err)
}
