// Package jsonx decodes low-trust JSON request bodies.
package jsonx

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// MaxBody caps how much of a body DecodeStrict reads.
const MaxBody = 1 << 20

var (
	ErrEmptyBody    = errors.New("empty body")
	ErrTrailingJSON = errors.New("trailing data")
	ErrTooLarge     = errors.New("body too large")
)

// DecodeStrict decodes exactly one JSON value from r into dst.
//
// It rejects, as a 400-class error:
//   - an empty or whitespace-only body (ErrEmptyBody)
//   - a body over MaxBody (ErrTooLarge)
//   - unknown object fields and type mismatches (encoding/json errors)
//   - anything after the first value (ErrTrailingJSON)
//
// Required fields and value ranges are left to the caller.
func DecodeStrict(r io.Reader, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r, MaxBody+1))
	if err != nil {
		return err
	}
	if len(body) > MaxBody {
		return ErrTooLarge
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return ErrEmptyBody
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ErrTrailingJSON
	}
	return nil
}
