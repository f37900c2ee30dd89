package execution

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxDocumentSize bounds how much of a result stream Decode will read
const MaxDocumentSize = 64 * 1024 * 1024

// A document carries up to three captured streams (stdout, stderr and
// compiler diagnostics), and JSON may grow each byte to a six-byte \u00XX
// escape.
const (
	capturedStreams  = 3
	jsonEscapeFactor = 6
	envelopeReserve  = 64 * 1024
)

// MaxCapturedOutput is the largest per-stream output budget whose Result
// always fits in MaxDocumentSize
const MaxCapturedOutput = (MaxDocumentSize - envelopeReserve) / (capturedStreams * jsonEscapeFactor)

// Encode writes r as a single JSON document followed by a newline
func Encode(w io.Writer, r Result) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("refusing to encode invalid result: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(r)
}

// Decode parses exactly one result document from r. Unknown fields,
// trailing data and structurally invalid results are rejected.
func Decode(r io.Reader) (Result, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxDocumentSize+1))
	if err != nil {
		return Result{}, fmt.Errorf("failed to read result: %w", err)
	}
	if len(data) > MaxDocumentSize {
		return Result{}, fmt.Errorf("result exceeds %d bytes", MaxDocumentSize)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Result{}, fmt.Errorf("empty result")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var result Result
	if err := dec.Decode(&result); err != nil {
		return Result{}, fmt.Errorf("malformed result: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Result{}, fmt.Errorf("malformed result: trailing data after document")
	}
	if err := result.Validate(); err != nil {
		return Result{}, fmt.Errorf("invalid result: %w", err)
	}
	return result, nil
}
