package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/banshee-data/fusion/internal/monitoring"
)

// Decoder reads records from a line-oriented stream, skipping blank lines,
// comments and malformed lines.
type Decoder struct {
	scan *bufio.Scanner
	line int
	bad  int
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{scan: bufio.NewScanner(r)}
}

// Next returns the next record, or io.EOF at the end of the stream.
func (d *Decoder) Next() (Record, error) {
	for d.scan.Scan() {
		d.line++
		if rec, err := d.decode(d.scan.Text()); err == nil {
			return rec, nil
		}
	}
	if err := d.scan.Err(); err != nil {
		return Record{}, fmt.Errorf("ingest: read line %d: %w", d.line+1, err)
	}
	return Record{}, io.EOF
}

func (d *Decoder) decode(line string) (Record, error) {
	rec, err := ParseLine(line)
	if err != nil && !errors.Is(err, ErrSkip) {
		d.bad++
		monitoring.Logf("ingest: line %d: %v", d.line, err)
		return Record{}, ErrSkip
	}
	return rec, err
}

// Malformed is the number of lines rejected so far.
func (d *Decoder) Malformed() int { return d.bad }

// Stream decodes r and calls fn for every record, in order, on the calling
// goroutine. Reading happens on a separate goroutine so a blocked serial
// read never delays cancellation. Stream returns nil at end of input,
// ctx.Err() on cancellation, or the first error from fn or the reader.
func Stream(ctx context.Context, r io.Reader, fn func(Record) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	dec := NewDecoder(r)

	recChan := make(chan Record)
	errChan := make(chan error, 1)

	go func() {
		defer close(recChan)
		for {
			rec, err := dec.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					errChan <- err
				}
				return
			}
			select {
			case recChan <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-errChan:
			return err

		case rec, ok := <-recChan:
			if !ok {
				select {
				case err := <-errChan:
					return err
				default:
				}
				if dec.Malformed() > 0 {
					monitoring.Logf("ingest: skipped %d malformed lines", dec.Malformed())
				}
				return nil
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
	}
}
