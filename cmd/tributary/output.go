package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/mattjoyce/tributary/internal/graph"
	"github.com/mattjoyce/tributary/internal/message"
)

// printer writes every message it handles as one JSON object per line,
// keeping field order.
type printer struct {
	*graph.Base
	mu sync.Mutex
	w  io.Writer
}

func newPrinter(name string, w io.Writer) *printer {
	return &printer{Base: graph.NewBase(name), w: w}
}

func (p *printer) Handle(_ context.Context, msg message.Message) error {
	var buf bytes.Buffer
	if err := writeObject(&buf, msg); err != nil {
		return err
	}
	buf.WriteByte('\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	p.Tick()
	return nil
}

// writeObject encodes msg as a JSON object. Batched records nest as arrays
// of objects.
func writeObject(buf *bytes.Buffer, msg message.Message) error {
	buf.WriteByte('{')
	for i, f := range msg.Fields() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Name)
		if err != nil {
			return err
		}
		buf.Write(key)
		buf.WriteByte(':')

		if records, ok := f.Value.([]message.Message); ok {
			buf.WriteByte('[')
			for j, rec := range records {
				if j > 0 {
					buf.WriteByte(',')
				}
				if err := writeObject(buf, rec); err != nil {
					return err
				}
			}
			buf.WriteByte(']')
			continue
		}

		val, err := json.Marshal(f.Value)
		if err != nil {
			return fmt.Errorf("field %q: %w", f.Name, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return nil
}
