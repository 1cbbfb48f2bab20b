package record

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/bytedance/sonic"
)

var codec = sonic.ConfigStd

// Marshal encodes v as JSON
func Marshal(v interface{}) ([]byte, error) {
	return codec.Marshal(v)
}

// MarshalIndent encodes v as indented JSON
func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return codec.MarshalIndent(v, prefix, indent)
}

// Unmarshal decodes JSON into v
func Unmarshal(data []byte, v interface{}) error {
	return codec.Unmarshal(data, v)
}

// Encode writes v to w as one JSON document followed by a newline
func Encode(w io.Writer, v interface{}) error {
	return codec.NewEncoder(w).Encode(v)
}

// Remarshal copies src into dst through JSON, used to decode loosely typed
// configuration blobs into structs
func Remarshal(src interface{}, dst interface{}) error {
	data, err := codec.Marshal(src)
	if err != nil {
		return err
	}
	return codec.Unmarshal(data, dst)
}

// DecodeBatch reads either a JSON array of objects or JSON lines
func DecodeBatch(r io.Reader) (Batch, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch: %w", err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Batch{}, nil
	}

	if trimmed[0] == '[' {
		var raw []map[string]interface{}
		if err := codec.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("failed to decode batch: %w", err)
		}
		batch := make(Batch, len(raw))
		for i, m := range raw {
			batch[i] = New(m)
		}
		return batch, nil
	}

	var batch Batch
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var m map[string]interface{}
		if err := codec.Unmarshal(text, &m); err != nil {
			return nil, fmt.Errorf("failed to decode batch line %d: %w", line, err)
		}
		batch = append(batch, New(m))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan batch: %w", err)
	}
	return batch, nil
}

// EncodeLines writes the batch as JSON lines
func EncodeLines(w io.Writer, batch []Record) error {
	enc := codec.NewEncoder(w)
	for _, r := range batch {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}
