// Package codec encodes snapshot and delta payloads.
//
// A snapshot is a JSON array of row objects. It may be snappy-compressed, in
// which case it is prefixed with a single 0x01 byte; plain JSON always starts
// with '[' (after optional whitespace) so the two forms never collide.
package codec

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"

	"github.com/polykit/eslite/pkg/types"
)

// headerSnappy marks a snappy-compressed snapshot.
const headerSnappy byte = 0x01

// EncodeSnapshot serializes rows, compressing when compress is set.
func EncodeSnapshot(rows []types.Row, compress bool) ([]byte, error) {
	if rows == nil {
		rows = []types.Row{}
	}
	raw, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("codec: failed to encode snapshot: %w", err)
	}
	if !compress {
		return raw, nil
	}
	out := make([]byte, 1, 1+snappy.MaxEncodedLen(len(raw)))
	out[0] = headerSnappy
	return append(out, snappy.Encode(nil, raw)...), nil
}

// DecodeSnapshot parses either snapshot form. An empty payload is an empty
// table.
func DecodeSnapshot(data []byte) ([]types.Row, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	raw := data
	if data[0] == headerSnappy {
		var err error
		raw, err = snappy.Decode(nil, data[1:])
		if err != nil {
			return nil, fmt.Errorf("codec: snappy decompress failed: %w", err)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rows []types.Row
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("codec: snapshot is not a JSON array of objects: %w", err)
	}
	for _, r := range rows {
		normalize(r)
	}
	return rows, nil
}

// Compress wraps raw snapshot JSON in the compressed form. Already
// compressed payloads are returned unchanged.
func Compress(data []byte) []byte {
	if len(data) > 0 && data[0] == headerSnappy {
		return data
	}
	out := make([]byte, 1, 1+snappy.MaxEncodedLen(len(data)))
	out[0] = headerSnappy
	return append(out, snappy.Encode(nil, data)...)
}

// DecodeRow parses a delta payload.
func DecodeRow(data []byte) (types.Row, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var row types.Row
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("codec: delta data is not a JSON object: %w", err)
	}
	if row == nil {
		return nil, fmt.Errorf("codec: delta data is null")
	}
	normalize(row)
	return row, nil
}

// EncodeRow serializes a delta payload.
func EncodeRow(row types.Row) ([]byte, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("codec: failed to encode row: %w", err)
	}
	return data, nil
}

// Checksum returns the hex murmur3-128 digest of data.
func Checksum(data []byte) string {
	h := murmur3.New128()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// normalize turns json.Number into int64 where exact, float64 otherwise, so
// integers survive the round trip into INTEGER columns. Nested objects and
// arrays are stored as their JSON text.
func normalize(row types.Row) {
	for k, v := range row {
		switch val := v.(type) {
		case json.Number:
			if i, err := val.Int64(); err == nil {
				row[k] = i
			} else if f, err := val.Float64(); err == nil {
				row[k] = f
			} else {
				row[k] = val.String()
			}
		case map[string]interface{}, []interface{}:
			b, _ := json.Marshal(val)
			row[k] = string(b)
		}
	}
}
