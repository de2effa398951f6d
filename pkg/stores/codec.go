package stores

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// encodeJSON marshals v for a JSON column. Nil values are stored as NULL.
func encodeJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
	}
	if raw, ok := v.(json.RawMessage); ok {
		return string(raw), nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json: %w", err)
	}
	return string(data), nil
}

// decodeJSON unmarshals a JSON column. NULL leaves v untouched.
func decodeJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode json: %w", err)
	}
	return nil
}

// jsonEncoder collects the first encoding error across several columns.
type jsonEncoder struct {
	err error
}

func (e *jsonEncoder) encode(v any) any {
	if e.err != nil {
		return nil
	}
	out, err := encodeJSON(v)
	if err != nil {
		e.err = err
	}
	return out
}

// jsonDecoder collects the first decoding error across several columns.
type jsonDecoder struct {
	err error
}

func (d *jsonDecoder) decode(data []byte, v any) {
	if d.err != nil {
		return
	}
	d.err = decodeJSON(data, v)
}

func utc(t time.Time) time.Time {
	return t.UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullBool(p *bool) any {
	if p == nil {
		return nil
	}
	return *p
}

func boolPtr(b sql.NullBool) *bool {
	if !b.Valid {
		return nil
	}
	v := b.Bool
	return &v
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
