package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Color is an RGBA color packed as 0xRRGGBBAA, matching its wire
// representation.
type Color uint32

// Encode renders v (expected to hold the Go shape associated with tag)
// as its JSON wire value. Loss-free for the closed tag set; callers must
// not pass an unknown tag.
func Encode(tag Tag, v any) (json.RawMessage, error) {
	switch tag {
	case TagInt:
		n, err := asInt64(v)
		if err != nil {
			return nil, err
		}
		return json.Marshal(n)
	case TagFloat:
		f, err := asFloat64(v)
		if err != nil {
			return nil, err
		}
		return json.Marshal(f)
	case TagBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("codec: %v is not a bool", v)
		}
		return json.Marshal(b)
	case TagString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("codec: %v is not a string", v)
		}
		return json.Marshal(s)
	case TagDate:
		t, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("codec: %v is not a time.Time", v)
		}
		return json.Marshal(t.Unix())
	case TagColor:
		c, err := asColor(v)
		if err != nil {
			return nil, err
		}
		return json.Marshal(uint32(c))
	case TagRef:
		id, ok := v.(uuid.UUID)
		if !ok {
			return nil, fmt.Errorf("codec: %v is not a uuid.UUID", v)
		}
		return json.Marshal(id.String())
	case TagArrayRefs:
		ids, ok := v.([]uuid.UUID)
		if !ok {
			return nil, fmt.Errorf("codec: %v is not a []uuid.UUID", v)
		}
		strs := make([]string, len(ids))
		for i, id := range ids {
			strs[i] = id.String()
		}
		return json.Marshal(strs)
	default:
		return nil, fmt.Errorf("codec: unknown tag %q", tag)
	}
}

// Decode parses raw (the wire representation for tag) into its runtime
// Go shape. Decode never sees unknown tags: the caller (the fragment
// layer) is responsible for skipping those before reaching here.
func Decode(tag Tag, raw json.RawMessage) (any, error) {
	switch tag {
	case TagInt:
		var n int64
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		return n, nil
	case TagFloat:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		return f, nil
	case TagBool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case TagString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return s, nil
	case TagDate:
		var secs int64
		if err := json.Unmarshal(raw, &secs); err != nil {
			return nil, err
		}
		return time.Unix(secs, 0).UTC(), nil
	case TagColor:
		var n uint32
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		return Color(n), nil
	case TagRef:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("codec: bad modelObjectRef %q: %w", s, err)
		}
		return id, nil
	case TagArrayRefs:
		var strs []string
		if err := json.Unmarshal(raw, &strs); err != nil {
			return nil, err
		}
		ids := make([]uuid.UUID, len(strs))
		for i, s := range strs {
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("codec: bad modelObjectRef %q in arrayOfRefs: %w", s, err)
			}
			ids[i] = id
		}
		return ids, nil
	default:
		return nil, fmt.Errorf("codec: unknown tag %q", tag)
	}
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case uint:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("codec: %v is not an integer", v)
	}
}

func asFloat64(v any) (float64, error) {
	switch f := v.(type) {
	case float64:
		return f, nil
	case float32:
		return float64(f), nil
	default:
		return 0, fmt.Errorf("codec: %v is not a float", v)
	}
}

func asColor(v any) (Color, error) {
	switch c := v.(type) {
	case Color:
		return c, nil
	case uint32:
		return Color(c), nil
	case int:
		return Color(c), nil
	default:
		return 0, fmt.Errorf("codec: %v is not a Color", v)
	}
}
