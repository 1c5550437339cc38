package types

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// ContentData describes a content body held outside the node store
type ContentData struct {
	URL      string `json:"url"`
	Mimetype string `json:"mimetype,omitempty"`
	Size     int64  `json:"size"`
	Encoding string `json:"encoding,omitempty"`
	Locale   string `json:"locale,omitempty"`
}

// HasURL reports whether the content points at a stored body
func (c ContentData) HasURL() bool {
	return c.URL != ""
}

func (c ContentData) String() string {
	return fmt.Sprintf("contentUrl=%s|mimetype=%s|size=%d|encoding=%s|locale=%s",
		c.URL, c.Mimetype, c.Size, c.Encoding, c.Locale)
}

// Properties maps property names to values. Supported values are string,
// int64, float64, bool, time.Time, ContentData, NodeRef,
// ChildAssociationRef, QName, []string and nil.
type Properties map[QName]any

// Clone returns a shallow copy; supported values are immutable or copied
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		if list, ok := v.([]string); ok {
			v = append([]string(nil), list...)
		}
		out[k] = v
	}
	return out
}

// Equal compares two property maps value by value
func (p Properties) Equal(other Properties) bool {
	if len(p) != len(other) {
		return false
	}
	for k, v := range p {
		ov, ok := other[k]
		if !ok || !ValuesEqual(v, ov) {
			return false
		}
	}
	return true
}

// NormalizeValue converts a caller-supplied value into its canonical
// stored form
func NormalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string, int64, float64, bool, ContentData, NodeRef, ChildAssociationRef, QName:
		return val, nil
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case float32:
		return float64(val), nil
	case time.Time:
		return val.UTC(), nil
	case *ContentData:
		if val == nil {
			return nil, nil
		}
		return *val, nil
	case []string:
		return append([]string(nil), val...), nil
	default:
		return nil, fmt.Errorf("unsupported property value type %T", v)
	}
}

// ValuesEqual compares two normalized property values
func ValuesEqual(a, b any) bool {
	ta, aok := a.(time.Time)
	tb, bok := b.(time.Time)
	if aok && bok {
		return ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}

type encodedValue struct {
	Kind  string          `json:"k"`
	Value json.RawMessage `json:"v,omitempty"`
}

const (
	kindNull       = "null"
	kindString     = "string"
	kindInt        = "int"
	kindFloat      = "float"
	kindBool       = "bool"
	kindTime       = "time"
	kindContent    = "content"
	kindNodeRef    = "noderef"
	kindChildAssoc = "childassoc"
	kindQName      = "qname"
	kindList       = "list"
)

// MarshalJSON encodes each value with its kind so that it decodes to the
// same Go type
func (p Properties) MarshalJSON() ([]byte, error) {
	out := make(map[string]encodedValue, len(p))
	for k, v := range p {
		kind, err := kindOf(v)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", k, err)
		}
		ev := encodedValue{Kind: kind}
		if kind != kindNull {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("property %s: %w", k, err)
			}
			ev.Value = raw
		}
		out[k.String()] = ev
	}
	return json.Marshal(out)
}

// UnmarshalJSON reverses MarshalJSON
func (p *Properties) UnmarshalJSON(data []byte) error {
	var in map[string]encodedValue
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	props := make(Properties, len(in))
	for name, ev := range in {
		qname, err := ParseQName(name)
		if err != nil {
			return err
		}
		v, err := decodeValue(ev)
		if err != nil {
			return fmt.Errorf("property %s: %w", name, err)
		}
		props[qname] = v
	}
	*p = props
	return nil
}

func kindOf(v any) (string, error) {
	switch v.(type) {
	case nil:
		return kindNull, nil
	case string:
		return kindString, nil
	case int64:
		return kindInt, nil
	case float64:
		return kindFloat, nil
	case bool:
		return kindBool, nil
	case time.Time:
		return kindTime, nil
	case ContentData:
		return kindContent, nil
	case NodeRef:
		return kindNodeRef, nil
	case ChildAssociationRef:
		return kindChildAssoc, nil
	case QName:
		return kindQName, nil
	case []string:
		return kindList, nil
	default:
		return "", fmt.Errorf("unsupported property value type %T", v)
	}
}

func decodeValue(ev encodedValue) (any, error) {
	switch ev.Kind {
	case kindNull:
		return nil, nil
	case kindString:
		var s string
		err := json.Unmarshal(ev.Value, &s)
		return s, err
	case kindInt:
		var i int64
		err := json.Unmarshal(ev.Value, &i)
		return i, err
	case kindFloat:
		var f float64
		err := json.Unmarshal(ev.Value, &f)
		return f, err
	case kindBool:
		var b bool
		err := json.Unmarshal(ev.Value, &b)
		return b, err
	case kindTime:
		var t time.Time
		err := json.Unmarshal(ev.Value, &t)
		return t, err
	case kindContent:
		var c ContentData
		err := json.Unmarshal(ev.Value, &c)
		return c, err
	case kindNodeRef:
		var n NodeRef
		err := json.Unmarshal(ev.Value, &n)
		return n, err
	case kindChildAssoc:
		var c ChildAssociationRef
		err := json.Unmarshal(ev.Value, &c)
		return c, err
	case kindQName:
		var q QName
		err := json.Unmarshal(ev.Value, &q)
		return q, err
	case kindList:
		var l []string
		err := json.Unmarshal(ev.Value, &l)
		return l, err
	default:
		return nil, fmt.Errorf("unknown value kind %q", ev.Kind)
	}
}
