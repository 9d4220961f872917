package httpclient

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"

	json "github.com/goccy/go-json"
)

// Content types the codec produces or recognizes.
const (
	ContentTypeJSON        = "application/json"
	ContentTypeForm        = "application/x-www-form-urlencoded"
	ContentTypeOctetStream = "application/octet-stream"
)

// Mapper is implemented by payloads that can present themselves as a
// key-value mapping. It is used for form and query encoding, and as the
// second JSON strategy when direct encoding fails.
//
// Example:
//
//	type Filter struct{ Status string }
//
//	func (f Filter) ToMap() map[string]any {
//	    return map[string]any{"status": f.Status}
//	}
type Mapper interface {
	ToMap() map[string]any
}

// encodedBody is the result of running a payload through the codec.
type encodedBody struct {
	// data is nil when the payload was empty.
	data []byte

	// contentType is stamped on the request when non-empty.
	contentType string

	// fallback is set when an unrecognized content type was answered with
	// a JSON body.
	fallback bool

	// declared is the normalized content type present before encoding.
	declared string
}

// jsonStrategy is one way of turning an opaque payload into JSON.
type jsonStrategy struct {
	name   string
	encode func(v any) ([]byte, error)
}

var errStrategyNotApplicable = errors.New("strategy not applicable")

// jsonStrategies are tried in order until one succeeds.
var jsonStrategies = []jsonStrategy{
	{
		name:   "direct",
		encode: json.Marshal,
	},
	{
		name: "mapping",
		encode: func(v any) ([]byte, error) {
			m, ok := v.(Mapper)
			if !ok {
				return nil, errStrategyNotApplicable
			}
			return json.Marshal(m.ToMap())
		},
	},
}

// encodeBody decides how payload is serialized given the headers already
// present on the request.
//
// Decision order:
//  1. empty payload: no body, no content type
//  2. raw string or bytes: verbatim, application/octet-stream unless a
//     content type is already set
//  3. no content type: JSON, stamped application/json
//  4. application/x-www-form-urlencoded*: URL form, key-value payloads only
//  5. application/json*: JSON
//  6. anything else: JSON with fallback reported to the caller
func encodeBody(payload any, h Header) (encodedBody, error) {
	if isEmptyPayload(payload) {
		return encodedBody{}, nil
	}

	if raw, ok := rawBytes(payload); ok {
		out := encodedBody{data: raw}
		if !h.Has(headerContentType) {
			out.contentType = ContentTypeOctetStream
		}
		return out, nil
	}

	declared := strings.ToLower(strings.TrimSpace(h.Get(headerContentType)))

	switch {
	case declared == "":
		data, err := encodeJSON(payload)
		if err != nil {
			return encodedBody{}, newBodyEncodingError(payload, ContentTypeJSON, err)
		}
		return encodedBody{data: data, contentType: ContentTypeJSON}, nil

	case strings.HasPrefix(declared, ContentTypeForm):
		values, ok := keyValues(payload)
		if !ok {
			return encodedBody{}, newBodyEncodingError(payload, declared, fmt.Errorf(
				"%w: parameters must be key-value pairs for form URL-encoded requests, got %T",
				ErrUnsupportedPayloadType, payload,
			))
		}
		return encodedBody{data: []byte(values.Encode()), declared: declared}, nil

	case strings.HasPrefix(declared, ContentTypeJSON):
		data, err := encodeJSON(payload)
		if err != nil {
			return encodedBody{}, newBodyEncodingError(payload, declared, err)
		}
		return encodedBody{data: data, declared: declared}, nil

	default:
		data, err := encodeJSON(payload)
		if err != nil {
			return encodedBody{}, newBodyEncodingError(payload, declared, err)
		}
		return encodedBody{data: data, declared: declared, fallback: true}, nil
	}
}

// encodeJSON runs payload through jsonStrategies.
func encodeJSON(payload any) ([]byte, error) {
	var errs []error
	for _, s := range jsonStrategies {
		data, err := s.encode(payload)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, errStrategyNotApplicable) {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return nil, fmt.Errorf("%w: cannot convert %T to JSON: %w", ErrSerialization, payload, errors.Join(errs...))
}

func newBodyEncodingError(payload any, contentType string, err error) *BodyEncodingError {
	return &BodyEncodingError{
		PayloadType: fmt.Sprintf("%T", payload),
		ContentType: contentType,
		Err:         err,
	}
}

// isEmptyPayload reports nil, nil pointers, and zero-length strings, byte
// slices, maps and slices, looking through pointers.
func isEmptyPayload(payload any) bool {
	if payload == nil {
		return true
	}
	v := reflect.ValueOf(payload)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return true
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.String, reflect.Map, reflect.Slice, reflect.Array:
		return v.Len() == 0
	case reflect.Interface:
		return v.IsNil()
	default:
		return false
	}
}

// rawBytes returns the payload verbatim when it is a string or byte slice,
// or a pointer to one, including named types such as json.RawMessage.
func rawBytes(payload any) ([]byte, bool) {
	switch p := payload.(type) {
	case string:
		return []byte(p), true
	case []byte:
		return p, true
	}

	v := reflect.ValueOf(payload)
	for v.Kind() == reflect.Pointer && !v.IsNil() {
		v = v.Elem()
	}
	switch {
	case v.Kind() == reflect.String:
		return []byte(v.String()), true
	case v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8:
		return v.Bytes(), true
	default:
		return nil, false
	}
}

// keyValues views payload as key-value pairs. Slice values repeat the key.
func keyValues(payload any) (url.Values, bool) {
	switch p := payload.(type) {
	case url.Values:
		return p, true
	case map[string][]string:
		return url.Values(p), true
	case map[string]string:
		values := make(url.Values, len(p))
		for k, v := range p {
			values.Set(k, v)
		}
		return values, true
	case Mapper:
		return mapValues(reflect.ValueOf(p.ToMap())), true
	}

	v := reflect.ValueOf(payload)
	if v.Kind() == reflect.Map && v.Type().Key().Kind() == reflect.String {
		return mapValues(v), true
	}
	return nil, false
}

func mapValues(m reflect.Value) url.Values {
	values := make(url.Values, m.Len())
	iter := m.MapRange()
	for iter.Next() {
		key := iter.Key().String()
		val := iter.Value()
		for val.Kind() == reflect.Interface && !val.IsNil() {
			val = val.Elem()
		}

		switch {
		case !val.IsValid() || (val.Kind() == reflect.Interface && val.IsNil()):
			values.Add(key, "")
		case (val.Kind() == reflect.Slice || val.Kind() == reflect.Array) &&
			val.Type().Elem().Kind() != reflect.Uint8:
			for i := range val.Len() {
				values.Add(key, fmt.Sprint(val.Index(i).Interface()))
			}
		default:
			values.Add(key, fmt.Sprint(val.Interface()))
		}
	}
	return values
}
