package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

var ErrMissingField = errors.New("missing required field")

var stringSliceType = reflect.TypeOf([]string{})

// EncodeFields converts any json-taggable value into document fields.
func EncodeFields(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	fields := &structpb.Struct{}
	if err := protojson.Unmarshal(b, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// DecodeFields decodes document fields into `T` using the `json` tags of `T`.
// Each name in `required` must be present and non-null in the fields,
// otherwise the decode fails with `ErrMissingField`.
func DecodeFields[T any](fields *structpb.Struct, required ...string) (*T, error) {
	if fields == nil {
		return nil, fmt.Errorf("%w: no fields", ErrMissingField)
	}

	m := fields.AsMap()
	for _, name := range required {
		if v, ok := m[name]; !ok || v == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingField, name)
		}
	}

	var out T
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  &out,
		// structpb carries every number as a float64
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			sliceAnyToSliceStringHook(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("new decoder: %w", err)
	}
	if err := decoder.Decode(m); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	return &out, nil
}

func sliceAnyToSliceStringHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		values, ok := data.([]any)
		if !ok || to != stringSliceType {
			return data, nil
		}
		out := make([]string, 0, len(values))
		for _, v := range values {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("expected string element, got %T", v)
			}
			out = append(out, s)
		}
		return out, nil
	}
}
