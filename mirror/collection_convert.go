package mirror

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/bringyour/mirror/protocol"
)

// converts a raw document into a mirror value
type DocumentConverter[T any] func(document *protocol.Document) (T, error)

// DecodeDocument decodes the document fields into `T` with `encoding/json`,
// using the field form of `DocumentTreeValue`.
func DecodeDocument[T any](document *protocol.Document) (T, error) {
	var value T
	if document.GetFields() == nil {
		return value, fmt.Errorf("Document %s has no fields.", document.GetName())
	}
	fields, err := fieldsTreeValue(document.GetFields())
	if err != nil {
		return value, fmt.Errorf("Document %s: %w", document.GetName(), err)
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return value, err
	}
	if err := json.Unmarshal(b, &value); err != nil {
		return value, fmt.Errorf("Document %s: %w", document.GetName(), err)
	}
	return value, nil
}

// DocumentTreeValue converts a document into
// {"name", "create_time", "update_time", "fields"} with times in epoch millis.
// Inside the fields, timestamps are RFC 3339 strings, bytes are base64 strings,
// references are their resource names and geo points are
// {"latitude", "longitude"}.
func DocumentTreeValue(document *protocol.Document) (TreeValue, error) {
	fields, err := fieldsTreeValue(document.GetFields())
	if err != nil {
		return Null(), err
	}
	return NewObject(map[string]TreeValue{
		"name":        NewString(document.GetName()),
		"create_time": timestampTreeValue(document.GetCreateTime()),
		"update_time": timestampTreeValue(document.GetUpdateTime()),
		"fields":      fields,
	}), nil
}

func timestampTreeValue(t *timestamppb.Timestamp) TreeValue {
	if t == nil {
		return Null()
	}
	return NewInt(t.AsTime().UnixMilli())
}

func fieldsTreeValue(fields map[string]*protocol.Value) (TreeValue, error) {
	object := make(map[string]TreeValue, len(fields))
	for key, field := range fields {
		value, err := documentValueTreeValue(field)
		if err != nil {
			return Null(), fmt.Errorf("%s: %w", key, err)
		}
		object[key] = value
	}
	return TreeValue{kind: KindObject, object: object}, nil
}

func documentValueTreeValue(v *protocol.Value) (TreeValue, error) {
	switch k := v.GetValueType().(type) {
	case nil, *firestorepb.Value_NullValue:
		return Null(), nil
	case *firestorepb.Value_BooleanValue:
		return NewBool(k.BooleanValue), nil
	case *firestorepb.Value_IntegerValue:
		return NewInt(k.IntegerValue), nil
	case *firestorepb.Value_DoubleValue:
		f := k.DoubleValue
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Null(), fmt.Errorf("Number not representable: %v", f)
		}
		return NewFloat(f), nil
	case *firestorepb.Value_StringValue:
		return NewString(k.StringValue), nil
	case *firestorepb.Value_TimestampValue:
		return NewString(k.TimestampValue.AsTime().Format(time.RFC3339Nano)), nil
	case *firestorepb.Value_BytesValue:
		return NewString(base64.StdEncoding.EncodeToString(k.BytesValue)), nil
	case *firestorepb.Value_ReferenceValue:
		return NewString(k.ReferenceValue), nil
	case *firestorepb.Value_GeoPointValue:
		return NewObject(map[string]TreeValue{
			"latitude":  NewFloat(k.GeoPointValue.GetLatitude()),
			"longitude": NewFloat(k.GeoPointValue.GetLongitude()),
		}), nil
	case *firestorepb.Value_ArrayValue:
		values := k.ArrayValue.GetValues()
		array := make([]TreeValue, len(values))
		for i, e := range values {
			value, err := documentValueTreeValue(e)
			if err != nil {
				return Null(), err
			}
			array[i] = value
		}
		return TreeValue{kind: KindArray, array: array}, nil
	case *firestorepb.Value_MapValue:
		return fieldsTreeValue(k.MapValue.GetFields())
	default:
		return Null(), fmt.Errorf("Unknown value type: %T", k)
	}
}

func TreeDocumentConverter() DocumentConverter[TreeValue] {
	return DocumentTreeValue
}
