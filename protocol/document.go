package protocol

import (
	"fmt"
	"time"

	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// A stored document. The REST surface frames documents and listings with
// their canonical protojson form.
type Document = firestorepb.Document
type Value = firestorepb.Value
type ListDocumentsResponse = firestorepb.ListDocumentsResponse

func NewDocument(name string, fields map[string]any) (*Document, error) {
	documentFields, err := newFields(fields)
	if err != nil {
		return nil, err
	}
	return &Document{
		Name:   name,
		Fields: documentFields,
	}, nil
}

func newFields(fields map[string]any) (map[string]*Value, error) {
	values := make(map[string]*Value, len(fields))
	for key, field := range fields {
		value, err := NewValue(field)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		values[key] = value
	}
	return values, nil
}

// NewValue converts a plain go value.
func NewValue(v any) (*Value, error) {
	switch w := v.(type) {
	case nil:
		return &Value{ValueType: &firestorepb.Value_NullValue{NullValue: structpb.NullValue_NULL_VALUE}}, nil
	case *Value:
		return w, nil
	case bool:
		return &Value{ValueType: &firestorepb.Value_BooleanValue{BooleanValue: w}}, nil
	case int:
		return &Value{ValueType: &firestorepb.Value_IntegerValue{IntegerValue: int64(w)}}, nil
	case int32:
		return &Value{ValueType: &firestorepb.Value_IntegerValue{IntegerValue: int64(w)}}, nil
	case int64:
		return &Value{ValueType: &firestorepb.Value_IntegerValue{IntegerValue: w}}, nil
	case float32:
		return &Value{ValueType: &firestorepb.Value_DoubleValue{DoubleValue: float64(w)}}, nil
	case float64:
		return &Value{ValueType: &firestorepb.Value_DoubleValue{DoubleValue: w}}, nil
	case string:
		return &Value{ValueType: &firestorepb.Value_StringValue{StringValue: w}}, nil
	case []byte:
		return &Value{ValueType: &firestorepb.Value_BytesValue{BytesValue: w}}, nil
	case time.Time:
		return &Value{ValueType: &firestorepb.Value_TimestampValue{TimestampValue: timestamppb.New(w)}}, nil
	case []any:
		values := make([]*Value, len(w))
		for i, e := range w {
			value, err := NewValue(e)
			if err != nil {
				return nil, err
			}
			values[i] = value
		}
		return &Value{ValueType: &firestorepb.Value_ArrayValue{ArrayValue: &firestorepb.ArrayValue{Values: values}}}, nil
	case map[string]any:
		fields, err := newFields(w)
		if err != nil {
			return nil, err
		}
		return &Value{ValueType: &firestorepb.Value_MapValue{MapValue: &firestorepb.MapValue{Fields: fields}}}, nil
	default:
		return nil, fmt.Errorf("Unsupported value type: %T", v)
	}
}

// deep copy
func CloneDocument(document *Document) *Document {
	return proto.Clone(document).(*Document)
}

func EncodeDocumentJson(document *Document) ([]byte, error) {
	return protojson.Marshal(document)
}

func DecodeDocumentJson(b []byte) (*Document, error) {
	document := &Document{}
	if err := protojson.Unmarshal(b, document); err != nil {
		return nil, err
	}
	return document, nil
}

// unknown fields are dropped so that listings from newer servers still decode
func DecodeListDocumentsJson(b []byte) (*ListDocumentsResponse, error) {
	res := &ListDocumentsResponse{}
	options := protojson.UnmarshalOptions{
		DiscardUnknown: true,
	}
	if err := options.Unmarshal(b, res); err != nil {
		return nil, err
	}
	return res, nil
}
