package server

import (
	"encoding/base64"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/nainya/graphstore/pkg/changes"
	"github.com/nainya/graphstore/pkg/entity"
	"github.com/nainya/graphstore/pkg/filter"
	"github.com/nainya/graphstore/pkg/value"
)

// Values travel as {"kind": <kind name>, ...}. Integers are decimal strings
// since Struct numbers are float64; binary is base64; timestamps carry
// seconds and nanos like google.protobuf.Timestamp.

// valueToProto encodes a property value
func valueToProto(v value.Value) *structpb.Value {
	fields := map[string]*structpb.Value{
		"kind": structpb.NewStringValue(v.Kind().String()),
	}
	switch v.Kind() {
	case value.KindBoolean:
		b, _ := v.AsBool()
		fields["value"] = structpb.NewBoolValue(b)
	case value.KindInteger:
		i, _ := v.AsInt()
		fields["value"] = structpb.NewStringValue(strconv.FormatInt(i, 10))
	case value.KindReal:
		f, _ := v.AsReal()
		fields["value"] = structpb.NewNumberValue(f)
	case value.KindText:
		s, _ := v.AsText()
		fields["value"] = structpb.NewStringValue(s)
	case value.KindBinary:
		b, _ := v.AsBinary()
		fields["value"] = structpb.NewStringValue(base64.StdEncoding.EncodeToString(b))
	case value.KindTimestamp:
		t, _ := v.AsTime()
		ts := timestamppb.New(t)
		fields["seconds"] = structpb.NewStringValue(strconv.FormatInt(ts.GetSeconds(), 10))
		fields["nanos"] = structpb.NewNumberValue(float64(ts.GetNanos()))
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: fields})
}

// valueFromProto decodes a property value
func valueFromProto(pv *structpb.Value) (value.Value, error) {
	obj := pv.GetStructValue()
	if obj == nil {
		return value.Value{}, fmt.Errorf("value must be an object")
	}
	f := obj.GetFields()

	kind, ok := value.ParseKind(f["kind"].GetStringValue())
	if !ok {
		return value.Value{}, fmt.Errorf("unknown value kind %q", f["kind"].GetStringValue())
	}

	raw := f["value"]
	switch kind {
	case value.KindNull:
		return value.Null(), nil
	case value.KindBoolean:
		return value.Bool(raw.GetBoolValue()), nil
	case value.KindInteger:
		i, err := strconv.ParseInt(raw.GetStringValue(), 10, 64)
		if err != nil {
			return value.Value{}, fmt.Errorf("integer: %w", err)
		}
		return value.Int(i), nil
	case value.KindReal:
		return value.Real(raw.GetNumberValue()), nil
	case value.KindText:
		return value.Text(raw.GetStringValue()), nil
	case value.KindBinary:
		b, err := base64.StdEncoding.DecodeString(raw.GetStringValue())
		if err != nil {
			return value.Value{}, fmt.Errorf("binary: %w", err)
		}
		return value.Binary(b), nil
	case value.KindTimestamp:
		secs, err := strconv.ParseInt(f["seconds"].GetStringValue(), 10, 64)
		if err != nil {
			return value.Value{}, fmt.Errorf("timestamp: %w", err)
		}
		ts := &timestamppb.Timestamp{Seconds: secs, Nanos: int32(f["nanos"].GetNumberValue())}
		if err := ts.CheckValid(); err != nil {
			return value.Value{}, fmt.Errorf("timestamp: %w", err)
		}
		return value.Of(ts.AsTime())
	}
	return value.Value{}, fmt.Errorf("unsupported value kind %s", kind)
}

// stateToProto encodes a committed entity snapshot
func stateToProto(s *entity.State) *structpb.Struct {
	props := make(map[string]*structpb.Value, len(s.Properties))
	for name, v := range s.Properties {
		props[name] = valueToProto(v)
	}

	groups := make([]*structpb.Value, 0, len(s.Groups))
	for _, g := range s.GroupNames() {
		groups = append(groups, structpb.NewStringValue(g))
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":         structpb.NewStringValue(string(s.ID)),
		"type":       structpb.NewStringValue(s.Type),
		"properties": structpb.NewStructValue(&structpb.Struct{Fields: props}),
		"groups":     structpb.NewListValue(&structpb.ListValue{Values: groups}),
		"deleted":    structpb.NewBoolValue(s.Deleted),
	}}
}

// eventToProto encodes a change event for Watch
func eventToProto(ev changes.Event) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"kind":   structpb.NewStringValue(ev.Kind.String()),
		"entity": structpb.NewStructValue(stateToProto(ev.Entity)),
	}
	if ev.Name != "" {
		fields["name"] = structpb.NewStringValue(ev.Name)
	}
	if ev.Old.IsValid() {
		fields["old"] = valueToProto(ev.Old)
	}
	if ev.New.IsValid() {
		fields["new"] = valueToProto(ev.New)
	}
	return &structpb.Struct{Fields: fields}
}

// filterFromProto builds a filter spec. A missing key leaves the category
// unconstrained; an empty list matches nothing.
func filterFromProto(obj *structpb.Struct) (*filter.Spec, error) {
	spec := filter.New()
	if obj == nil {
		return spec, nil
	}
	f := obj.GetFields()

	if v, ok := f["types"]; ok {
		names, err := stringList("types", v)
		if err != nil {
			return nil, err
		}
		spec.WithTypes(names...)
	}
	if v, ok := f["groups"]; ok {
		names, err := stringList("groups", v)
		if err != nil {
			return nil, err
		}
		spec.WithGroups(names...)
	}
	if v, ok := f["properties"]; ok {
		list := v.GetListValue()
		if list == nil {
			return nil, fmt.Errorf("properties must be a list")
		}
		props := make([]filter.Property, 0, len(list.GetValues()))
		for i, item := range list.GetValues() {
			term := item.GetStructValue().GetFields()
			name := term["name"].GetStringValue()
			raw, hasValue := term["value"]
			if !hasValue {
				props = append(props, filter.Has(name))
				continue
			}
			val, err := valueFromProto(raw)
			if err != nil {
				return nil, fmt.Errorf("properties[%d]: %w", i, err)
			}
			props = append(props, filter.Equals(name, val))
		}
		spec.WithProperties(props...)
	}
	return spec, nil
}

func stringList(field string, v *structpb.Value) ([]string, error) {
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%s must be a list", field)
	}
	out := make([]string, 0, len(list.GetValues()))
	for _, item := range list.GetValues() {
		s, ok := item.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("%s must contain strings", field)
		}
		out = append(out, s.StringValue)
	}
	return out, nil
}
