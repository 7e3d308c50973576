package models

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gofrs/uuid"
)

// Patch is a partial update keyed by wire field names. A patch claims
// exactly the fields it contains; untouched fields keep their current
// value when the patch is applied.
type Patch map[string]any

// Fields returns the set of field names the patch claims.
func (p Patch) Fields() map[string]struct{} {
	fields := make(map[string]struct{}, len(p))
	for k := range p {
		fields[k] = struct{}{}
	}
	return fields
}

// Apply merges a patch over a record and returns the patched copy.
// The merge goes through the wire representation so that patch keys and
// struct fields agree on naming. The input record is not modified.
func Apply[T Record](rec T, patch Patch) (T, error) {
	var zero T

	doc, err := toMap(rec)
	if err != nil {
		return zero, err
	}
	for k, v := range patch {
		doc[k] = v
	}

	out, err := fromMap[T](rec, doc)
	if err != nil {
		return zero, err
	}
	return out, nil
}

// Extract returns a patch holding the record's current values for the
// given fields. Fields absent from the wire representation are skipped.
func Extract[T Record](rec T, fields map[string]struct{}) (Patch, error) {
	doc, err := toMap(rec)
	if err != nil {
		return nil, err
	}
	patch := make(Patch, len(fields))
	for f := range fields {
		if v, ok := doc[f]; ok {
			patch[f] = v
		}
	}
	return patch, nil
}

// Clone deep-copies a record through its wire representation.
func Clone[T Record](rec T) (T, error) {
	var zero T
	raw, err := json.Marshal(rec)
	if err != nil {
		return zero, fmt.Errorf("clone: %w", err)
	}
	out := newRecord(rec)
	if err := json.Unmarshal(raw, out); err != nil {
		return zero, fmt.Errorf("clone: %w", err)
	}
	return out, nil
}

// Decode unmarshals a wire document into a fresh record of the same
// concrete type as proto.
func Decode[T Record](proto T, raw []byte) (T, error) {
	var zero T
	out := newRecord(proto)
	if err := json.Unmarshal(raw, out); err != nil {
		return zero, fmt.Errorf("decode %s: %w", proto.GetKind(), err)
	}
	return out, nil
}

func toMap[T Record](rec T) (map[string]any, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("patch: marshal record: %w", err)
	}
	doc := map[string]any{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("patch: decode record document: %w", err)
	}
	return doc, nil
}

func fromMap[T Record](proto T, doc map[string]any) (T, error) {
	var zero T
	raw, err := json.Marshal(doc)
	if err != nil {
		return zero, fmt.Errorf("patch: marshal document: %w", err)
	}
	out := newRecord(proto)
	if err := json.Unmarshal(raw, out); err != nil {
		return zero, fmt.Errorf("patch: apply document: %w", err)
	}
	return out, nil
}

// newRecord allocates a fresh value of proto's concrete type. Records are
// pointer-typed, so this is reflect.New on the element type.
func newRecord[T Record](proto T) T {
	return reflect.New(reflect.TypeOf(proto).Elem()).Interface().(T)
}

const tempIDPrefix = "tmp_"

// NewTempID returns a temporary client-side ID for an optimistically
// created record. The ID is replaced by the server-assigned one when the
// create request resolves.
func NewTempID() string {
	return tempIDPrefix + uuid.Must(uuid.NewV4()).String()
}

// IsTempID reports whether id was generated by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}
