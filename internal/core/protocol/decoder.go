package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Decoder validates client messages against their JSON Schema before
// decoding them into concrete types. It is safe for concurrent use.
type Decoder struct {
	schemas map[Kind]*jsonschema.Schema
	maxSize int
}

// NewDecoder compiles the inbound schemas. maxSize <= 0 disables the size check.
func NewDecoder(maxSize int) (*Decoder, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	d := &Decoder{schemas: make(map[Kind]*jsonschema.Schema, len(inboundSchemas)), maxSize: maxSize}
	for kind, src := range inboundSchemas {
		url := schemaBase + string(kind) + ".json"
		if err := compiler.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", kind, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", kind, err)
		}
		d.schemas[kind] = schema
	}
	return d, nil
}

func (d *Decoder) Decode(data []byte) (Inbound, error) {
	if d.maxSize > 0 && len(data) > d.maxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformed)
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}
	tag, ok := obj["type"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	kind := Kind(tag)
	schema, ok := d.schemas[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, tag)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSchema, kind, err)
	}

	msg, err := decodeKind(kind, data)
	if err != nil {
		return nil, err
	}
	if err := msg.check(); err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeKind(kind Kind, data []byte) (Inbound, error) {
	var (
		msg Inbound
		err error
	)
	switch kind {
	case KindUpdate:
		var m Update
		err = json.Unmarshal(data, &m)
		msg = m
	case KindSubscribe:
		var m Subscribe
		err = json.Unmarshal(data, &m)
		msg = m
	case KindQuery:
		var m Query
		err = json.Unmarshal(data, &m)
		msg = m
	case KindValidate:
		var m Validate
		err = json.Unmarshal(data, &m)
		msg = m
	case KindPing:
		var m Ping
		err = json.Unmarshal(data, &m)
		msg = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
	}
	return msg, nil
}
