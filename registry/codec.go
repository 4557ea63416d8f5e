package registry

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// DepsCodec converts between an agent's typed dependency value and the
	// self-describing blob carried on the wire. The type tag is the stable
	// identifier workers use to reject blobs produced for a different type;
	// the module hint is advisory metadata for operators and tooling.
	DepsCodec interface {
		TypeTag() string
		ModuleHint() string
		Encode(value any) (json.RawMessage, error)
		Decode(data json.RawMessage) (any, error)
	}

	// JSONCodec is a DepsCodec over encoding/json for a concrete Go type.
	// An optional JSON Schema is enforced on both directions, so malformed
	// blobs are caught where they are produced as well as where they land.
	JSONCodec[T any] struct {
		tag    string
		module string
		schema *jsonschema.Schema
	}

	// CodecOption configures a JSONCodec.
	CodecOption func(*codecConfig)

	codecConfig struct {
		schemaBytes []byte
	}
)

// WithSchema attaches a JSON Schema document validated against every blob
// the codec encodes or decodes.
func WithSchema(schemaBytes []byte) CodecOption {
	return func(c *codecConfig) {
		c.schemaBytes = schemaBytes
	}
}

// NewJSONCodec builds a codec for T identified by the given type tag. The
// module hint names where T lives for operators reading envelopes; it is
// never used to load code.
func NewJSONCodec[T any](tag, module string, opts ...CodecOption) (*JSONCodec[T], error) {
	if tag == "" {
		return nil, errors.New("type tag is required")
	}
	var cfg codecConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	codec := &JSONCodec[T]{tag: tag, module: module}
	if len(cfg.schemaBytes) > 0 {
		var doc any
		if err := json.Unmarshal(cfg.schemaBytes, &doc); err != nil {
			return nil, fmt.Errorf("unmarshal schema: %w", err)
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("schema.json", doc); err != nil {
			return nil, fmt.Errorf("add schema resource: %w", err)
		}
		schema, err := compiler.Compile("schema.json")
		if err != nil {
			return nil, fmt.Errorf("compile schema: %w", err)
		}
		codec.schema = schema
	}
	return codec, nil
}

// MustJSONCodec is NewJSONCodec that panics on error, for package-scope
// registrations with static schemas.
func MustJSONCodec[T any](tag, module string, opts ...CodecOption) *JSONCodec[T] {
	codec, err := NewJSONCodec[T](tag, module, opts...)
	if err != nil {
		panic(err)
	}
	return codec
}

// TypeTag implements DepsCodec.
func (c *JSONCodec[T]) TypeTag() string { return c.tag }

// ModuleHint implements DepsCodec.
func (c *JSONCodec[T]) ModuleHint() string { return c.module }

// Encode serializes value, which must be a T.
func (c *JSONCodec[T]) Encode(value any) (json.RawMessage, error) {
	typed, ok := value.(T)
	if !ok {
		return nil, fmt.Errorf("deps for tag %q must be %T, got %T", c.tag, typed, value)
	}
	data, err := json.Marshal(typed)
	if err != nil {
		return nil, fmt.Errorf("marshal deps %q: %w", c.tag, err)
	}
	if err := c.validate(data); err != nil {
		return nil, err
	}
	return data, nil
}

// Decode reconstructs the typed value from the wire blob.
func (c *JSONCodec[T]) Decode(data json.RawMessage) (any, error) {
	if err := c.validate(data); err != nil {
		return nil, err
	}
	var typed T
	if err := json.Unmarshal(data, &typed); err != nil {
		return nil, fmt.Errorf("unmarshal deps %q: %w", c.tag, err)
	}
	return typed, nil
}

func (c *JSONCodec[T]) validate(data json.RawMessage) error {
	if c.schema == nil {
		return nil
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("unmarshal deps %q for validation: %w", c.tag, err)
	}
	if err := c.schema.Validate(doc); err != nil {
		return fmt.Errorf("deps %q violate schema: %w", c.tag, err)
	}
	return nil
}
