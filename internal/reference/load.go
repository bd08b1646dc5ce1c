package reference

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"os"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

const schemaURL = "https://kenshin.local/schemas/reference.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
			schemaErr = eris.Wrap(err, "reference: load schema")
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = eris.Wrap(schemaErr, "reference: compile schema")
		}
	})
	return schema, schemaErr
}

// LoadFile reads a YAML snapshot from path. It is called once per run so a
// run sees one consistent version of the curated data.
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "reference: read %s", path)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, eris.Wrapf(err, "reference: load %s", path)
	}
	zap.L().With(zap.String("component", "reference")).Info("reference snapshot loaded",
		zap.String("path", path),
		zap.String("version", s.Version()),
		zap.Int("exam_items", len(s.content.ExamItems)),
		zap.Int("variants", len(s.content.Variants)),
		zap.Int("groups", len(s.content.Groups)),
	)
	return s, nil
}

// Parse validates YAML snapshot data against the embedded schema and builds
// a Snapshot from it.
func Parse(data []byte) (*Snapshot, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrap(err, "reference: parse yaml")
	}

	doc, err := toJSONValue(raw)
	if err != nil {
		return nil, err
	}

	sch, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(doc); err != nil {
		return nil, eris.Wrapf(ErrInvalid, "schema validation: %v", err)
	}

	var c Content
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, eris.Wrap(err, "reference: decode content")
	}
	return New(c)
}

// toJSONValue round-trips a YAML document through encoding/json so the
// validator sees JSON types.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "reference: yaml to json")
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, eris.Wrap(err, "reference: decode json")
	}
	return out, nil
}
