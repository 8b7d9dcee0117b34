package config

import (
	"bytes"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const profileSchemaURL = "couchmirror-profile.schema.json"

const profileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "$defs": {
    "duration": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h)([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))*$"}
  },
  "properties": {
    "couchDB": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "url": {"type": "string", "minLength": 1},
        "dbname": {"type": "string", "minLength": 1},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "requestTimeout": {"$ref": "#/$defs/duration"},
        "heartbeat": {"$ref": "#/$defs/duration"},
        "feedRetryDelay": {"$ref": "#/$defs/duration"}
      }
    },
    "postgresql": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "uri": {"type": "string", "minLength": 1},
        "table": {"type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_$]*(\\.[A-Za-z_][A-Za-z0-9_$]*)?$"},
        "maxOpenConns": {"type": "integer", "minimum": 0},
        "operationTimeout": {"$ref": "#/$defs/duration"}
      }
    },
    "sync": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "healthAttempts": {"type": "integer", "minimum": 1},
        "writeAttempts": {"type": "integer", "minimum": 1},
        "writesPerSecond": {"type": "number", "minimum": 0},
        "dedupeConsecutive": {"type": "boolean"},
        "checkpointDSN": {"type": "string"},
        "queueSize": {"type": "integer", "minimum": 1}
      }
    },
    "log": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "level": {"enum": ["trace", "debug", "info", "warn", "error"]},
        "format": {"enum": ["json", "console"]}
      }
    },
    "admin": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "addr": {"type": "string"},
        "token": {"type": "string"}
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(profileSchema))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(profileSchemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile(profileSchemaURL)
	})
	return compiledSchema, schemaErr
}

// validateProfile checks standardized JSON against the profile schema.
func validateProfile(data []byte) error {
	schema, err := loadSchema()
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return schema.Validate(instance)
}
