package gateway

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// configSchema is the JSON Schema served by config.schema and used to
// validate config.set payloads before the typed pipeline runs. It covers
// structure and enumerations; cross-field rules live in config.Validate.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "agentgate config",
  "type": "object",
  "properties": {
    "agents": {
      "type": "object",
      "properties": {
        "defaults": {"type": "object"},
        "default": {"type": "string"},
        "list": {
          "type": "object",
          "additionalProperties": {
            "type": "object",
            "properties": {
              "provider": {"type": "string"},
              "model": {"type": "string"},
              "fallbacks": {"type": "array", "items": {"type": "string"}},
              "thinking_level": {"enum": ["", "off", "minimal", "low", "medium", "high", "xhigh"]},
              "workspace": {"type": "string"},
              "persona": {"type": "string"},
              "skills": {"type": "array", "items": {"type": "string"}}
            }
          }
        }
      }
    },
    "bindings": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["agent_id", "match"],
        "properties": {
          "agent_id": {"type": "string", "minLength": 1},
          "match": {
            "type": "object",
            "required": ["channel"],
            "properties": {
              "channel": {"type": "string", "minLength": 1},
              "account": {"type": "string"},
              "peer": {"type": "string"},
              "group": {"type": "string"},
              "thread": {"type": "string"}
            }
          }
        }
      }
    },
    "channels": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "enabled": {"type": "boolean"},
          "dm_policy": {"enum": ["", "open", "allowlist", "pairing", "disabled"]},
          "group_policy": {"enum": ["", "open", "allowlist", "disabled"]},
          "session_scope": {"enum": ["", "per-peer", "per-agent"]},
          "allowlist": {"type": "array", "items": {"type": "string"}},
          "require_mention": {"type": "boolean"},
          "text_chunk_limit": {"type": "integer", "minimum": 0},
          "send_rate_per_sec": {"type": "number", "minimum": 0}
        }
      }
    },
    "providers": {
      "type": "object",
      "properties": {
        "profiles": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["name", "provider"],
            "properties": {
              "name": {"type": "string", "minLength": 1},
              "provider": {"type": "string", "minLength": 1},
              "key_env": {"type": "string"},
              "base_url": {"type": "string"},
              "model": {"type": "string"}
            }
          }
        },
        "state_path": {"type": "string"}
      }
    },
    "gateway": {
      "type": "object",
      "properties": {
        "host": {"type": "string"},
        "port": {"type": "integer", "minimum": 0, "maximum": 65535},
        "tokens": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["name", "scopes"],
            "properties": {
              "name": {"type": "string", "minLength": 1},
              "scopes": {
                "type": "array",
                "items": {"enum": ["read", "write", "approvals", "pairing", "admin"]}
              }
            }
          }
        },
        "devices": {"type": "array"},
        "allowed_origins": {"type": "array", "items": {"type": "string"}}
      }
    },
    "sessions": {
      "type": "object",
      "properties": {
        "dir": {"type": "string"},
        "backend": {"enum": ["", "file", "sqlite"]},
        "main_key": {"type": "string"}
      }
    },
    "scheduler": {"type": "object"},
    "media": {"type": "object"},
    "cron": {"type": "object"},
    "telemetry": {"type": "object"}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiledConfigSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(configSchema)))
		if err != nil {
			schemaErr = fmt.Errorf("parse config schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("config.json", doc); err != nil {
			schemaErr = fmt.Errorf("add config schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("config.json")
	})
	return compiledSchema, schemaErr
}

// validateConfigJSON checks a raw config document against the schema.
func validateConfigJSON(raw []byte) error {
	schema, err := compiledConfigSchema()
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return schema.Validate(instance)
}
