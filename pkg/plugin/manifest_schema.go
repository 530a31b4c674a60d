package plugin

// ManifestSchema is the JSON schema every manifest.json must satisfy before
// field-level validation runs.
const ManifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["pluginId", "version", "main", "capabilities"],
  "additionalProperties": false,
  "properties": {
    "pluginId": {
      "type": "string",
      "pattern": "^[a-z0-9-]+$"
    },
    "name": {"type": "string"},
    "version": {"type": "string"},
    "description": {"type": "string"},
    "author": {"type": "string"},
    "main": {
      "type": "string",
      "minLength": 1
    },
    "capabilities": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "description", "permission"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "category": {"type": "string"},
          "description": {"type": "string", "minLength": 1},
          "args": {"type": "object"},
          "result": {"type": "object"},
          "permission": {"enum": ["public", "sensitive", "privileged"]}
        }
      }
    },
    "sandbox": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "fs_roots": {
          "type": "array",
          "items": {"type": "string"}
        },
        "allow_network": {"type": "boolean"},
        "max_cpu_percent": {"type": "integer", "minimum": 0, "maximum": 100},
        "max_run_time": {"type": ["string", "number"]}
      }
    },
    "requires": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["pluginId"],
        "additionalProperties": false,
        "properties": {
          "pluginId": {"type": "string"},
          "version": {"type": "string"}
        }
      }
    }
  }
}`
