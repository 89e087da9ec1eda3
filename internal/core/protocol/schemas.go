package protocol

const schemaBase = "https://spatialsync.zeusync.dev/schemas/"

const objectIDSchema = `{"type": "integer", "minimum": 1}`

var inboundSchemas = map[Kind]string{
	KindUpdate: `{
		"type": "object",
		"required": ["type", "object_id", "changes"],
		"additionalProperties": false,
		"properties": {
			"type": {"const": "update"},
			"object_id": ` + objectIDSchema + `,
			"changes": {"type": "object", "minProperties": 1},
			"version": {"type": ["integer", "null"], "minimum": 0}
		}
	}`,
	KindSubscribe: `{
		"type": "object",
		"required": ["type", "region"],
		"additionalProperties": false,
		"properties": {
			"type": {"const": "subscribe"},
			"region": {
				"type": "object",
				"required": ["min_x", "min_y", "max_x", "max_y"],
				"additionalProperties": false,
				"properties": {
					"min_x": {"type": "number"},
					"min_y": {"type": "number"},
					"max_x": {"type": "number"},
					"max_y": {"type": "number"}
				}
			},
			"object_types": {
				"type": "array",
				"items": {"type": "string", "minLength": 1},
				"uniqueItems": true
			}
		}
	}`,
	KindQuery: `{
		"type": "object",
		"required": ["type", "query_type", "object_id"],
		"additionalProperties": false,
		"properties": {
			"type": {"const": "query"},
			"query_type": {"enum": ["collisions", "relationships"]},
			"object_id": ` + objectIDSchema + `,
			"clearance": {"type": "number", "minimum": 0}
		}
	}`,
	KindValidate: `{
		"type": "object",
		"required": ["type", "object_id"],
		"additionalProperties": false,
		"properties": {
			"type": {"const": "validate"},
			"object_id": ` + objectIDSchema + `
		}
	}`,
	KindPing: `{
		"type": "object",
		"required": ["type"],
		"additionalProperties": false,
		"properties": {
			"type": {"const": "ping"},
			"nonce": {"type": "string", "maxLength": 128}
		}
	}`,
}
