// Package docs registers the qllmd OpenAPI document with swag.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {
            "name": "qllmd maintainers"
        },
        "license": {
            "name": "MIT",
            "url": "https://opensource.org/licenses/MIT"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/infer": {
            "post": {
                "description": "Runs a single turn on a throwaway session and streams NDJSON TurnChunk lines.",
                "consumes": ["application/json"],
                "produces": ["application/x-ndjson"],
                "tags": ["inference"],
                "summary": "One-shot inference",
                "parameters": [
                    {
                        "description": "Prompt",
                        "name": "body",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/types.InferRequest"}
                    }
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.TurnChunk"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "429": {"description": "Too Many Requests", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/models": {
            "get": {
                "description": "Lists the GGUF files found in the models directory.",
                "produces": ["application/json"],
                "tags": ["models"],
                "summary": "List models",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ModelsResponse"}}
                }
            }
        },
        "/sessions": {
            "post": {
                "description": "Binds a fresh context to the given id, replacing any session it already had.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["sessions"],
                "summary": "Create a session",
                "parameters": [
                    {
                        "description": "Session id",
                        "name": "body",
                        "in": "body",
                        "schema": {"$ref": "#/definitions/types.CreateSessionRequest"}
                    }
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/types.Session"}},
                    "429": {"description": "Too Many Requests", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/sessions/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["sessions"],
                "summary": "Describe a session",
                "parameters": [
                    {"type": "string", "description": "Session id", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.Session"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            },
            "delete": {
                "tags": ["sessions"],
                "summary": "Destroy a session",
                "parameters": [
                    {"type": "string", "description": "Session id", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "204": {"description": "No Content"},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/sessions/{id}/embeddings": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["sessions"],
                "summary": "Embed text",
                "parameters": [
                    {"type": "string", "description": "Session id", "name": "id", "in": "path", "required": true},
                    {
                        "description": "Text to embed",
                        "name": "body",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/types.EmbeddingRequest"}
                    }
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.EmbeddingResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/sessions/{id}/reset": {
            "post": {
                "description": "Clears the session's context once any running turn finishes.",
                "tags": ["sessions"],
                "summary": "Reset a session",
                "parameters": [
                    {"type": "string", "description": "Session id", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "204": {"description": "No Content"},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "429": {"description": "Too Many Requests", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/sessions/{id}/turns": {
            "post": {
                "description": "Streams the reply as NDJSON TurnChunk lines; the last line has done set.",
                "consumes": ["application/json"],
                "produces": ["application/x-ndjson"],
                "tags": ["sessions"],
                "summary": "Run a turn",
                "parameters": [
                    {"type": "string", "description": "Session id", "name": "id", "in": "path", "required": true},
                    {
                        "description": "User text",
                        "name": "body",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/types.TurnRequest"}
                    }
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.TurnChunk"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "422": {"description": "Unprocessable Entity", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "429": {"description": "Too Many Requests", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/status": {
            "get": {
                "produces": ["application/json"],
                "tags": ["status"],
                "summary": "Daemon status",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.StatusResponse"}}
                }
            }
        }
    },
    "definitions": {
        "types.CreateSessionRequest": {
            "type": "object",
            "properties": {
                "id": {"type": "string", "example": "0b6c8f0e-5c43-4a9d-9f0c-1d1e1f7a9b11"}
            }
        },
        "types.EmbeddingRequest": {
            "type": "object",
            "properties": {
                "text": {"type": "string", "example": "The quick brown fox"}
            }
        },
        "types.EmbeddingResponse": {
            "type": "object",
            "properties": {
                "dimensions": {"type": "integer", "example": 4096},
                "embedding": {"type": "array", "items": {"type": "number"}}
            }
        },
        "types.ErrorResponse": {
            "type": "object",
            "properties": {
                "code": {"type": "integer", "example": 400},
                "error": {"type": "string", "example": "invalid JSON body"}
            }
        },
        "types.InferRequest": {
            "type": "object",
            "properties": {
                "prompt": {"type": "string", "example": "Write a haiku about the ocean."}
            }
        },
        "types.LoadedModel": {
            "type": "object",
            "properties": {
                "layer_count": {"type": "integer", "example": 22},
                "layers_on_gpu": {"type": "integer", "example": 22},
                "loaded_unix": {"type": "integer", "example": 1700000000},
                "path": {"type": "string", "example": "/home/user/models/llm/tinyllama-q4.gguf"},
                "refs": {"type": "integer", "example": 1},
                "usable": {"type": "string", "example": "6.0 GiB"},
                "usable_bytes": {"type": "integer", "example": 6442450944}
            }
        },
        "types.Model": {
            "type": "object",
            "properties": {
                "family": {"type": "string", "example": "llama"},
                "id": {"type": "string", "example": "tinyllama-q4.gguf"},
                "name": {"type": "string", "example": "TinyLlama (Q4)"},
                "path": {"type": "string", "example": "/home/user/models/llm/tinyllama-q4.gguf"},
                "quant": {"type": "string", "example": "Q4_K_M"},
                "size_bytes": {"type": "integer", "example": 668788096}
            }
        },
        "types.ModelsResponse": {
            "type": "object",
            "properties": {
                "models": {"type": "array", "items": {"$ref": "#/definitions/types.Model"}}
            }
        },
        "types.Session": {
            "type": "object",
            "properties": {
                "anchor_end": {"type": "integer"},
                "anchor_start": {"type": "integer"},
                "busy": {"type": "boolean"},
                "created_unix": {"type": "integer", "example": 1700000000},
                "cursor": {"type": "integer", "example": 37},
                "id": {"type": "string", "example": "0b6c8f0e-5c43-4a9d-9f0c-1d1e1f7a9b11"},
                "last_used_unix": {"type": "integer", "example": 1700000000},
                "max_positions": {"type": "integer", "example": 512},
                "queue_len": {"type": "integer", "example": 0},
                "shared": {"type": "boolean"},
                "state": {"type": "string", "example": "primed"}
            }
        },
        "types.StatusResponse": {
            "type": "object",
            "properties": {
                "evictions_total": {"type": "integer", "example": 5},
                "last_error": {"type": "string"},
                "mode": {"type": "string", "example": "per-connection"},
                "model": {"type": "string", "example": "/home/user/models/llm/tinyllama-q4.gguf"},
                "models": {"type": "array", "items": {"$ref": "#/definitions/types.LoadedModel"}},
                "server_time_unix": {"type": "integer", "example": 1700000000},
                "sessions": {"type": "array", "items": {"$ref": "#/definitions/types.Session"}},
                "state": {"type": "string", "example": "ready"},
                "uptime_seconds": {"type": "integer", "example": 3600}
            }
        },
        "types.TurnChunk": {
            "type": "object",
            "properties": {
                "cursor": {"type": "integer", "example": 120},
                "done": {"type": "boolean"},
                "error": {"type": "string"},
                "evicted": {"type": "integer", "example": 0},
                "reason": {"type": "string", "example": "eog"},
                "text": {"type": "string"},
                "tokens": {"type": "integer", "example": 42}
            }
        },
        "types.TurnRequest": {
            "type": "object",
            "properties": {
                "text": {"type": "string", "example": "What is 2+2?"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "qllmd API",
	Description:      "HTTP API for sessions, streamed turns and embeddings over a locally loaded LLM.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
