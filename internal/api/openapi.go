package api

import "net/http"

// buildOpenAPIDoc returns an OpenAPI 3.1 document describing the master API.
func buildOpenAPIDoc() map[string]any {
	secured := func(scope string, op map[string]any) map[string]any {
		op["security"] = []any{map[string]any{"BearerAuth": []string{}}}
		op["x-required-scope"] = scope
		return op
	}

	paths := map[string]any{
		"/healthz": map[string]any{
			"get": map[string]any{
				"operationId": "health",
				"summary":     "Liveness and uptime",
				"responses": map[string]any{
					"200": map[string]any{"description": "Master is up"},
				},
			},
		},
		"/minions": map[string]any{
			"get": secured("minions:ro", map[string]any{
				"operationId": "listMinions",
				"summary":     "Accepted minions and cache state",
				"responses": map[string]any{
					"200": map[string]any{"description": "Minion listing"},
				},
			}),
		},
		"/minions/connected": map[string]any{
			"get": secured("minions:ro", map[string]any{
				"operationId": "connectedMinions",
				"summary":     "Minions currently observed on the transport",
				"responses": map[string]any{
					"200": map[string]any{"description": "Connected minion ids or addresses"},
				},
			}),
		},
		"/target/resolve": map[string]any{
			"post": secured("target:ro", map[string]any{
				"operationId": "resolveTarget",
				"summary":     "Resolve a target expression without dispatching",
				"responses": map[string]any{
					"200": map[string]any{"description": "Matched and missing minions"},
					"400": map[string]any{"description": "Bad request"},
				},
			}),
		},
		"/jobs": map[string]any{
			"get": secured("jobs:ro", map[string]any{
				"operationId": "listJobs",
				"summary":     "Recent jobs",
				"responses": map[string]any{
					"200": map[string]any{"description": "Job listing"},
				},
			}),
			"post": secured("jobs:rw", map[string]any{
				"operationId": "runJob",
				"summary":     "Dispatch a job (optionally batched or async)",
				"responses": map[string]any{
					"200": map[string]any{"description": "Sync batch finished"},
					"202": map[string]any{"description": "Job dispatched"},
					"400": map[string]any{"description": "Bad request"},
					"403": map[string]any{"description": "Denied by publisher ACL"},
				},
			}),
		},
		"/job/{jid}": map[string]any{
			"get": secured("jobs:ro", map[string]any{
				"operationId": "getJob",
				"summary":     "Job spec and collected returns",
				"responses": map[string]any{
					"200": map[string]any{"description": "Job record"},
					"404": map[string]any{"description": "Unknown jid"},
				},
			}),
		},
		"/events": map[string]any{
			"get": secured("events:ro", map[string]any{
				"operationId": "streamEvents",
				"summary":     "Server-sent event stream with Last-Event-ID replay",
				"responses": map[string]any{
					"200": map[string]any{"description": "text/event-stream"},
				},
			}),
		},
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Drover Master",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, buildOpenAPIDoc())
}
