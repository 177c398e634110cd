package api

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the status API.
// The surface is fixed, so the doc is assembled inline.
func buildOpenAPIDoc() map[string]any {
	bearer := []any{map[string]any{"BearerAuth": []string{}}}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Crucible Agent",
			"version": "1.0",
		},
		"paths": map[string]any{
			"/healthz": map[string]any{
				"get": map[string]any{
					"operationId": "healthz",
					"summary":     "Agent liveness, uptime and current job",
					"responses": map[string]any{
						"200": map[string]any{"description": "Agent status"},
					},
				},
			},
			"/api/v1/jobs": map[string]any{
				"get": map[string]any{
					"operationId": "listJobs",
					"summary":     "Recent jobs from the execution journal",
					"parameters": []any{
						map[string]any{
							"name":   "limit",
							"in":     "query",
							"schema": map[string]any{"type": "integer", "default": defaultJobListLimit},
						},
					},
					"responses": map[string]any{
						"200": map[string]any{"description": "Job list"},
						"401": map[string]any{"description": "Invalid token"},
					},
					"security": bearer,
				},
			},
			"/api/v1/jobs/{jobID}": map[string]any{
				"get": map[string]any{
					"operationId": "getJob",
					"summary":     "One job with its lifecycle events",
					"parameters": []any{
						map[string]any{
							"name":     "jobID",
							"in":       "path",
							"required": true,
							"schema":   map[string]any{"type": "string"},
						},
					},
					"responses": map[string]any{
						"200": map[string]any{"description": "Job detail"},
						"404": map[string]any{"description": "Unknown job"},
						"401": map[string]any{"description": "Invalid token"},
					},
					"security": bearer,
				},
			},
			"/events": map[string]any{
				"get": map[string]any{
					"operationId": "streamEvents",
					"summary":     "Server-sent events stream of agent lifecycle",
					"responses": map[string]any{
						"200": map[string]any{"description": "text/event-stream"},
						"401": map[string]any{"description": "Invalid token"},
					},
					"security": bearer,
				},
			},
		},
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
