package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/creditline/creditline-backend/docs"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/swaggo/swag"
)

const (
	swagger2RefPrefix = "#/definitions/"
	openAPI3RefPrefix = "#/components/schemas/"
	localServerURL    = "http://localhost:8080"
)

// OpenAPI3Spec is the subset of an OpenAPI 3.0 document produced from the
// generated swagger 2.0 docs
type OpenAPI3Spec struct {
	OpenAPI    string                 `json:"openapi"`
	Info       map[string]interface{} `json:"info"`
	Servers    []Server               `json:"servers"`
	Paths      map[string]interface{} `json:"paths"`
	Components map[string]interface{} `json:"components,omitempty"`
}

// Server represents an OpenAPI 3.0 server
type Server struct {
	URL         string `json:"url"`
	Description string `json:"description"`
}

// OpenAPI3Handler serves GET /openapi.json. The conversion runs once.
func OpenAPI3Handler(publicURL string) echo.HandlerFunc {
	var (
		once sync.Once
		spec *OpenAPI3Spec
		err  error
	)
	return func(c echo.Context) error {
		once.Do(func() {
			var doc string
			if doc, err = swag.ReadDoc(docs.SwaggerInfo.InstanceName()); err == nil {
				spec, err = convertSwagger2([]byte(doc), publicURL)
			}
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to build OpenAPI document")
			return NewInternalError(c, "Failed to build OpenAPI document")
		}
		return c.JSON(http.StatusOK, spec)
	}
}

// convertSwagger2 rewrites a swagger 2.0 document as OpenAPI 3.0: definitions
// become components/schemas, body and formData parameters become request
// bodies, response schemas move under content and apiKey bearer auth becomes an
// http bearer scheme
func convertSwagger2(doc []byte, publicURL string) (*OpenAPI3Spec, error) {
	var swagger2 map[string]interface{}
	if err := json.Unmarshal(doc, &swagger2); err != nil {
		return nil, fmt.Errorf("parse swagger doc: %w", err)
	}

	info, _ := swagger2["info"].(map[string]interface{})
	basePath, _ := swagger2["basePath"].(string)

	paths := make(map[string]interface{})
	if raw, ok := swagger2["paths"].(map[string]interface{}); ok {
		for path, item := range raw {
			ops, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			converted := make(map[string]interface{}, len(ops))
			for method, op := range ops {
				if opMap, ok := op.(map[string]interface{}); ok {
					converted[method] = convertOperation(opMap)
				}
			}
			paths[path] = converted
		}
	}

	components := make(map[string]interface{})
	if defs, ok := swagger2["definitions"].(map[string]interface{}); ok {
		components["schemas"] = rewriteRefs(defs)
	}
	if secDefs, ok := swagger2["securityDefinitions"].(map[string]interface{}); ok {
		components["securitySchemes"] = convertSecuritySchemes(secDefs)
	}

	return &OpenAPI3Spec{
		OpenAPI:    "3.0.3",
		Info:       info,
		Servers:    openAPIServers(publicURL, basePath),
		Paths:      paths,
		Components: components,
	}, nil
}

func convertOperation(op map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(op))
	for _, key := range []string{"summary", "description", "tags", "security", "operationId"} {
		if v, ok := op[key]; ok {
			out[key] = v
		}
	}

	consumes := stringList(op["consumes"], "application/json")
	produces := stringList(op["produces"], "application/json")

	var params []interface{}
	formProps := make(map[string]interface{})
	var formRequired []string

	raw, _ := op["parameters"].([]interface{})
	for _, p := range raw {
		param, ok := p.(map[string]interface{})
		if !ok {
			continue
		}
		switch param["in"] {
		case "body":
			out["requestBody"] = map[string]interface{}{
				"required": param["required"] == true,
				"content":  contentFor(consumes, rewriteRefs(param["schema"])),
			}
		case "formData":
			name, _ := param["name"].(string)
			formProps[name] = formDataSchema(param)
			if param["required"] == true {
				formRequired = append(formRequired, name)
			}
		default:
			params = append(params, convertParameter(param))
		}
	}

	if len(formProps) > 0 {
		schema := map[string]interface{}{"type": "object", "properties": formProps}
		if len(formRequired) > 0 {
			schema["required"] = formRequired
		}
		out["requestBody"] = map[string]interface{}{
			"required": len(formRequired) > 0,
			"content":  contentFor(consumes, schema),
		}
	}
	if len(params) > 0 {
		out["parameters"] = params
	}

	if responses, ok := op["responses"].(map[string]interface{}); ok {
		converted := make(map[string]interface{}, len(responses))
		for code, r := range responses {
			resp, ok := r.(map[string]interface{})
			if !ok {
				continue
			}
			entry := map[string]interface{}{"description": resp["description"]}
			if schema, ok := resp["schema"]; ok {
				entry["content"] = contentFor(produces, rewriteRefs(schema))
			}
			converted[code] = entry
		}
		out["responses"] = converted
	}
	return out
}

// convertParameter moves path, query and header type fields under schema
func convertParameter(param map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{})
	for _, field := range []string{"name", "in", "description", "required"} {
		if v, ok := param[field]; ok {
			result[field] = v
		}
	}
	schema := make(map[string]interface{})
	for _, field := range []string{"type", "format", "enum", "default", "minimum", "maximum", "items"} {
		if v, ok := param[field]; ok {
			schema[field] = rewriteRefs(v)
		}
	}
	if len(schema) > 0 {
		result["schema"] = schema
	}
	return result
}

func formDataSchema(param map[string]interface{}) map[string]interface{} {
	schema := map[string]interface{}{"type": param["type"]}
	if param["type"] == "file" {
		schema = map[string]interface{}{"type": "string", "format": "binary"}
	}
	if d, ok := param["description"]; ok {
		schema["description"] = d
	}
	return schema
}

func convertSecuritySchemes(defs map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(defs))
	for name, d := range defs {
		def, ok := d.(map[string]interface{})
		if ok && def["type"] == "apiKey" && def["name"] == echo.HeaderAuthorization {
			out[name] = map[string]interface{}{
				"type":         "http",
				"scheme":       "bearer",
				"bearerFormat": "JWT",
				"description":  def["description"],
			}
			continue
		}
		out[name] = d
	}
	return out
}

func contentFor(mediaTypes []string, schema interface{}) map[string]interface{} {
	content := make(map[string]interface{}, len(mediaTypes))
	for _, mt := range mediaTypes {
		content[mt] = map[string]interface{}{"schema": schema}
	}
	return content
}

// rewriteRefs points every $ref at components/schemas
func rewriteRefs(data interface{}) interface{} {
	switch v := data.(type) {
	case map[string]interface{}:
		result := make(map[string]interface{}, len(v))
		for key, value := range v {
			if ref, ok := value.(string); ok && key == "$ref" {
				result[key] = strings.Replace(ref, swagger2RefPrefix, openAPI3RefPrefix, 1)
				continue
			}
			result[key] = rewriteRefs(value)
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(v))
		for i, item := range v {
			result[i] = rewriteRefs(item)
		}
		return result
	default:
		return data
	}
}

func stringList(v interface{}, fallback string) []string {
	items, _ := v.([]interface{})
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return []string{fallback}
	}
	return out
}

func openAPIServers(publicURL, basePath string) []Server {
	servers := []Server{{URL: localServerURL + basePath, Description: "Local Development"}}
	if publicURL = strings.TrimRight(publicURL, "/"); publicURL != "" {
		servers = append(servers, Server{URL: publicURL + basePath, Description: "Deployed"})
	}
	return servers
}
