// Package main generates the combined OpenAPI 3.0 specification for the
// agentfleet HTTP surface. Components register their path specs in init();
// importing them here is what makes those registrations visible.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	// Blank imports trigger init() registration of each component's OpenAPI spec.
	_ "github.com/c360studio/agentfleet/processor/fleet-api"
	_ "github.com/c360studio/agentfleet/processor/task-orchestrator"

	"github.com/c360studio/semstreams/service"
	"gopkg.in/yaml.v3"
)

func main() {
	out := flag.String("o", "./specs/openapi.v3.yaml", "output path for the OpenAPI spec")
	title := flag.String("title", "Agentfleet API", "API title")
	serverURL := flag.String("server", "http://localhost:8080", "server URL listed in the spec")
	flag.Parse()

	specs := service.GetAllOpenAPISpecs()
	log.Printf("Collected %d component spec(s)", len(specs))
	for name := range specs {
		log.Printf("  - %s", name)
	}

	doc := buildDocument(*title, *serverURL, specs)

	if err := os.MkdirAll(filepath.Dir(*out), 0755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}
	if err := writeSpec(*out, doc); err != nil {
		log.Fatalf("Failed to write OpenAPI spec: %v", err)
	}
	log.Printf("Wrote %s", *out)
}

// --- OpenAPI 3.0 document model ---

type document struct {
	OpenAPI    string              `yaml:"openapi"`
	Info       info                `yaml:"info"`
	Servers    []server            `yaml:"servers"`
	Paths      map[string]pathItem `yaml:"paths"`
	Components components          `yaml:"components"`
	Tags       []tag               `yaml:"tags"`
}

type info struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Version     string `yaml:"version"`
}

type server struct {
	URL         string `yaml:"url"`
	Description string `yaml:"description"`
}

type components struct {
	Schemas map[string]any `yaml:"schemas"`
}

type tag struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type pathItem struct {
	Get    *operation `yaml:"get,omitempty"`
	Post   *operation `yaml:"post,omitempty"`
	Put    *operation `yaml:"put,omitempty"`
	Delete *operation `yaml:"delete,omitempty"`
}

type operation struct {
	Summary     string              `yaml:"summary"`
	Description string              `yaml:"description,omitempty"`
	Tags        []string            `yaml:"tags,omitempty"`
	Parameters  []parameter         `yaml:"parameters,omitempty"`
	Responses   map[string]response `yaml:"responses"`
}

type parameter struct {
	Name        string    `yaml:"name"`
	In          string    `yaml:"in"`
	Required    bool      `yaml:"required,omitempty"`
	Description string    `yaml:"description,omitempty"`
	Schema      schemaRef `yaml:"schema"`
}

type response struct {
	Description string               `yaml:"description"`
	Content     map[string]mediaType `yaml:"content,omitempty"`
}

type mediaType struct {
	Schema schemaRef `yaml:"schema"`
}

type schemaRef struct {
	Ref   string     `yaml:"$ref,omitempty"`
	Type  string     `yaml:"type,omitempty"`
	Items *schemaRef `yaml:"items,omitempty"`
}

// --- assembly ---

func buildDocument(title, serverURL string, specs map[string]*service.OpenAPISpec) document {
	return document{
		OpenAPI: "3.0.3",
		Info: info{
			Title:       title,
			Description: "HTTP API for the agentfleet task execution orchestrator - task lifecycle, dependency management, fleet node registration, and run control",
			Version:     "1.0.0",
		},
		Servers: []server{
			{URL: serverURL, Description: "Development server"},
		},
		Paths:      collectPaths(specs),
		Components: components{Schemas: collectSchemas(specs)},
		Tags:       collectTags(specs),
	}
}

func collectPaths(specs map[string]*service.OpenAPISpec) map[string]pathItem {
	paths := make(map[string]pathItem)
	for _, name := range sortedNames(specs) {
		for path, ps := range specs[name].Paths {
			item := pathItem{}
			if ps.GET != nil {
				item.Get = convertOperation(ps.GET)
			}
			if ps.POST != nil {
				item.Post = convertOperation(ps.POST)
			}
			if ps.PUT != nil {
				item.Put = convertOperation(ps.PUT)
			}
			if ps.DELETE != nil {
				item.Delete = convertOperation(ps.DELETE)
			}
			paths[path] = item
		}
	}
	return paths
}

func convertOperation(op *service.OperationSpec) *operation {
	conv := &operation{
		Summary:     op.Summary,
		Description: op.Description,
		Tags:        op.Tags,
		Responses:   make(map[string]response),
	}

	for _, p := range op.Parameters {
		conv.Parameters = append(conv.Parameters, parameter{
			Name:        p.Name,
			In:          p.In,
			Required:    p.Required,
			Description: p.Description,
			Schema:      schemaRef{Type: p.Schema.Type},
		})
	}

	for code, rs := range op.Responses {
		conv.Responses[code] = convertResponse(rs)
	}
	return conv
}

func convertResponse(rs service.ResponseSpec) response {
	conv := response{Description: rs.Description}

	if rs.SchemaRef != "" {
		contentType := rs.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		ref := schemaRef{Ref: rs.SchemaRef}
		if rs.IsArray {
			ref = schemaRef{Type: "array", Items: &schemaRef{Ref: rs.SchemaRef}}
		}
		conv.Content = map[string]mediaType{contentType: {Schema: ref}}
		return conv
	}

	if rs.ContentType != "" && rs.ContentType != "text/event-stream" {
		conv.Content = map[string]mediaType{
			rs.ContentType: {Schema: schemaRef{Type: "object"}},
		}
	}
	return conv
}

func collectTags(specs map[string]*service.OpenAPISpec) []tag {
	byName := make(map[string]tag)
	for _, spec := range specs {
		for _, t := range spec.Tags {
			if _, seen := byName[t.Name]; !seen {
				byName[t.Name] = tag{Name: t.Name, Description: t.Description}
			}
		}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	tags := make([]tag, 0, len(names))
	for _, name := range names {
		tags = append(tags, byName[name])
	}
	return tags
}

func collectSchemas(specs map[string]*service.OpenAPISpec) map[string]any {
	schemas := make(map[string]any)
	seen := make(map[reflect.Type]bool)

	for _, name := range sortedNames(specs) {
		for _, t := range specs[name].ResponseTypes {
			if t.Kind() == reflect.Ptr {
				t = t.Elem()
			}
			if seen[t] {
				continue
			}
			seen[t] = true
			schemas[typeName(t)] = schemaFor(t)
		}
	}
	return schemas
}

func sortedNames(specs map[string]*service.OpenAPISpec) []string {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// --- reflection-driven schema generation ---

var (
	timeType     = reflect.TypeOf(time.Time{})
	durationType = reflect.TypeOf(time.Duration(0))
)

// schemaFor generates a JSON Schema fragment for a Go type.
func schemaFor(t reflect.Type) map[string]any {
	if t.Kind() == reflect.Ptr {
		schema := schemaFor(t.Elem())
		schema["nullable"] = true
		return schema
	}

	switch {
	case t == timeType:
		return map[string]any{"type": "string", "format": "date-time"}
	case t == durationType:
		return map[string]any{"type": "integer", "description": "duration in nanoseconds"}
	}

	switch t.Kind() {
	case reflect.String:
		return map[string]any{"type": "string"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return map[string]any{"type": "integer"}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]any{"type": "integer", "minimum": 0}
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Struct:
		return structSchema(t)
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return map[string]any{"type": "string", "format": "byte"}
		}
		return map[string]any{"type": "array", "items": schemaFor(t.Elem())}
	case reflect.Map:
		return map[string]any{"type": "object", "additionalProperties": schemaFor(t.Elem())}
	case reflect.Interface:
		return map[string]any{}
	default:
		return map[string]any{"type": "string"}
	}
}

// structSchema builds an object schema from struct fields. Anonymous embedded
// structs are flattened into the parent, matching encoding/json promotion.
func structSchema(t reflect.Type) map[string]any {
	properties := make(map[string]any)
	var required []string
	collectFields(t, properties, &required)

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sort.Strings(required)
		schema["required"] = required
	}
	return schema
}

func collectFields(t reflect.Type, properties map[string]any, required *[]string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}
		name, opts := splitJSONTag(jsonTag)

		// Untagged embedded structs promote their fields.
		if field.Anonymous && name == "" {
			embedded := field.Type
			if embedded.Kind() == reflect.Ptr {
				embedded = embedded.Elem()
			}
			if embedded.Kind() == reflect.Struct && embedded != timeType {
				collectFields(embedded, properties, required)
				continue
			}
		}

		if name == "" {
			name = field.Name
		}

		fieldSchema := schemaFor(field.Type)
		if desc := field.Tag.Get("description"); desc != "" {
			fieldSchema["description"] = desc
		}
		properties[name] = fieldSchema

		if !strings.Contains(opts, "omitempty") && field.Type.Kind() != reflect.Ptr {
			*required = append(*required, name)
		}
	}
}

func splitJSONTag(tag string) (name, opts string) {
	if tag == "" {
		return "", ""
	}
	parts := strings.SplitN(tag, ",", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

func typeName(t reflect.Type) string {
	name := t.Name()
	if name == "" {
		name = t.String()
	}
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}

// --- output ---

func writeSpec(path string, doc document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}

	header := "# OpenAPI 3.0 specification for the Agentfleet API\n" +
		"# Generated by openapi-generator - do not edit manually\n\n"

	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
