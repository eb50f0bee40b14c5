package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	openapi3 "github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3gen"

	"github.com/ccheshirecat/hostagent/internal/server/hostagent/events"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/executor"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/pool"
)

// serveOpenAPI returns an OpenAPI v3 JSON document generated from server types.
func (api *apiServer) serveOpenAPI(w http.ResponseWriter, r *http.Request) {
	baseURL := ""
	if r != nil && r.Host != "" {
		scheme := "http"
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, r.Host)
	}

	spec, err := BuildOpenAPISpec(baseURL)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to build openapi: %v", err), http.StatusInternalServerError)
		return
	}
	data, err := json.Marshal(spec)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to marshal openapi: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type opDef struct {
	path, method, id, summary, tag string
	params                         openapi3.Parameters
	body                           *openapi3.SchemaRef
	responses                      map[int]respDef
}

type respDef struct {
	desc   string
	schema *openapi3.SchemaRef
	media  string
}

// BuildOpenAPISpec constructs the OpenAPI document. If baseURL is non-empty,
// it is set as the server URL.
func BuildOpenAPISpec(baseURL string) (*openapi3.T, error) {
	spec := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       "Host Agent REST API",
			Version:     "v1",
			Description: "Orchestrator-facing interface of the hypervisor host agent.",
		},
		Servers:    openapi3.Servers{},
		Paths:      openapi3.NewPaths(),
		Components: &openapi3.Components{Schemas: openapi3.Schemas{}},
	}
	if baseURL != "" {
		spec.Servers = append(spec.Servers, &openapi3.Server{URL: baseURL})
	}

	gen := openapi3gen.NewGenerator(
		openapi3gen.CreateComponentSchemas(openapi3gen.ExportComponentSchemasOptions{
			ExportComponentSchemas: true,
			ExportTopLevelSchema:   false,
			ExportGenerics:         true,
		}),
	)
	schemas := spec.Components.Schemas
	ref := func(v any) (*openapi3.SchemaRef, error) {
		r, err := gen.NewSchemaRefForValue(v, schemas)
		if err != nil {
			return nil, fmt.Errorf("openapi schema for %T: %w", v, err)
		}
		return r, nil
	}

	var (
		vmSpecRef, resultRef, startResultRef, migrateReqRef *openapi3.SchemaRef
		vmStateRef, statusRef, poolRecordRef, repoRef       *openapi3.SchemaRef
		commandRef, vmEventRef, poolEventRef                *openapi3.SchemaRef
	)
	for _, item := range []struct {
		dst **openapi3.SchemaRef
		v   any
	}{
		{&vmSpecRef, &executor.VMSpec{}},
		{&resultRef, &executor.Result{}},
		{&startResultRef, &executor.StartResult{}},
		{&migrateReqRef, &MigrateRequest{}},
		{&vmStateRef, &VMStateResponse{}},
		{&statusRef, &StatusResponse{}},
		{&poolRecordRef, &pool.Record{}},
		{&repoRef, &pool.Repository{}},
		{&commandRef, &CommandResponse{}},
		{&vmEventRef, &events.VMEvent{}},
		{&poolEventRef, &events.PoolEvent{}},
	} {
		r, err := ref(item.v)
		if err != nil {
			return nil, err
		}
		*item.dst = r
	}

	errorSchema := openapi3.NewSchemaRef("", &openapi3.Schema{
		Type: &openapi3.Types{openapi3.TypeObject},
		Properties: map[string]*openapi3.SchemaRef{
			"error": openapi3.NewSchemaRef("", openapi3.NewStringSchema()),
		},
	})
	schemas["Error"] = errorSchema
	arrayOf := func(item *openapi3.SchemaRef) *openapi3.SchemaRef {
		return openapi3.NewSchemaRef("", &openapi3.Schema{Type: &openapi3.Types{openapi3.TypeArray}, Items: item})
	}
	healthSchema := openapi3.NewObjectSchema()
	healthSchema.Properties = map[string]*openapi3.SchemaRef{
		"status": openapi3.NewSchemaRef("", openapi3.NewStringSchema()),
	}

	nameParam := &openapi3.ParameterRef{Value: &openapi3.Parameter{Name: "name", In: openapi3.ParameterInPath, Required: true, Schema: openapi3.NewSchemaRef("", openapi3.NewStringSchema())}}
	vmQuery := &openapi3.ParameterRef{Value: &openapi3.Parameter{Name: "vm", In: openapi3.ParameterInQuery, Schema: openapi3.NewSchemaRef("", openapi3.NewStringSchema())}}
	limitQuery := &openapi3.ParameterRef{Value: &openapi3.Parameter{Name: "limit", In: openapi3.ParameterInQuery, Schema: openapi3.NewSchemaRef("", openapi3.NewIntegerSchema())}}

	badRequest := respDef{desc: "Bad request", schema: errorSchema}
	ops := []opDef{
		{path: "/healthz", method: http.MethodGet, id: "getHealth", summary: "Health check", tag: "health",
			responses: map[int]respDef{200: {desc: "Service is healthy", schema: openapi3.NewSchemaRef("", healthSchema)}}},
		{path: "/api/v1/status", method: http.MethodGet, id: "pollStatus", summary: "Run a reconcile pass and drain pending state changes", tag: "status",
			responses: map[int]respDef{200: {desc: "Changes since the previous poll", schema: statusRef}, 502: {desc: "Hypervisor listing failed", schema: errorSchema}}},
		{path: "/api/v1/vms", method: http.MethodGet, id: "listVMs", summary: "List tracked VMs", tag: "vm",
			responses: map[int]respDef{200: {desc: "State store snapshot", schema: arrayOf(vmStateRef)}}},
		{path: "/api/v1/vms", method: http.MethodPost, id: "startVM", summary: "Start a VM", tag: "vm", body: vmSpecRef,
			responses: map[int]respDef{200: {desc: "Command result", schema: startResultRef}, 400: badRequest}},
		{path: "/api/v1/vms/{name}", method: http.MethodGet, id: "getVM", summary: "Fetch the state of one VM", tag: "vm", params: openapi3.Parameters{nameParam},
			responses: map[int]respDef{200: {desc: "VM state", schema: vmStateRef}, 404: {desc: "Not tracked", schema: errorSchema}}},
		{path: "/api/v1/vms/{name}/stop", method: http.MethodPost, id: "stopVM", summary: "Stop a VM", tag: "vm", params: openapi3.Parameters{nameParam},
			responses: map[int]respDef{200: {desc: "Command result", schema: resultRef}}},
		{path: "/api/v1/vms/{name}/reboot", method: http.MethodPost, id: "rebootVM", summary: "Reboot a VM", tag: "vm", params: openapi3.Parameters{nameParam},
			responses: map[int]respDef{200: {desc: "Command result", schema: startResultRef}}},
		{path: "/api/v1/vms/{name}/migrate", method: http.MethodPost, id: "migrateVM", summary: "Live-migrate a VM to another pool member", tag: "migration", params: openapi3.Parameters{nameParam}, body: migrateReqRef,
			responses: map[int]respDef{200: {desc: "Command result", schema: resultRef}, 400: badRequest}},
		{path: "/api/v1/migrations", method: http.MethodPost, id: "prepareForMigration", summary: "Prepare this host to receive a VM", tag: "migration", body: vmSpecRef,
			responses: map[int]respDef{200: {desc: "Command result", schema: resultRef}, 400: badRequest}},
		{path: "/api/v1/pool", method: http.MethodGet, id: "getPool", summary: "Current pool record", tag: "pool",
			responses: map[int]respDef{200: {desc: "Pool record", schema: poolRecordRef}}},
		{path: "/api/v1/pool/setup", method: http.MethodPost, id: "setupPool", summary: "Claim ownership, check mastership and join or create the pool", tag: "pool", body: repoRef,
			responses: map[int]respDef{200: {desc: "Pool record", schema: poolRecordRef}, 400: {desc: "Configuration error", schema: errorSchema}, 502: {desc: "Hypervisor failure", schema: errorSchema}}},
		{path: "/api/v1/journal/commands", method: http.MethodGet, id: "recentCommands", summary: "Recent command outcomes", tag: "journal", params: openapi3.Parameters{vmQuery, limitQuery},
			responses: map[int]respDef{200: {desc: "Newest first", schema: arrayOf(commandRef)}, 400: badRequest, 503: {desc: "Journal disabled", schema: errorSchema}}},
		{path: "/api/v1/events/vms", method: http.MethodGet, id: "streamVMEvents", summary: "Stream VM events (SSE)", tag: "events",
			responses: map[int]respDef{200: {desc: "SSE stream of VM events", schema: vmEventRef, media: "text/event-stream"}}},
		{path: "/ws/v1/events", method: http.MethodGet, id: "eventsWebSocket", summary: "Stream VM and pool events over a WebSocket", tag: "events",
			responses: map[int]respDef{101: {desc: "Switching protocols; frames carry VM or pool events", schema: openapi3.NewSchemaRef("", &openapi3.Schema{OneOf: openapi3.SchemaRefs{vmEventRef, poolEventRef}})}}},
	}

	for _, def := range ops {
		op := openapi3.NewOperation()
		op.OperationID = def.id
		op.Summary = def.summary
		op.Tags = []string{def.tag}
		op.Parameters = def.params
		if def.body != nil {
			op.RequestBody = &openapi3.RequestBodyRef{Value: &openapi3.RequestBody{Required: true, Content: openapi3.NewContentWithJSONSchemaRef(def.body)}}
		}
		op.Responses = openapi3.NewResponses()
		for code, r := range def.responses {
			resp := openapi3.NewResponse().WithDescription(r.desc)
			if r.media != "" {
				resp.Content = openapi3.Content{r.media: &openapi3.MediaType{Schema: r.schema}}
			} else {
				resp.Content = openapi3.NewContentWithJSONSchemaRef(r.schema)
			}
			op.Responses.Set(fmt.Sprint(code), &openapi3.ResponseRef{Value: resp})
		}
		spec.AddOperation(def.path, def.method, op)
	}

	return spec, nil
}
