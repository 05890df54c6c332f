package taskorchestrator

import (
	"reflect"

	"github.com/c360studio/semstreams/service"

	"github.com/c360studio/agentfleet/fleet"
)

func init() {
	service.RegisterOpenAPISpec("task-orchestrator", orchestratorOpenAPISpec())
}

// OpenAPISpec implements the OpenAPIProvider interface.
func (c *Component) OpenAPISpec() *service.OpenAPISpec {
	return orchestratorOpenAPISpec()
}

// orchestratorOpenAPISpec returns the OpenAPI specification for run endpoints.
func orchestratorOpenAPISpec() *service.OpenAPISpec {
	taskIDParam := service.ParameterSpec{
		Name:        "taskId",
		In:          "path",
		Required:    true,
		Description: "Task identifier",
		Schema:      service.Schema{Type: "string"},
	}

	return &service.OpenAPISpec{
		Tags: []service.TagSpec{
			{Name: "Runs", Description: "Task execution - initiate runs on fleet nodes, cancel them, and inspect execution progress"},
		},
		Paths: map[string]service.PathSpec{
			"/task-orchestrator/runs/{taskId}": {
				POST: &service.OperationSpec{
					Summary:     "Start run",
					Description: "Claims a ready, unblocked task and starts executing it on a fleet node; returns once the task is delegated while workspace setup continues in the background",
					Tags:        []string{"Runs"},
					Parameters:  []service.ParameterSpec{taskIDParam},
					Responses: map[string]service.ResponseSpec{
						"202": {
							Description: "Run accepted; task returned in delegated status",
							ContentType: "application/json",
							SchemaRef:   "#/components/schemas/Task",
						},
						"404": {Description: "Task not found"},
						"409": {Description: "Task not ready, blocked by dependencies, or requested node unavailable"},
						"429": {Description: "Per-user node cap reached"},
					},
				},
			},
			"/task-orchestrator/runs/{taskId}/cancel": {
				POST: &service.OperationSpec{
					Summary:     "Cancel run",
					Description: "Cancels the task and tears down its run resources best-effort",
					Tags:        []string{"Runs"},
					Parameters:  []service.ParameterSpec{taskIDParam},
					Responses: map[string]service.ResponseSpec{
						"200": {
							Description: "Task returned in cancelled status",
							ContentType: "application/json",
							SchemaRef:   "#/components/schemas/Task",
						},
						"404": {Description: "Task not found"},
						"409": {Description: "Task cannot be cancelled from its current status"},
					},
				},
			},
			"/task-orchestrator/runs/{taskId}/status": {
				GET: &service.OperationSpec{
					Summary:     "Get run status",
					Description: "Returns the execution record for the task's current or most recent run",
					Tags:        []string{"Runs"},
					Parameters:  []service.ParameterSpec{taskIDParam},
					Responses: map[string]service.ResponseSpec{
						"200": {
							Description: "Execution record with the last reported step",
							ContentType: "application/json",
							SchemaRef:   "#/components/schemas/ExecutionRecord",
						},
						"404": {Description: "No execution record for task"},
					},
				},
			},
		},
		ResponseTypes: []reflect.Type{
			reflect.TypeOf(fleet.Task{}),
			reflect.TypeOf(fleet.OutputRef{}),
			reflect.TypeOf(fleet.ExecutionRecord{}),
			reflect.TypeOf(StartRunRequest{}),
			reflect.TypeOf(CancelRunRequest{}),
		},
	}
}
