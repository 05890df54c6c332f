package fleetapi

import (
	"reflect"

	"github.com/c360studio/semstreams/service"

	"github.com/c360studio/agentfleet/fleet"
)

func init() {
	service.RegisterOpenAPISpec("fleet-api", fleetAPIOpenAPISpec())
}

// OpenAPISpec implements the OpenAPIProvider interface.
func (c *Component) OpenAPISpec() *service.OpenAPISpec {
	return fleetAPIOpenAPISpec()
}

// fleetAPIOpenAPISpec returns the OpenAPI specification for fleet-api endpoints.
func fleetAPIOpenAPISpec() *service.OpenAPISpec {
	taskIDParam := service.ParameterSpec{
		Name:        "taskId",
		In:          "path",
		Required:    true,
		Description: "Task identifier",
		Schema:      service.Schema{Type: "string"},
	}
	nodeIDParam := service.ParameterSpec{
		Name:        "nodeId",
		In:          "path",
		Required:    true,
		Description: "Node identifier",
		Schema:      service.Schema{Type: "string"},
	}
	workspaceIDParam := service.ParameterSpec{
		Name:        "workspaceId",
		In:          "path",
		Required:    true,
		Description: "Workspace identifier",
		Schema:      service.Schema{Type: "string"},
	}
	projectQuery := service.ParameterSpec{
		Name:        "project_id",
		In:          "query",
		Description: "Filter by project",
		Schema:      service.Schema{Type: "string"},
	}
	userQuery := service.ParameterSpec{
		Name:        "user_id",
		In:          "query",
		Description: "Filter by owning user",
		Schema:      service.Schema{Type: "string"},
	}
	statusQuery := service.ParameterSpec{
		Name:        "status",
		In:          "query",
		Description: "Filter by status",
		Schema:      service.Schema{Type: "string"},
	}

	return &service.OpenAPISpec{
		Tags: []service.TagSpec{
			{Name: "Tasks", Description: "Task lifecycle - creation, status transitions, dependencies, and deletion"},
			{Name: "Nodes", Description: "Fleet node registration, health heartbeats, and teardown"},
			{Name: "Workspaces", Description: "Read-only views of workspaces and their agent sessions"},
			{Name: "Observability", Description: "Metrics and operational introspection"},
		},
		Paths: map[string]service.PathSpec{
			"/fleet-api/tasks": {
				GET: &service.OperationSpec{
					Summary:     "List tasks",
					Description: "Returns tasks filtered by project, user, or status",
					Tags:        []string{"Tasks"},
					Parameters:  []service.ParameterSpec{projectQuery, userQuery, statusQuery},
					Responses: map[string]service.ResponseSpec{
						"200": {
							Description: "Array of tasks",
							ContentType: "application/json",
							SchemaRef:   "#/components/schemas/Task",
							IsArray:     true,
						},
						"400": {Description: "Unknown status filter"},
					},
				},
				POST: &service.OperationSpec{
					Summary:     "Create task",
					Description: "Creates a draft task; scope patterns are validated as glob patterns and the per-project task cap is enforced",
					Tags:        []string{"Tasks"},
					Responses: map[string]service.ResponseSpec{
						"201": {
							Description: "Task created in draft status",
							ContentType: "application/json",
							SchemaRef:   "#/components/schemas/Task",
						},
						"400": {Description: "Missing required fields or invalid scope pattern"},
						"429": {Description: "Project task cap reached"},
					},
				},
			},
			"/fleet-api/tasks/blocked": {
				GET: &service.OperationSpec{
					Summary:     "List blocked tasks",
					Description: "Returns the IDs of tasks in a project blocked by incomplete dependencies",
					Tags:        []string{"Tasks"},
					Parameters: []service.ParameterSpec{
						{Name: "project_id", In: "query", Required: true, Description: "Project to scan", Schema: service.Schema{Type: "string"}},
					},
					Responses: map[string]service.ResponseSpec{
						"200": {
							Description: "Blocked task IDs for the project",
							ContentType: "application/json",
							SchemaRef:   "#/components/schemas/BlockedTasksResponse",
						},
						"400": {Description: "project_id is required"},
					},
				},
			},
			"/fleet-api/tasks/{taskId}": {
				GET: &service.OperationSpec{
					Summary:     "Get task",
					Description: "Returns a single task by ID",
					Tags:        []string{"Tasks"},
					Parameters:  []service.ParameterSpec{taskIDParam},
					Responses: map[string]service.ResponseSpec{
						"200": {
							Description: "Task details",
							ContentType: "application/json",
							SchemaRef:   "#/components/schemas/Task",
						},
						"404": {Description: "Task not found"},
					},
				},
				DELETE: &service.OperationSpec{
					Summary:     "Delete task",
					Description: "Permanently deletes a task; rejected while the task is executing",
					Tags:        []string{"Tasks"},
					Parameters:  []service.ParameterSpec{taskIDParam},
					Responses: map[string]service.ResponseSpec{
						"200": {
							Description: "Task deleted",
							ContentType: "application/json",
							SchemaRef:   "#/components/schemas/DeleteTaskResponse",
						},
						"404": {Description: "Task not found"},
						"409": {Description: "Task is executing; cancel the run first"},
					},
				},
			},
			"/fleet-api/tasks/{taskId}/status": {
				POST: &service.OperationSpec{
					Summary:     "Transition task status",
					Description: "Moves the task to a new status; transitions outside the allowed table are rejected",
					Tags:        []string{"Tasks"},
					Parameters:  []service.ParameterSpec{taskIDParam},
					Responses: map[string]service.ResponseSpec{
						"200": {
							Description: "Task with updated status",
							ContentType: "application/json",
							SchemaRef:   "#/components/schemas/Task",
						},
						"400": {Description: "Unknown status"},
						"404": {Description: "Task not found"},
						"409": {Description: "Transition not allowed from the current status"},
					},
				},
			},
			"/fleet-api/tasks/{taskId}/dependencies": {
				GET: &service.OperationSpec{
					Summary:     "List dependencies",
					Description: "Returns the task's dependency edges with each dependency's status and the overall blocked flag",
					Tags:        []string{"Tasks"},
					Parameters:  []service.ParameterSpec{taskIDParam},
					Responses: map[string]service.ResponseSpec{
						"200": {
							Description: "Dependency edges and blocked flag",
							ContentType: "application/json",
							SchemaRef:   "#/components/schemas/DependenciesResponse",
						},
						"404": {Description: "Task not found"},
					},
				},
				POST: &service.OperationSpec{
					Summary:     "Add dependency",
					Description: "Adds a depends-on edge between two tasks of the same project; edges that would create a cycle are rejected",
					Tags:        []string{"Tasks"},
					Parameters:  []service.ParameterSpec{taskIDParam},
					Responses: map[string]service.ResponseSpec{
						"201": {
							Description: "Dependency created",
							ContentType: "application/json",
							SchemaRef:   "#/components/schemas/TaskDependency",
						},
						"400": {Description: "Cycle, self-dependency, or cross-project edge"},
						"404": {Description: "Task or dependency task not found"},
						"409": {Description: "Dependency already exists"},
					},
				},
			},
			"/fleet-api/tasks/{taskId}/dependencies/{depId}": {
				DELETE: &service.OperationSpec{
					Summary:     "Remove dependency",
					Description: "Removes a depends-on edge",
					Tags:        []string{"Tasks"},
					Parameters: []service.ParameterSpec{
						taskIDParam,
						{Name: "depId", In: "path", Required: true, Description: "Dependency task identifier", Schema: service.Schema{Type: "string"}},
					},
					Responses: map[string]service.ResponseSpec{
						"200": {
							Description: "Dependency removed",
							ContentType: "application/json",
							SchemaRef:   "#/components/schemas/RemoveDependencyResponse",
						},
						"404": {Description: "Dependency not found"},
					},
				},
			},
			"/fleet-api/nodes": {
				GET: &service.OperationSpec{
					Summary:     "List nodes",
					Description: "Returns fleet nodes with derived health, filtered by user or status",
					Tags:        []string{"Nodes"},
					Parameters:  []service.ParameterSpec{userQuery, statusQuery},
					Responses: map[string]service.ResponseSpec{
						"200": {
							Description: "Array of nodes with health",
							ContentType: "application/json",
							SchemaRef:   "#/components/schemas/NodeResponse",
							IsArray:     true,
						},
						"400": {Description: "Unknown status filter"},
					},
				},
				POST: &service.OperationSpec{
					Summary:     "Register node",
					Description: "Registers a user-managed node; it turns running when its agent reports the first heartbeat",
					Tags:        []string{"Nodes"},
					Responses: map[string]service.ResponseSpec{
						"201": {
							Description: "Node registered in creating status",
							ContentType: "application/json",
							SchemaRef:   "#/components/schemas/NodeResponse",
						},
						"400": {Description: "Missing user_id or name"},
					},
				},
			},
			"/fleet-api/nodes/{nodeId}": {
				GET: &service.OperationSpec{
					Summary:     "Get node",
					Description: "Returns a single node with derived health",
					Tags:        []string{"Nodes"},
					Parameters:  []service.ParameterSpec{nodeIDParam},
					Responses: map[string]service.ResponseSpec{
						"200": {
							Description: "Node with health",
							ContentType: "application/json",
							SchemaRef:   "#/components/schemas/NodeResponse",
						},
						"404": {Description: "Node not found"},
					},
				},
				DELETE: &service.OperationSpec{
					Summary:     "Delete node",
					Description: "Deletes a node record; rejected while the node has active workspaces or is a running auto-provisioned node",
					Tags:        []string{"Nodes"},
					Parameters:  []service.ParameterSpec{nodeIDParam},
					Responses: map[string]service.ResponseSpec{
						"200": {
							Description: "Node deleted",
							ContentType: "application/json",
							SchemaRef:   "#/components/schemas/DeleteNodeResponse",
						},
						"404": {Description: "Node not found"},
						"409": {Description: "Node has active workspaces or is managed by the lifecycle sweeper"},
					},
				},
			},
			"/fleet-api/nodes/{nodeId}/heartbeat": {
				POST: &service.OperationSpec{
					Summary:     "Record heartbeat",
					Description: "Records agent-reported utilization and liveness; the first heartbeat moves a creating node to running",
					Tags:        []string{"Nodes"},
					Parameters:  []service.ParameterSpec{nodeIDParam},
					Responses: map[string]service.ResponseSpec{
						"200": {
							Description: "Node with updated metrics and health",
							ContentType: "application/json",
							SchemaRef:   "#/components/schemas/NodeResponse",
						},
						"400": {Description: "Utilization values out of range"},
						"404": {Description: "Node not found"},
						"409": {Description: "Node is stopped or errored"},
					},
				},
			},
			"/fleet-api/workspaces": {
				GET: &service.OperationSpec{
					Summary:     "List workspaces",
					Description: "Returns workspaces filtered by node, task, or status",
					Tags:        []string{"Workspaces"},
					Parameters: []service.ParameterSpec{
						{Name: "node_id", In: "query", Description: "Filter by node", Schema: service.Schema{Type: "string"}},
						{Name: "task_id", In: "query", Description: "Filter by task", Schema: service.Schema{Type: "string"}},
						statusQuery,
					},
					Responses: map[string]service.ResponseSpec{
						"200": {
							Description: "Array of workspaces",
							ContentType: "application/json",
							SchemaRef:   "#/components/schemas/Workspace",
							IsArray:     true,
						},
						"400": {Description: "Unknown status filter"},
					},
				},
			},
			"/fleet-api/workspaces/{workspaceId}": {
				GET: &service.OperationSpec{
					Summary:     "Get workspace",
					Description: "Returns a single workspace by ID",
					Tags:        []string{"Workspaces"},
					Parameters:  []service.ParameterSpec{workspaceIDParam},
					Responses: map[string]service.ResponseSpec{
						"200": {
							Description: "Workspace details",
							ContentType: "application/json",
							SchemaRef:   "#/components/schemas/Workspace",
						},
						"404": {Description: "Workspace not found"},
					},
				},
			},
			"/fleet-api/workspaces/{workspaceId}/sessions": {
				GET: &service.OperationSpec{
					Summary:     "List workspace sessions",
					Description: "Returns the agent sessions that ran in the workspace",
					Tags:        []string{"Workspaces"},
					Parameters:  []service.ParameterSpec{workspaceIDParam},
					Responses: map[string]service.ResponseSpec{
						"200": {
							Description: "Array of agent sessions",
							ContentType: "application/json",
							SchemaRef:   "#/components/schemas/AgentSession",
							IsArray:     true,
						},
						"404": {Description: "Workspace not found"},
					},
				},
			},
			"/fleet-api/metrics": {
				GET: &service.OperationSpec{
					Summary:     "Prometheus metrics",
					Description: "Exposes request, transition, and heartbeat counters in Prometheus text format",
					Tags:        []string{"Observability"},
					Responses: map[string]service.ResponseSpec{
						"200": {Description: "Metrics in Prometheus exposition format", ContentType: "text/plain"},
					},
				},
			},
		},
		ResponseTypes: []reflect.Type{
			reflect.TypeOf(fleet.Task{}),
			reflect.TypeOf(fleet.OutputRef{}),
			reflect.TypeOf(fleet.TaskDependency{}),
			reflect.TypeOf(fleet.Workspace{}),
			reflect.TypeOf(fleet.AgentSession{}),
			reflect.TypeOf(fleet.NodeMetrics{}),
			reflect.TypeOf(CreateTaskRequest{}),
			reflect.TypeOf(TransitionTaskRequest{}),
			reflect.TypeOf(DeleteTaskResponse{}),
			reflect.TypeOf(AddDependencyRequest{}),
			reflect.TypeOf(DependencyEdge{}),
			reflect.TypeOf(DependenciesResponse{}),
			reflect.TypeOf(RemoveDependencyResponse{}),
			reflect.TypeOf(BlockedTasksResponse{}),
			reflect.TypeOf(RegisterNodeRequest{}),
			reflect.TypeOf(NodeResponse{}),
			reflect.TypeOf(HeartbeatRequest{}),
			reflect.TypeOf(DeleteNodeResponse{}),
		},
	}
}
