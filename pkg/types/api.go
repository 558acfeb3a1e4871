package types

// LaunchRequest is the body of POST /v1/models.
type LaunchRequest struct {
	// Optional handle; generated when empty.
	// example: my-llama
	ModelUID string `json:"model_uid,omitempty" example:"my-llama"`
	// example: llama-2-chat
	ModelName      string            `json:"model_name" example:"llama-2-chat"`
	SizeInBillions int               `json:"model_size_in_billions,omitempty" example:"7"`
	Format         string            `json:"model_format,omitempty" example:"gguf"`
	Quantization   string            `json:"quantization,omitempty" example:"q4_0"`
	Replicas       int               `json:"replica,omitempty" example:"1"`
	Args           map[string]string `json:"args,omitempty"`
}

// Spec converts the request into a catalog lookup.
func (r LaunchRequest) Spec() LaunchSpec {
	return LaunchSpec{
		Name:           r.ModelName,
		SizeInBillions: r.SizeInBillions,
		Format:         r.Format,
		Quantization:   r.Quantization,
		Args:           r.Args,
	}
}

// LaunchResponse is returned by POST /v1/models.
type LaunchResponse struct {
	ModelUID string `json:"model_uid"`
}

// ModelsResponse wraps GET /v1/models.
type ModelsResponse struct {
	Models []string `json:"models"`
}

// ModelResponse is returned by GET /v1/models/{uid}.
type ModelResponse struct {
	ModelUID    string           `json:"model_uid"`
	Owner       string           `json:"owner"`
	Replicas    []string         `json:"replicas"`
	Description ModelDescription `json:"description"`
}

// GenerateRequest is the body of a generate call.
type GenerateRequest struct {
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" example:"Write a haiku about the ocean."`
	GenerateOptions
}

// ChatRequest is the body of a chat call.
type ChatRequest struct {
	Prompt       string        `json:"prompt"`
	SystemPrompt string        `json:"system_prompt,omitempty"`
	ChatHistory  []ChatMessage `json:"chat_history,omitempty"`
	GenerateOptions
}

// RelayResponse is returned by a streaming call on the node RPC.
type RelayResponse struct {
	RelayID string `json:"relay_id"`
}

// NextResponse is one pull from a relay.
type NextResponse struct {
	Chunk *Chunk `json:"chunk,omitempty"`
	Done  bool   `json:"done,omitempty"`
}

// RegisterNodeRequest is the body of POST /v1/nodes.
type RegisterNodeRequest struct {
	Address string `json:"address"`
}

// NodeReport is the body of PUT /v1/nodes/status.
type NodeReport struct {
	Address string     `json:"address"`
	Status  NodeStatus `json:"status"`
}

// NodesResponse wraps GET /v1/nodes.
type NodesResponse struct {
	Nodes    []string              `json:"nodes"`
	Statuses map[string]NodeStatus `json:"statuses"`
}

// RecordVersionsRequest is the body of POST /v1/cache/versions.
type RecordVersionsRequest struct {
	ModelName string          `json:"model_name"`
	Node      string          `json:"node"`
	Versions  []VersionReport `json:"versions"`
}

// CacheStatusRequest is the body of POST /v1/cache/status.
type CacheStatusRequest struct {
	Node      string `json:"node"`
	ModelName string `json:"model_name"`
	// Empty for version-less model types.
	Version string `json:"model_version,omitempty"`
	Path    string `json:"path"`
}

// RegisterModelRequest is the body of a model registration.
type RegisterModelRequest struct {
	Family  ModelFamily `json:"model"`
	Persist bool        `json:"persist"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// example: model not found: m1
	Error string `json:"error" example:"model not found: m1"`
	// example: 404
	Code int `json:"code" example:"404"`
	// Error kind, used by RPC clients to rebuild typed errors.
	// example: not_found
	Kind string `json:"kind,omitempty" example:"not_found"`
}
