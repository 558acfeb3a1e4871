package types

// Ability names one inference entry point a backend supports.
type Ability string

const (
	AbilityGenerate Ability = "generate"
	AbilityChat     Ability = "chat"
)

// Chat roles accepted in a chat history.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn of a chat history.
type ChatMessage struct {
	Role    string `json:"role" example:"user"`
	Content string `json:"content" example:"Hello!"`
}

// GenerateOptions are the caller-supplied generation parameters. They are
// opaque to the scheduler except for Stream and MaxTokens.
type GenerateOptions struct {
	// If true, results are delivered chunk by chunk.
	// example: true
	Stream bool `json:"stream,omitempty" example:"true"`
	// Maximum number of new tokens to generate (0 = backend default).
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
	// Sampling temperature.
	// example: 0.7
	Temperature float64 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float64 `json:"top_p,omitempty" example:"0.9"`
	// Top-K sampling.
	// example: 40
	TopK int `json:"top_k,omitempty" example:"40"`
	// Stop sequences.
	Stop []string `json:"stop,omitempty"`
	// Random seed; 0 lets the backend choose.
	Seed int64 `json:"seed,omitempty"`
	// Repeat penalty applied by llama backends.
	RepeatPenalty float64 `json:"repeat_penalty,omitempty"`
}

// Usage contains token accounting for a request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Chunk is one unit of output. Non-streaming calls receive exactly one chunk
// holding the whole completion.
type Chunk struct {
	ID           string `json:"id"`
	Model        string `json:"model,omitempty"`
	Index        int    `json:"index"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

// PromptStyle describes how a chat family lays out a conversation.
type PromptStyle struct {
	SystemPrompt  string   `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Roles         []string `json:"roles,omitempty" yaml:"roles,omitempty"`
	Intra         string   `json:"intra_message_sep,omitempty" yaml:"intra_message_sep,omitempty"`
	Inter         string   `json:"inter_message_sep,omitempty" yaml:"inter_message_sep,omitempty"`
	StopSequences []string `json:"stop,omitempty" yaml:"stop,omitempty"`
}

// ModelSpec is one concrete artifact layout of a family.
type ModelSpec struct {
	Format         string   `json:"model_format" yaml:"model_format"`
	SizeInBillions int      `json:"model_size_in_billions" yaml:"model_size_in_billions"`
	Quantizations  []string `json:"quantizations" yaml:"quantizations"`
	// Backend selects the constructor: echo, llama or llama-server.
	Backend string `json:"backend" yaml:"backend"`
	// Path is the local artifact path; for llama-server it is the server's model id.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	// URL is the llama-server base URL.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
}

// ModelFamily is a logical model name with its artifact specs.
type ModelFamily struct {
	Name        string       `json:"model_name" yaml:"model_name"`
	Description string       `json:"model_description,omitempty" yaml:"model_description,omitempty"`
	Abilities   []Ability    `json:"model_ability" yaml:"model_ability"`
	Specs       []ModelSpec  `json:"model_specs" yaml:"model_specs"`
	PromptStyle *PromptStyle `json:"prompt_style,omitempty" yaml:"prompt_style,omitempty"`
}

// ModelDescription describes one launched (or resolved) model instance.
type ModelDescription struct {
	Handle         string    `json:"model_uid,omitempty"`
	Name           string    `json:"model_name"`
	Format         string    `json:"model_format"`
	SizeInBillions int       `json:"model_size_in_billions"`
	Quantization   string    `json:"quantization"`
	Version        string    `json:"model_version"`
	Backend        string    `json:"backend"`
	Path           string    `json:"path,omitempty"`
	Abilities      []Ability `json:"model_ability"`
	Node           string    `json:"node,omitempty"`
	// Device is the device slot the instance occupies; nil on CPU.
	Device *int `json:"device,omitempty"`
}

// LaunchSpec selects a model from the catalog.
type LaunchSpec struct {
	Name           string            `json:"model_name"`
	SizeInBillions int               `json:"model_size_in_billions,omitempty"`
	Format         string            `json:"model_format,omitempty"`
	Quantization   string            `json:"quantization,omitempty"`
	Args           map[string]string `json:"args,omitempty"`
}

// VersionReport is one version entry as a node reports it.
type VersionReport struct {
	Version     string `json:"model_version"`
	CacheStatus bool   `json:"cache_status"`
	Path        string `json:"model_file_location,omitempty"`
}

// VersionInfo is the cluster-wide view of one version.
type VersionInfo struct {
	Version     string `json:"model_version"`
	CacheStatus bool   `json:"cache_status"`
	// Locations maps node address to the local artifact path.
	Locations map[string]string `json:"model_file_location,omitempty"`
}

// Occupant is one model instance occupying a device slot.
type Occupant struct {
	Handle  string `json:"model_uid"`
	Subpool string `json:"subpool"`
}

// DeviceStatus is the occupancy of one device slot.
type DeviceStatus struct {
	Device    int        `json:"device"`
	Occupants []Occupant `json:"occupants"`
}

// NodeStatus is what a node agent pushes to the coordinator each tick.
type NodeStatus struct {
	Address     string         `json:"address"`
	CPUCount    int            `json:"cpu_count"`
	CPUPercent  float64        `json:"cpu_percent"`
	MemTotal    uint64         `json:"mem_total"`
	MemUsed     uint64         `json:"mem_used"`
	ModelCount  int            `json:"model_count"`
	Devices     []DeviceStatus `json:"devices,omitempty"`
	CollectedAt int64          `json:"collected_at_unix"`
}
