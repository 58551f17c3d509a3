package types

import "encoding/json"

// ModelConfig is one model settings block on the wire.
type ModelConfig struct {
	Name        string         `json:"name"`
	BaseURL     string         `json:"base_url,omitempty"`
	Temperature float64        `json:"temperature"`
	MaxTokens   *int           `json:"max_tokens,omitempty"`
	TopP        *float64       `json:"top_p,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// ColumnMapping maps dataset columns onto signature input/output fields.
type ColumnMapping struct {
	Inputs  map[string]string `json:"inputs"`
	Outputs map[string]string `json:"outputs"`
}

// SplitFractions is the train/val/test split of the dataset.
type SplitFractions struct {
	Train float64 `json:"train"`
	Val   float64 `json:"val"`
	Test  float64 `json:"test"`
}

// DefaultSplitFractions matches the wire default of 0.7/0.15/0.15.
func DefaultSplitFractions() SplitFractions {
	return SplitFractions{Train: 0.7, Val: 0.15, Test: 0.15}
}

// RunPayload is a single-optimization submission.
type RunPayload struct {
	Username       string         `json:"username"`
	ModuleName     string         `json:"module_name"`
	OptimizerName  string         `json:"optimizer_name"`
	ModuleKwargs   map[string]any `json:"module_kwargs,omitempty"`
	OptimizerKwargs map[string]any `json:"optimizer_kwargs,omitempty"`
	CompileKwargs  map[string]any `json:"compile_kwargs,omitempty"`
	SignatureCode  string         `json:"signature_code,omitempty"`
	MetricCode     string         `json:"metric_code,omitempty"`
	Dataset        []map[string]any `json:"dataset"`
	ColumnMapping  ColumnMapping  `json:"column_mapping"`
	SplitFractions SplitFractions `json:"split_fractions"`
	Shuffle        bool           `json:"shuffle"`
	Seed           *int64         `json:"seed,omitempty"`

	ModelConfig           ModelConfig  `json:"model_config"`
	ReflectionModelConfig *ModelConfig `json:"reflection_model_config,omitempty"`
	PromptModelConfig     *ModelConfig `json:"prompt_model_config,omitempty"`
	TaskModelConfig       *ModelConfig `json:"task_model_config,omitempty"`
}

// GridPayload is a grid-search submission: same shape as RunPayload minus
// the single-model-config blocks, sweeping a Cartesian product of model
// pairs instead. Per an unresolved Open Question in the source behavior,
// prompt_model_config/task_model_config are intentionally absent here.
type GridPayload struct {
	Username        string           `json:"username"`
	ModuleName      string           `json:"module_name"`
	OptimizerName   string           `json:"optimizer_name"`
	ModuleKwargs    map[string]any   `json:"module_kwargs,omitempty"`
	OptimizerKwargs map[string]any   `json:"optimizer_kwargs,omitempty"`
	CompileKwargs   map[string]any   `json:"compile_kwargs,omitempty"`
	SignatureCode   string           `json:"signature_code,omitempty"`
	MetricCode      string           `json:"metric_code,omitempty"`
	Dataset         []map[string]any `json:"dataset"`
	ColumnMapping   ColumnMapping    `json:"column_mapping"`
	SplitFractions  SplitFractions   `json:"split_fractions"`
	Shuffle         bool             `json:"shuffle"`
	Seed            *int64           `json:"seed,omitempty"`

	GenerationModels []ModelConfig `json:"generation_models"`
	ReflectionModels []ModelConfig `json:"reflection_models"`
}

// PairCount returns the total number of generation x reflection pairs.
func (g *GridPayload) PairCount() int {
	return len(g.GenerationModels) * len(g.ReflectionModels)
}

// Payload is the tagged union over the two submission shapes. Parsing
// (ParsePayload) and storing (the raw bytes kept alongside on the Job) are
// kept as separate responsibilities: the union is only for validation and
// execution, never for the verbatim round trip.
type Payload struct {
	Kind JobType
	Run  *RunPayload
	Grid *GridPayload
}

// ParsePayload decodes raw JSON into the appropriate variant.
func ParsePayload(kind JobType, raw json.RawMessage) (Payload, error) {
	switch kind {
	case JobTypeRun:
		var p RunPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return Payload{}, err
		}
		if p.SplitFractions == (SplitFractions{}) {
			p.SplitFractions = DefaultSplitFractions()
		}
		return Payload{Kind: JobTypeRun, Run: &p}, nil
	case JobTypeGridSearch:
		var p GridPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return Payload{}, err
		}
		if p.SplitFractions == (SplitFractions{}) {
			p.SplitFractions = DefaultSplitFractions()
		}
		return Payload{Kind: JobTypeGridSearch, Grid: &p}, nil
	default:
		return Payload{}, ErrUnknownJobType
	}
}

// Overview derives the cheap listing summary stored as payload_overview.
func (p Payload) Overview() map[string]any {
	switch p.Kind {
	case JobTypeRun:
		r := p.Run
		return map[string]any{
			"username":        r.Username,
			"module_name":     r.ModuleName,
			"optimizer_name":  r.OptimizerName,
			"dataset_rows":    len(r.Dataset),
			"split_fractions": r.SplitFractions,
			"seed":            r.Seed,
		}
	case JobTypeGridSearch:
		g := p.Grid
		return map[string]any{
			"username":       g.Username,
			"module_name":    g.ModuleName,
			"optimizer_name": g.OptimizerName,
			"dataset_rows":   len(g.Dataset),
			"split_fractions": g.SplitFractions,
			"seed":           g.Seed,
			"pair_count":     g.PairCount(),
		}
	default:
		return map[string]any{}
	}
}

// Username returns the submitting user regardless of payload kind.
func (p Payload) Username() string {
	switch p.Kind {
	case JobTypeRun:
		return p.Run.Username
	case JobTypeGridSearch:
		return p.Grid.Username
	default:
		return ""
	}
}
