package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validRunPayload() *RunPayload {
	return &RunPayload{
		Username:       "alice",
		ModuleName:     "demo-module",
		OptimizerName:  "bootstrap",
		Dataset:        []map[string]any{{"question": "2+2", "answer": "4"}},
		ColumnMapping:  ColumnMapping{Inputs: map[string]string{"question": "question"}, Outputs: map[string]string{"answer": "answer"}},
		SplitFractions: DefaultSplitFractions(),
		ModelConfig:    ModelConfig{Name: "gpt-demo", Temperature: 0.7},
	}
}

func TestValidateRun_acceptsWellFormedPayload(t *testing.T) {
	se := ValidateRun(validRunPayload())
	assert.False(t, se.HasErrors())
}

func TestValidateRun_rejectsEmptyRequiredFields(t *testing.T) {
	se := ValidateRun(&RunPayload{})
	assert.True(t, se.HasErrors())

	fields := make(map[string]bool)
	for _, fe := range se.Errors {
		fields[fe.Field] = true
	}
	assert.True(t, fields["username"])
	assert.True(t, fields["module_name"])
	assert.True(t, fields["optimizer_name"])
	assert.True(t, fields["dataset"])
}

func TestValidateRun_rejectsOverlappingColumnMapping(t *testing.T) {
	p := validRunPayload()
	p.ColumnMapping = ColumnMapping{
		Inputs:  map[string]string{"a": "shared"},
		Outputs: map[string]string{"b": "shared"},
	}
	se := ValidateRun(p)
	assert.True(t, se.HasErrors())
}

func TestValidateRun_rejectsSplitFractionsNotSummingToOne(t *testing.T) {
	p := validRunPayload()
	p.SplitFractions = SplitFractions{Train: 0.5, Val: 0.2, Test: 0.2}
	se := ValidateRun(p)
	assert.True(t, se.HasErrors())
}

func TestValidateRun_rejectsNegativeSplitFraction(t *testing.T) {
	p := validRunPayload()
	p.SplitFractions = SplitFractions{Train: 1.1, Val: -0.1, Test: 0.0}
	se := ValidateRun(p)
	assert.True(t, se.HasErrors())
}

func TestValidateRun_rejectsTemperatureOutOfRange(t *testing.T) {
	p := validRunPayload()
	p.ModelConfig.Temperature = 5.0
	se := ValidateRun(p)
	assert.True(t, se.HasErrors())
}

func TestValidateRun_rejectsTopPOutOfRange(t *testing.T) {
	p := validRunPayload()
	badTopP := 1.5
	p.ModelConfig.TopP = &badTopP
	se := ValidateRun(p)
	assert.True(t, se.HasErrors())
}

func TestValidateRun_validatesOptionalModelConfigBlocks(t *testing.T) {
	p := validRunPayload()
	p.ReflectionModelConfig = &ModelConfig{Name: ""}
	se := ValidateRun(p)
	assert.True(t, se.HasErrors())
}

func validGridPayload() *GridPayload {
	return &GridPayload{
		Username:         "alice",
		ModuleName:       "demo-module",
		OptimizerName:    "bootstrap",
		Dataset:          []map[string]any{{"question": "2+2", "answer": "4"}},
		ColumnMapping:    ColumnMapping{Inputs: map[string]string{"question": "question"}, Outputs: map[string]string{"answer": "answer"}},
		SplitFractions:   DefaultSplitFractions(),
		GenerationModels: []ModelConfig{{Name: "gen-a", Temperature: 0.5}},
		ReflectionModels: []ModelConfig{{Name: "refl-a", Temperature: 0.5}},
	}
}

func TestValidateGrid_acceptsWellFormedPayload(t *testing.T) {
	se := ValidateGrid(validGridPayload())
	assert.False(t, se.HasErrors())
}

func TestValidateGrid_rejectsEmptyModelLists(t *testing.T) {
	p := validGridPayload()
	p.GenerationModels = nil
	p.ReflectionModels = nil
	se := ValidateGrid(p)
	assert.True(t, se.HasErrors())

	fields := make(map[string]bool)
	for _, fe := range se.Errors {
		fields[fe.Field] = true
	}
	assert.True(t, fields["generation_models"])
	assert.True(t, fields["reflection_models"])
}

func TestValidateGrid_rejectsInvalidModelInList(t *testing.T) {
	p := validGridPayload()
	p.GenerationModels = append(p.GenerationModels, ModelConfig{Name: "", Temperature: 0.5})
	se := ValidateGrid(p)
	assert.True(t, se.HasErrors())
}
