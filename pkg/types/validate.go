package types

import (
	"math"
	"strconv"
)

const splitTolerance = 1e-6

// ValidateRun performs the schema-level (422) checks on a run payload: the
// structural constraints the wire format itself promises, independent of
// the Executor's semantic validation.
func ValidateRun(p *RunPayload) *SchemaError {
	se := &SchemaError{}
	if p.Username == "" {
		se.Add("username", "must not be empty", "value_error.missing")
	}
	if p.ModuleName == "" {
		se.Add("module_name", "must not be empty", "value_error.missing")
	}
	if p.OptimizerName == "" {
		se.Add("optimizer_name", "must not be empty", "value_error.missing")
	}
	if len(p.Dataset) == 0 {
		se.Add("dataset", "must be a non-empty array", "value_error.empty")
	}
	validateColumnMapping(se, "column_mapping", p.ColumnMapping)
	validateSplitFractions(se, "split_fractions", p.SplitFractions)
	validateModelConfig(se, "model_config", p.ModelConfig)
	if p.ReflectionModelConfig != nil {
		validateModelConfig(se, "reflection_model_config", *p.ReflectionModelConfig)
	}
	if p.PromptModelConfig != nil {
		validateModelConfig(se, "prompt_model_config", *p.PromptModelConfig)
	}
	if p.TaskModelConfig != nil {
		validateModelConfig(se, "task_model_config", *p.TaskModelConfig)
	}
	return se
}

// ValidateGrid performs the schema-level (422) checks on a grid payload.
func ValidateGrid(p *GridPayload) *SchemaError {
	se := &SchemaError{}
	if p.Username == "" {
		se.Add("username", "must not be empty", "value_error.missing")
	}
	if p.ModuleName == "" {
		se.Add("module_name", "must not be empty", "value_error.missing")
	}
	if p.OptimizerName == "" {
		se.Add("optimizer_name", "must not be empty", "value_error.missing")
	}
	if len(p.Dataset) == 0 {
		se.Add("dataset", "must be a non-empty array", "value_error.empty")
	}
	if len(p.GenerationModels) == 0 {
		se.Add("generation_models", "must be a non-empty array", "value_error.empty")
	}
	if len(p.ReflectionModels) == 0 {
		se.Add("reflection_models", "must be a non-empty array", "value_error.empty")
	}
	validateColumnMapping(se, "column_mapping", p.ColumnMapping)
	validateSplitFractions(se, "split_fractions", p.SplitFractions)
	for i, mc := range p.GenerationModels {
		validateModelConfig(se, fieldIndex("generation_models", i), mc)
	}
	for i, mc := range p.ReflectionModels {
		validateModelConfig(se, fieldIndex("reflection_models", i), mc)
	}
	return se
}

func fieldIndex(field string, i int) string {
	return field + "." + strconv.Itoa(i)
}

func validateColumnMapping(se *SchemaError, field string, cm ColumnMapping) {
	if len(cm.Inputs) == 0 {
		se.Add(field+".inputs", "must be non-empty", "value_error.empty")
	}
	for col := range cm.Inputs {
		for col2 := range cm.Outputs {
			if columnsEqual(cm.Inputs[col], cm.Outputs[col2]) {
				se.Add(field, "inputs and outputs columns must be disjoint", "value_error.conflict")
				return
			}
		}
	}
}

func columnsEqual(a, b string) bool { return a != "" && a == b }

func validateSplitFractions(se *SchemaError, field string, sf SplitFractions) {
	if sf.Train < 0 || sf.Val < 0 || sf.Test < 0 {
		se.Add(field, "fractions must be non-negative", "value_error.number.not_ge")
	}
	sum := sf.Train + sf.Val + sf.Test
	if math.Abs(sum-1.0) > splitTolerance {
		se.Add(field, "train+val+test must sum to 1.0", "value_error.number.not_eq")
	}
}

func validateModelConfig(se *SchemaError, field string, mc ModelConfig) {
	if mc.Name == "" {
		se.Add(field+".name", "must not be empty", "value_error.missing")
	}
	if mc.Temperature < 0 || mc.Temperature > 2 {
		se.Add(field+".temperature", "must be between 0 and 2", "value_error.number.not_in_range")
	}
	if mc.TopP != nil && (*mc.TopP < 0 || *mc.TopP > 1) {
		se.Add(field+".top_p", "must be between 0 and 1", "value_error.number.not_in_range")
	}
}
