// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StageConfig describes one agent of the fixed pipeline.
type StageConfig struct {
	Name            string        `yaml:"name"`
	Model           string        `yaml:"model"`
	Timeout         time.Duration `yaml:"timeout"`
	ChunkMaxChars   int           `yaml:"chunk_max_chars"`
	ChunkMaxElapsed time.Duration `yaml:"chunk_max_elapsed"`
}

// PipelineConfig is the full stage definition plus the optional enrichment
// side branch taken after EnrichAfterStage completes.
type PipelineConfig struct {
	Stages           []StageConfig `yaml:"stages"`
	EnrichAfterStage int           `yaml:"enrich_after_stage"`
	EnrichModel      string        `yaml:"enrich_model"`
}

// DefaultPipeline is the built-in five-stage drafting pipeline used when no
// PIPELINE_FILE is configured.
func DefaultPipeline() PipelineConfig {
	stages := []StageConfig{
		{Name: "intake_analysis", Model: "fast-draft-v2"},
		{Name: "requirements_match", Model: "fast-draft-v2"},
		{Name: "draft_generation", Model: "longform-v3"},
		{Name: "refinement", Model: "longform-v3"},
		{Name: "final_review", Model: "fast-draft-v2"},
	}
	return PipelineConfig{
		Stages:           stages,
		EnrichAfterStage: 0,
		EnrichModel:      "fast-draft-v2",
	}
}

// LoadPipeline reads a YAML pipeline definition, falling back to the default
// pipeline when path is empty. Missing per-stage knobs inherit defaults.
func LoadPipeline(path string) (PipelineConfig, error) {
	if path == "" {
		return normalizePipeline(DefaultPipeline())
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return PipelineConfig{}, fmt.Errorf("read pipeline file: %w", err)
	}

	var pc PipelineConfig
	if err := yaml.Unmarshal(raw, &pc); err != nil {
		return PipelineConfig{}, fmt.Errorf("parse pipeline file: %w", err)
	}

	return normalizePipeline(pc)
}

func normalizePipeline(pc PipelineConfig) (PipelineConfig, error) {
	if len(pc.Stages) == 0 {
		return PipelineConfig{}, fmt.Errorf("pipeline defines no stages")
	}

	for i := range pc.Stages {
		s := &pc.Stages[i]
		if s.Name == "" {
			return PipelineConfig{}, fmt.Errorf("stage %d has no name", i)
		}
		if s.Model == "" {
			s.Model = "fast-draft-v2"
		}
		if s.Timeout <= 0 {
			s.Timeout = 3 * time.Minute
		}
		if s.ChunkMaxChars <= 0 {
			s.ChunkMaxChars = 500
		}
		if s.ChunkMaxElapsed <= 0 {
			s.ChunkMaxElapsed = 1200 * time.Millisecond
		}
	}

	if pc.EnrichAfterStage < 0 || pc.EnrichAfterStage >= len(pc.Stages) {
		return PipelineConfig{}, fmt.Errorf("enrich_after_stage %d out of range", pc.EnrichAfterStage)
	}
	if pc.EnrichModel == "" {
		pc.EnrichModel = pc.Stages[0].Model
	}

	return pc, nil
}
