package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tuning is the optional YAML overlay for worker, chunker and search knobs.
// Zero values leave the environment settings untouched.
type Tuning struct {
	Worker struct {
		PollMS           int            `yaml:"poll_ms"`
		EmbedConcurrency int            `yaml:"embed_concurrency"`
		TimeoutsSeconds  map[string]int `yaml:"timeouts_seconds"`
	} `yaml:"worker"`
	Chunker struct {
		TargetWords  int `yaml:"target_words"`
		OverlapWords int `yaml:"overlap_words"`
		MinWords     int `yaml:"min_words"`
		MaxWords     int `yaml:"max_words"`
	} `yaml:"chunker"`
	Search struct {
		DefaultLimit  int `yaml:"default_limit"`
		RerankTopN    int `yaml:"rerank_top_n"`
		ContextTokens int `yaml:"context_tokens"`
	} `yaml:"search"`
}

func LoadTuning(path string) (Tuning, error) {
	var tuning Tuning
	data, err := os.ReadFile(path)
	if err != nil {
		return tuning, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &tuning); err != nil {
		return tuning, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return tuning, nil
}

func (c *Config) ApplyTuning(tuning Tuning) {
	if tuning.Worker.PollMS > 0 {
		c.WorkerPollMS = tuning.Worker.PollMS
	}
	if tuning.Worker.EmbedConcurrency > 0 {
		c.EmbedConcurrency = tuning.Worker.EmbedConcurrency
	}
	c.Tuning = tuning
}
