// Package loader parses flow definition files. Files are YAML; JSON works
// too since YAML is a superset.
package loader

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/wirebird/wirebird/model"
)

// flowFile is the on-disk shape of a flow. It differs from model.Flow in
// that ids are plain strings (generated when omitted) and the poll interval
// is a duration string.
type flowFile struct {
	ID           string      `yaml:"id"`
	Name         string      `yaml:"name"`
	Description  string      `yaml:"description"`
	Schedule     string      `yaml:"schedule"`
	PollInterval string      `yaml:"pollInterval"`
	Blocks       []blockFile `yaml:"blocks"`
}

type blockFile struct {
	UUID     string         `yaml:"uuid"`
	Provider string         `yaml:"provider"`
	Name     string         `yaml:"name"`
	Kind     string         `yaml:"kind"`
	Inputs   map[string]any `yaml:"inputs"`
}

// LoadFlow parses a flow definition from a file.
func LoadFlow(path string) (*model.Flow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFlow(raw)
}

// ParseFlow parses a flow definition from raw YAML or JSON bytes.
func ParseFlow(raw []byte) (*model.Flow, error) {
	var file flowFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse flow: %w", err)
	}

	flow := &model.Flow{
		Name:        file.Name,
		Description: file.Description,
		Schedule:    file.Schedule,
	}
	if file.ID != "" {
		id, err := uuid.Parse(file.ID)
		if err != nil {
			return nil, fmt.Errorf("flow id: %w", err)
		}
		flow.ID = id
	} else {
		flow.ID = uuid.New()
	}
	if file.PollInterval != "" {
		d, err := time.ParseDuration(file.PollInterval)
		if err != nil {
			return nil, fmt.Errorf("pollInterval: %w", err)
		}
		flow.PollInterval = d
	}

	for i, b := range file.Blocks {
		block := model.Block{
			Provider: b.Provider,
			Name:     b.Name,
			Kind:     model.BlockKind(b.Kind),
			Inputs:   b.Inputs,
		}
		if b.UUID != "" {
			id, err := uuid.Parse(b.UUID)
			if err != nil {
				return nil, fmt.Errorf("block %d uuid: %w", i, err)
			}
			block.ID = id
		} else {
			block.ID = uuid.New()
		}
		if block.Kind == "" {
			// A block without a kind is conventionally the leading action.
			if i == 0 {
				block.Kind = model.KindAction
			} else {
				block.Kind = model.KindReaction
			}
		}
		flow.Blocks = append(flow.Blocks, block)
	}
	return flow, nil
}
