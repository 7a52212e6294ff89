package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StageKind identifies the behavior behind a pipeline stage entry.
type StageKind string

const (
	StageContractCall StageKind = "contract_caller"
	StageMap          StageKind = "dict_mapper"
	StagePublish      StageKind = "kafka_producer"
)

// PublishMode selects how the publish stage waits on broker delivery.
type PublishMode string

const (
	PublishSync  PublishMode = "sync"
	PublishAsync PublishMode = "async"
)

// StageSpec is the stored envelope for one pipeline stage. Config carries
// the kind-specific payload and is decoded lazily by the stage factory.
type StageSpec struct {
	Name   string          `json:"name"`
	Kind   StageKind       `json:"type"`
	Config json.RawMessage `json:"config"`
}

// SourceSpec configures the event source feeding a pipeline. Mode is
// "realtime", "historical", or "consumer"; historical runs require FromBlock
// and ToBlock, consumer runs require Topic. AddressFilters, when set, keeps
// only events where some decoded 42-character string argument matches one of
// the listed addresses, case-insensitively.
type SourceSpec struct {
	Mode           string        `json:"mode"`
	Addresses      []string      `json:"contract_addresses"`
	ABI            string        `json:"abi"`
	Events         []string      `json:"events,omitempty"`
	AddressFilters []string      `json:"address_filters,omitempty"`
	FromBlock      uint64        `json:"from_block,omitempty"`
	ToBlock        uint64        `json:"to_block,omitempty"`
	BatchSize      uint64        `json:"batch_size,omitempty"`
	Topic          string        `json:"topic,omitempty"`
	PollInterval   time.Duration `json:"-"`
}

// PipelineDefinition is a fully loaded pipeline: its source plus an ordered
// stage list. Definitions are immutable once loaded; reloads swap the whole
// value.
type PipelineDefinition struct {
	ID        uuid.UUID   `json:"id"`
	Name      string      `json:"name"`
	Chain     Chain       `json:"chain_name"`
	Source    SourceSpec  `json:"source"`
	Stages    []StageSpec `json:"components"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// ContractCallConfig is the decoded config for a contract call stage.
type ContractCallConfig struct {
	Specs []CallSpec `json:"method_calls"`
}

// MapConfig is the decoded config for a mapping stage.
type MapConfig struct {
	Definitions []MapperDefinition `json:"mappers"`
}

// PublishConfig is the decoded config for a publish stage. A BatchSize
// above one buffers contexts and ships them through the batch path instead
// of publishing each event as it arrives.
type PublishConfig struct {
	Topic           string      `json:"topic"`
	Mode            PublishMode `json:"mode"`
	BatchSize       int         `json:"batch_size,omitempty"`
	BatchDelayMs    int         `json:"batch_delay_ms"`
	FlushAfterBatch bool        `json:"flush_after_batch"`
}

// Validate rejects definitions the executor could not run. It is called at
// load time so malformed rows surface before a task record is created.
func (d *PipelineDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("pipeline %s: empty name", d.ID)
	}
	if d.Chain == "" {
		return fmt.Errorf("pipeline %q: empty chain", d.Name)
	}
	switch d.Source.Mode {
	case "realtime":
		if len(d.Source.Addresses) == 0 {
			return fmt.Errorf("pipeline %q: source has no contract addresses", d.Name)
		}
	case "historical":
		if len(d.Source.Addresses) == 0 {
			return fmt.Errorf("pipeline %q: source has no contract addresses", d.Name)
		}
		if d.Source.ToBlock < d.Source.FromBlock {
			return fmt.Errorf("pipeline %q: historical range [%d, %d] inverted", d.Name, d.Source.FromBlock, d.Source.ToBlock)
		}
	case "consumer":
		if d.Source.Topic == "" {
			return fmt.Errorf("pipeline %q: consumer source has no topic", d.Name)
		}
	default:
		return fmt.Errorf("pipeline %q: unknown source mode %q", d.Name, d.Source.Mode)
	}
	for i, st := range d.Stages {
		switch st.Kind {
		case StageContractCall, StageMap, StagePublish:
		default:
			return fmt.Errorf("pipeline %q: stage %d has unknown type %q", d.Name, i, st.Kind)
		}
		if len(st.Config) == 0 {
			return fmt.Errorf("pipeline %q: stage %d (%s) has no config", d.Name, i, st.Kind)
		}
	}
	return nil
}
