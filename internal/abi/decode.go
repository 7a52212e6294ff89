package abi

import (
	"fmt"

	ethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrUnknownTopic marks logs whose first topic matches no event in the ABI.
// Sources skip these rather than failing the poll cycle.
var ErrUnknownTopic = fmt.Errorf("abi: unknown topic")

// EventNames lists the event names declared by the ABI.
func (c *Contract) EventNames() []string {
	names := make([]string, 0, len(c.parsed.Events))
	for name := range c.parsed.Events {
		names = append(names, name)
	}
	return names
}

// HasEvent reports whether the ABI declares the named event.
func (c *Contract) HasEvent(name string) bool {
	_, ok := c.parsed.Events[name]
	return ok
}

// EventID returns the topic hash of the named event.
func (c *Contract) EventID(name string) (common.Hash, error) {
	ev, ok := c.parsed.Events[name]
	if !ok {
		return common.Hash{}, fmt.Errorf("abi: event %q not found", name)
	}
	return ev.ID, nil
}

// DecodeLog decodes one log into its event name and normalized argument map.
// Indexed parameters come from topics, the rest from the data segment.
func (c *Contract) DecodeLog(lg types.Log) (string, map[string]any, error) {
	if len(lg.Topics) == 0 {
		return "", nil, fmt.Errorf("%w: log has no topics", ErrUnknownTopic)
	}
	event, err := c.parsed.EventByID(lg.Topics[0])
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownTopic, lg.Topics[0])
	}

	args := make(map[string]any)

	var indexed ethabi.Arguments
	for _, input := range event.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	if len(indexed) > 0 {
		if err := ethabi.ParseTopicsIntoMap(args, indexed, lg.Topics[1:]); err != nil {
			return "", nil, fmt.Errorf("abi: decode %s topics: %w", event.Name, err)
		}
	}
	if len(lg.Data) > 0 {
		if err := c.parsed.UnpackIntoMap(args, event.Name, lg.Data); err != nil {
			return "", nil, fmt.Errorf("abi: decode %s data: %w", event.Name, err)
		}
	}

	return event.Name, NormalizeMap(args), nil
}
