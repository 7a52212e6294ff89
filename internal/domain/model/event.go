package model

import "time"

// EventRecord is a decoded contract event as it enters the pipeline.
// Args holds event parameters keyed by their ABI names with values already
// normalized to JSON-safe types.
type EventRecord struct {
	Chain           Chain          `json:"chain_name"`
	ContractAddress string         `json:"contract_address"`
	EventName       string         `json:"event_name"`
	Args            map[string]any `json:"args"`
	BlockNumber     uint64         `json:"block_number"`
	TxHash          string         `json:"transaction_hash"`
	LogIndex        uint           `json:"log_index"`
	BlockTime       time.Time      `json:"block_time"`
}

// AsContext flattens the record into the mutable pipeline context map.
// Event args are merged at the top level so downstream stages can reference
// them by name, with record metadata kept under reserved keys.
func (e *EventRecord) AsContext() map[string]any {
	ctx := make(map[string]any, len(e.Args)+7)
	for k, v := range e.Args {
		ctx[k] = v
	}
	ctx["chain_name"] = e.Chain.String()
	ctx["contract_address"] = e.ContractAddress
	ctx["event_name"] = e.EventName
	ctx["block_number"] = e.BlockNumber
	ctx["transaction_hash"] = e.TxHash
	ctx["log_index"] = e.LogIndex
	ctx["block_time"] = e.BlockTime.UTC().Format(time.RFC3339)
	return ctx
}
