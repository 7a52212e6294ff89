package model

// CallSpec binds one contract method invocation to the events that trigger
// it. EventName restricts the spec to events bearing that name; when empty
// the spec applies to every event passing through the stage.
//
// Params holds the method arguments in ABI order. A string entry is a
// context reference (plain key or dotted path such as "args.to"); any other
// JSON value is passed through as a literal.
type CallSpec struct {
	EventName       string `json:"event_name"`
	ContractAddress string `json:"contract_address"`
	// AddressParam optionally names a context field whose value supplies
	// the target address at execution time, overriding ContractAddress.
	AddressParam string `json:"address_param,omitempty"`
	MethodName   string `json:"method_name"`
	ABI          string `json:"abi"`
	Params       []any  `json:"method_params"`
	OutputKey    string `json:"output_key,omitempty"`
}

// Matches reports whether the spec should fire for an event with the given
// name.
func (s *CallSpec) Matches(eventName string) bool {
	return s.EventName == "" || s.EventName == eventName
}
