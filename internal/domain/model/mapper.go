package model

// ConditionType enumerates the predicate kinds a mapping rule may guard on.
type ConditionType string

const (
	CondEquals      ConditionType = "equals"
	CondNotEquals   ConditionType = "not_equals"
	CondContains    ConditionType = "contains"
	CondNotContains ConditionType = "not_contains"
	CondGreaterThan ConditionType = "greater_than"
	CondLessThan    ConditionType = "less_than"
	CondExists      ConditionType = "exists"
	CondNotExists   ConditionType = "not_exists"
	CondRegex       ConditionType = "regex"
	CondCustom      ConditionType = "custom"
)

// Condition guards a mapping rule. Field is a dotted path into the source
// context; Value is the comparison operand where the type requires one.
type Condition struct {
	Type  ConditionType `json:"type"`
	Field string        `json:"field"`
	Value any           `json:"value,omitempty"`
}

// MappingRule produces one output field. Source is a dotted path into the
// input context. An empty Transformer copies the value through unchanged;
// Validator names a predicate the transformed value must satisfy.
type MappingRule struct {
	Source      string     `json:"source_key"`
	Target      string     `json:"target_key"`
	Transformer string     `json:"transformer,omitempty"`
	Validator   string     `json:"validator,omitempty"`
	Condition   *Condition `json:"condition,omitempty"`
	Default     any        `json:"default_value,omitempty"`
	Required    bool       `json:"required,omitempty"`
}

// MapperDefinition selects the rule set applied to events of EventName.
// An empty EventName makes the definition universal: it applies to every
// event alongside any event-specific definitions.
type MapperDefinition struct {
	EventName string        `json:"event_name"`
	Rules     []MappingRule `json:"rules"`
}

// Matches reports whether the definition applies to the given event name.
func (d *MapperDefinition) Matches(eventName string) bool {
	return d.EventName == "" || d.EventName == eventName
}
