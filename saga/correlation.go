package saga

// WildcardType is the correlation rule discriminator that applies when no
// specific-type rule matches (§3). Specific-type rules always win over it.
const WildcardType = "*"

// Extractor pulls the domain correlation id (e.g. an order id) out of a
// message payload. A nil return means "this message cannot correlate".
type Extractor func(msg Message) *string

// CorrelationRule binds a message type (or WildcardType) to an extractor and
// a CanStart flag.
type CorrelationRule struct {
	MessageType string
	CanStart    bool
	Extract     Extractor
}

// correlationResult is what correlationFor returns for a given envelope.
type correlationResult struct {
	CanStart      bool
	CorrelationID string
	Matched       bool
}

// correlationFor resolves the correlation rule for msg: the specific-type
// rule wins over the wildcard rule (§9 Open Question, fixed). Absence of
// any matching rule, or an extractor returning nil, yields Matched=false.
func correlationFor(rules []CorrelationRule, msg Message) correlationResult {
	var specific, wildcard *CorrelationRule
	for i := range rules {
		r := &rules[i]
		switch r.MessageType {
		case msg.Type:
			specific = r
		case WildcardType:
			wildcard = r
		}
	}

	rule := specific
	if rule == nil {
		rule = wildcard
	}
	if rule == nil || rule.Extract == nil {
		return correlationResult{}
	}

	id := rule.Extract(msg)
	if id == nil {
		return correlationResult{}
	}

	return correlationResult{CanStart: rule.CanStart, CorrelationID: *id, Matched: true}
}
