package flatten

import (
	"fmt"
	"strings"
)

// CascadePolicy selects which leaf values of an element become ancestor
// columns of the records nested below it.
type CascadePolicy uint8

const (
	// PolicyNone cascades nothing.
	PolicyNone CascadePolicy = iota
	// PolicyAll cascades every leaf field, and its attributes, of every ancestor.
	PolicyAll
	// PolicyXSD cascades only the fields the schema declares as required.
	PolicyXSD
	// PolicyOut cascades exactly the fields chosen for the ancestor's own output.
	PolicyOut
)

var policyNames = [...]string{
	PolicyNone: "none",
	PolicyAll:  "all",
	PolicyXSD:  "xsd",
	PolicyOut:  "out",
}

func (p CascadePolicy) String() string {
	if int(p) < len(policyNames) {
		return policyNames[p]
	}
	return fmt.Sprintf("CascadePolicy(%d)", uint8(p))
}

// ParsePolicy parses "none", "all", "xsd" or "out", case-insensitively.
func ParsePolicy(s string) (CascadePolicy, error) {
	for i, n := range policyNames {
		if strings.EqualFold(strings.TrimSpace(s), n) {
			return CascadePolicy(i), nil
		}
	}
	return PolicyNone, fmt.Errorf("unknown cascade policy %q (want none|all|xsd|out)", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p CascadePolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *CascadePolicy) UnmarshalText(b []byte) error {
	v, err := ParsePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// seedKind names where a record type's initial cascade slots come from.
type seedKind uint8

const (
	seedEmpty seedKind = iota
	seedCascadeDef
	seedSchemaRequired
	seedOutputDef
)

// policyRules decides, for one record type, which source seeds its cascade
// slots and whether unseen leaf fields may add slots at runtime.
//
// hasCascadeDef reports an explicit cascade definition for the type;
// hasOutput reports an output field list fixed before the run (registry or
// schema).
func policyRules(p CascadePolicy, hasCascadeDef, hasOutput bool) (seed seedKind, dynamic bool) {
	switch p {
	case PolicyAll:
		if hasCascadeDef {
			return seedCascadeDef, false
		}
		return seedEmpty, true
	case PolicyXSD:
		if hasCascadeDef {
			return seedCascadeDef, false
		}
		return seedSchemaRequired, false
	case PolicyOut:
		if hasOutput {
			return seedOutputDef, false
		}
		return seedEmpty, true
	default:
		return seedEmpty, false
	}
}
