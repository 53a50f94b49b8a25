package relay

import (
	"strconv"
	"strings"
	"time"

	"github.com/hcrelay/hcrelay/core"
)

// AuthenticationMode classifies the Authentication= field of a
// connection string.
type AuthenticationMode int

const (
	// AuthOther covers any Authentication value other than the
	// recognized managed-identity spellings, including an absent field.
	AuthOther AuthenticationMode = iota
	// AuthManagedIdentity matches "Managed Identity" or "ManagedIdentity".
	AuthManagedIdentity
)

// ConnectionString holds the parsed key/value surface of a relay
// connection string. Parsing never fails on a field combination that is
// merely invalid — that is Validate's job — matching the "ManagedIdentity
// + pre-signed SharedAccessSignature parses but is rejected later" rule.
type ConnectionString struct {
	Endpoint              string
	EntityPath            string
	SharedAccessKeyName   string
	SharedAccessKey       string
	SharedAccessSignature string
	OperationTimeout      time.Duration
	Authentication        AuthenticationMode
}

// ParseConnectionString splits a ";"-delimited "Key=Value" connection
// string into its recognized fields. Unknown keys are ignored.
func ParseConnectionString(s string) (ConnectionString, error) {
	var cs ConnectionString
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return ConnectionString{}, core.NewError(core.KindValidation, "", "malformed connection string segment %q", part)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "Endpoint":
			cs.Endpoint = value
		case "EntityPath":
			cs.EntityPath = value
		case "SharedAccessKeyName":
			cs.SharedAccessKeyName = value
		case "SharedAccessKey":
			cs.SharedAccessKey = value
		case "SharedAccessSignature":
			cs.SharedAccessSignature = value
		case "OperationTimeout":
			d, err := time.ParseDuration(value)
			if err != nil {
				if secs, serr := strconv.Atoi(value); serr == nil {
					d = time.Duration(secs) * time.Second
				} else {
					return ConnectionString{}, core.NewError(core.KindValidation, "", "invalid OperationTimeout %q: %w", value, err)
				}
			}
			cs.OperationTimeout = d
		case "Authentication":
			switch value {
			case "Managed Identity", "ManagedIdentity":
				cs.Authentication = AuthManagedIdentity
			default:
				cs.Authentication = AuthOther
			}
		}
	}
	return cs, nil
}

// Validate enforces the mutual-exclusion rule across the three credential
// shapes: SAS key+name, pre-signed SAS string, and managed identity — any
// two present together is rejected here, at "serialize" time, even though
// parsing above accepted the combination.
func (cs ConnectionString) Validate() error {
	hasSASKey := cs.SharedAccessKeyName != "" || cs.SharedAccessKey != ""
	hasSASKeyFull := cs.SharedAccessKeyName != "" && cs.SharedAccessKey != ""
	if hasSASKey && !hasSASKeyFull {
		return core.NewError(core.KindValidation, "", "SharedAccessKeyName and SharedAccessKey must both be set")
	}
	hasPresigned := cs.SharedAccessSignature != ""
	hasManagedIdentity := cs.Authentication == AuthManagedIdentity

	count := 0
	if hasSASKeyFull {
		count++
	}
	if hasPresigned {
		count++
	}
	if hasManagedIdentity {
		count++
	}
	if count > 1 {
		return core.NewError(core.KindValidation, "", "connection string must specify exactly one credential: SAS key+name, pre-signed SharedAccessSignature, or Authentication=ManagedIdentity")
	}
	if cs.Endpoint == "" {
		return core.NewError(core.KindValidation, "", "connection string missing Endpoint")
	}
	return nil
}
