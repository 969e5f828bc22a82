package adminapi

import (
	"encoding/json"

	"github.com/xeipuuv/gojsonschema"

	"github.com/kumpeapps/managed-nebula-sub001/pkg/apierr"
)

// ruleSchema validates a single free-form firewall rule payload before it
// is converted into a policy.FirewallRule and handed to C3's invariant
// checks (spec.md §6.4, SPEC_FULL.md DOMAIN STACK: "validates free-form
// admin-intent JSON payloads ... producing apierr.Validation on schema
// mismatch").
const ruleSchema = `{
  "type": "object",
  "required": ["direction", "port", "proto", "selector_kind", "selector_value"],
  "properties": {
    "direction": {"enum": ["inbound", "outbound"]},
    "port": {"type": "string", "minLength": 1},
    "proto": {"enum": ["tcp", "udp", "icmp", "any"]},
    "selector_kind": {"enum": ["host", "cidr", "groups", "ca_name", "ca_sha"]},
    "selector_value": {"type": "string"},
    "selector_groups": {"type": "array", "items": {"type": "string"}}
  }
}`

// deviceHintSchema validates the free-form device-hint blob supplied by
// mobile-style enrollment (spec.md §3 EnrollmentCode.device_hint).
const deviceHintSchema = `{
  "type": "object",
  "properties": {
    "platform": {"type": "string"},
    "model": {"type": "string"},
    "app_version": {"type": "string"}
  }
}`

var (
	ruleLoader       = gojsonschema.NewStringLoader(ruleSchema)
	deviceHintLoader = gojsonschema.NewStringLoader(deviceHintSchema)
)

func validateAgainst(loader gojsonschema.JSONLoader, raw json.RawMessage, what string) error {
	result, err := gojsonschema.Validate(loader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return apierr.Validation("%s: invalid json: %v", what, err)
	}
	if !result.Valid() {
		return apierr.Validation("%s: %s", what, result.Errors()[0].String())
	}
	return nil
}
