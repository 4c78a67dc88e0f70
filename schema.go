// SPDX-License-Identifier: GPL-3.0-or-later

package devconn

import "github.com/invopop/jsonschema"

// NewRequestSchemas returns the JSON Schema describing each host-facing
// request record, keyed by operation name.
//
// Hosts embed these schemas in their operation manifests so that
// records can be checked before they ever reach [*Bridge]. The schemas
// are reflected from the same structs the bridge validates, so the two
// layers cannot drift apart.
func NewRequestSchemas() map[string]*jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	return map[string]*jsonschema.Schema{
		"connect":        reflector.Reflect(&ConnectRequest{}),
		"write":          reflector.Reflect(&WriteRequest{}),
		"transact":       reflector.Reflect(&TransactRequest{}),
		"startRead":      reflector.Reflect(&StartReadRequest{}),
		"setReadTimeout": reflector.Reflect(&SetReadTimeoutRequest{}),
	}
}
