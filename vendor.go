package batchoutbox

import (
	"encoding/json"
	"strconv"
	"strings"
)

const (
	// UnknownVendor is the vendor name of requests that carry none.
	UnknownVendor = "UNKNOWN"
	// MaxNameLength bounds caller-supplied request ids and vendor names, in characters.
	MaxNameLength = 128
)

var (
	vendorKeys    = []string{"vendorname", "vendorName", "vendor_name"}
	vendorNests   = []string{"meta", "details", "info", "request_info"}
	requestIDKeys = []string{"requestid", "requestId", "request_id"}
)

// VendorResolver extracts and normalizes vendor names from request payloads.
// Names are trimmed and upper-cased; a name matching a known vendor case-insensitively
// is replaced by the known spelling.
type VendorResolver struct {
	known map[string]string
}

// NewVendorResolver returns a resolver aware of the given canonical vendor names.
func NewVendorResolver(known ...string) VendorResolver {
	m := make(map[string]string, len(known))
	for _, name := range known {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		m[strings.ToUpper(name)] = name
	}

	return VendorResolver{known: m}
}

// Resolve returns the vendor of a decoded request, or UnknownVendor.
// Top-level keys win over keys nested in meta, details, info or request_info.
func (r VendorResolver) Resolve(fields map[string]any) string {
	if name, ok := lookupString(fields, vendorKeys); ok {
		return r.normalize(name)
	}
	for _, nest := range vendorNests {
		nested, ok := fields[nest].(map[string]any)
		if !ok {
			continue
		}
		if name, ok := lookupString(nested, vendorKeys); ok {
			return r.normalize(name)
		}
	}

	return UnknownVendor
}

func (r VendorResolver) normalize(name string) string {
	upper := strings.ToUpper(strings.TrimSpace(name))
	if canonical, ok := r.known[upper]; ok {
		return canonical
	}

	return upper
}

// requestID returns the caller-supplied request id, if any.
func requestID(fields map[string]any) (string, bool) {
	return lookupString(fields, requestIDKeys)
}

func lookupString(fields map[string]any, keys []string) (string, bool) {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok || raw == nil {
			continue
		}

		var value string
		switch v := raw.(type) {
		case string:
			value = v
		case json.Number:
			value = v.String()
		case float64:
			value = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			value = strconv.FormatBool(v)
		default:
			continue
		}
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value), true
		}
	}

	return "", false
}
