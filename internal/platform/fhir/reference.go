package fhir

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	resourceTypePattern = regexp.MustCompile(`^[A-Z][A-Za-z]+$`)
	resourceIDPattern   = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)
)

// ResourceRef identifies a reference target.
type ResourceRef struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
}

func (r ResourceRef) String() string {
	return FormatReference(r.ResourceType, r.ID)
}

// ParseReference parses relative ("Location/L1"), absolute
// ("https://ehr/fhir/Location/L1") and versioned ("Location/L1/_history/2")
// references. Contained ("#x") and urn references are not resolvable and
// return false.
func ParseReference(ref string) (ResourceRef, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") || strings.HasPrefix(ref, "urn:") {
		return ResourceRef{}, false
	}
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	parts := strings.Split(strings.TrimSuffix(ref, "/"), "/")
	if len(parts) < 2 {
		return ResourceRef{}, false
	}
	rt, id := parts[len(parts)-2], parts[len(parts)-1]
	if !resourceTypePattern.MatchString(rt) || !resourceIDPattern.MatchString(id) {
		return ResourceRef{}, false
	}
	return ResourceRef{ResourceType: rt, ID: id}, true
}

// ExtractReferences walks a raw resource and returns every reference whose
// target type is in types (case-insensitive), deduplicated and in document
// order. A nil or empty types list matches nothing.
func ExtractReferences(raw json.RawMessage, types []string) []ResourceRef {
	if len(types) == 0 || !gjson.ValidBytes(raw) {
		return nil
	}
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[strings.ToLower(t)] = true
	}
	seen := make(map[ResourceRef]bool)
	var out []ResourceRef
	walkReferences(gjson.ParseBytes(raw), func(ref ResourceRef) {
		if !want[strings.ToLower(ref.ResourceType)] || seen[ref] {
			return
		}
		seen[ref] = true
		out = append(out, ref)
	})
	return out
}
