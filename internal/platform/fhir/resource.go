package fhir

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// Resource is the header every FHIR resource carries.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Meta         *Meta  `json:"meta,omitempty"`
}

type Meta struct {
	VersionID   string     `json:"versionId,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
	Profile     []string   `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

// Header peeks the resourceType and id of a raw resource without decoding
// the whole document.
func Header(raw json.RawMessage) (Resource, error) {
	if !gjson.ValidBytes(raw) {
		return Resource{}, fmt.Errorf("resource is not valid JSON")
	}
	res := gjson.GetManyBytes(raw, "resourceType", "id")
	h := Resource{ResourceType: res[0].String(), ID: res[1].String()}
	if h.ResourceType == "" {
		return Resource{}, fmt.Errorf("resource has no resourceType")
	}
	return h, nil
}

// Key returns "Type/id" for a raw resource, or "" when the header is unusable.
func Key(raw json.RawMessage) string {
	h, err := Header(raw)
	if err != nil || h.ID == "" {
		return ""
	}
	return FormatReference(h.ResourceType, h.ID)
}
