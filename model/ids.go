package model

import (
	"fmt"
	"regexp"
	"strings"
)

const maxIdLength = 256

var namespaceSegmentRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// nameRe rejects control characters and slashes; percent-encoded bytes are
// allowed through as plain "%" followed by hex digits.
var nameRe = regexp.MustCompile(`^[^\x00-\x1f/]+$`)

// TwinId is a namespaced identifier "<namespace>:<name>".
type TwinId string

// PolicyId shares TwinId's lexical shape.
type PolicyId string

// ParseTwinId validates and returns a TwinId, or an error describing which
// grammar rule failed.
func ParseTwinId(raw string) (TwinId, error) {
	if err := validateNamespacedId(raw); err != nil {
		return "", err
	}
	return TwinId(raw), nil
}

// ParsePolicyId validates and returns a PolicyId.
func ParsePolicyId(raw string) (PolicyId, error) {
	if err := validateNamespacedId(raw); err != nil {
		return "", err
	}
	return PolicyId(raw), nil
}

func validateNamespacedId(raw string) error {
	if len(raw) == 0 || len(raw) > maxIdLength {
		return &ValidationError{Field: "id", Reason: fmt.Sprintf("length must be in (0, %d], got %d", maxIdLength, len(raw))}
	}

	idx := strings.IndexByte(raw, ':')
	if idx < 0 {
		return &ValidationError{Field: "id", Reason: "missing ':' separating namespace and name"}
	}

	namespace, name := raw[:idx], raw[idx+1:]

	if namespace == "" {
		return &ValidationError{Field: "namespace", Reason: "must not be empty"}
	}
	for _, segment := range strings.Split(namespace, ".") {
		if !namespaceSegmentRe.MatchString(segment) {
			return &ValidationError{Field: "namespace", Reason: fmt.Sprintf("invalid segment %q", segment)}
		}
	}

	if name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if !nameRe.MatchString(name) {
		return &ValidationError{Field: "name", Reason: "contains control characters or slashes"}
	}

	return nil
}

// String returns the underlying "<namespace>:<name>" value.
func (t TwinId) String() string { return string(t) }

// String returns the underlying "<namespace>:<name>" value.
func (p PolicyId) String() string { return string(p) }
