package stash

import (
	"fmt"
	"strings"

	"github.com/buildstash/stash/transfer"
)

// Input limits. These mirror the service's own enforcement so malformed
// requests fail locally, before any network traffic.
const (
	MaxKeyLength = 512
	MaxTotalKeys = 10
)

// inputs is the flattened view of a request that validation rules inspect.
type inputs struct {
	Paths      []string
	Keys       []string // primary first, fallbacks after
	FrameBytes int64
}

// Rule is an explicit, named validation rule.
//
// ID must be stable across versions.
// Apply must be deterministic and side-effect free.
type Rule struct {
	ID    string
	Apply func(inputs) error
}

// validateRules runs rules in order, returning the first failure.
//
// Rule order is the evaluation order; keep it stable.
func validateRules(in inputs, rules []Rule) error {
	for _, r := range rules {
		if r.Apply == nil {
			return newError(KindInternal, "STASH-INTERNAL-001", "nil rule Apply")
		}
		if err := r.Apply(in); err != nil {
			return err
		}
	}
	return nil
}

var pathsPresent = Rule{ID: "STASH-VAL-001", Apply: func(in inputs) error {
	if len(in.Paths) == 0 {
		return newError(KindValidation, "STASH-VAL-001", "at least one path is required")
	}
	for _, p := range in.Paths {
		if strings.TrimSpace(p) == "" {
			return newError(KindValidation, "STASH-VAL-001", "paths must be non-empty")
		}
	}
	return nil
}}

var keyPresent = Rule{ID: "STASH-VAL-002", Apply: func(in inputs) error {
	if len(in.Keys) == 0 || strings.TrimSpace(in.Keys[0]) == "" {
		return newError(KindValidation, "STASH-VAL-002", "a cache key is required")
	}
	return nil
}}

var keyLengthBounded = Rule{ID: "STASH-VAL-003", Apply: func(in inputs) error {
	for _, k := range in.Keys {
		if len(k) > MaxKeyLength {
			return newError(KindValidation, "STASH-VAL-003",
				fmt.Sprintf("key %q exceeds %d characters", truncateKey(k), MaxKeyLength))
		}
	}
	return nil
}}

var keyCommaFree = Rule{ID: "STASH-VAL-004", Apply: func(in inputs) error {
	for _, k := range in.Keys {
		if strings.Contains(k, ",") {
			return newError(KindValidation, "STASH-VAL-004",
				fmt.Sprintf("key %q must not contain a comma", k))
		}
	}
	return nil
}}

var keyCountBounded = Rule{ID: "STASH-VAL-005", Apply: func(in inputs) error {
	if len(in.Keys) > MaxTotalKeys {
		return newError(KindValidation, "STASH-VAL-005",
			fmt.Sprintf("%d keys given, at most %d are allowed", len(in.Keys), MaxTotalKeys))
	}
	return nil
}}

var frameSizeBounded = Rule{ID: "STASH-VAL-006", Apply: func(in inputs) error {
	if in.FrameBytes < 0 || in.FrameBytes > transfer.MaxFrameBytes {
		return newError(KindValidation, "STASH-VAL-006",
			fmt.Sprintf("frame size %d outside (0, %d]", in.FrameBytes, transfer.MaxFrameBytes))
	}
	return nil
}}

func truncateKey(k string) string {
	if len(k) <= 32 {
		return k
	}
	return k[:32] + "..."
}

func validateSave(req SaveRequest) error {
	return validateRules(inputs{
		Paths:      req.Paths,
		Keys:       []string{req.Key},
		FrameBytes: req.FrameBytes,
	}, []Rule{pathsPresent, keyPresent, keyLengthBounded, keyCommaFree, frameSizeBounded})
}

func validateRestore(req RestoreRequest) error {
	keys := make([]string, 0, 1+len(req.FallbackKeys))
	keys = append(keys, req.PrimaryKey)
	keys = append(keys, req.FallbackKeys...)
	return validateRules(inputs{
		Paths: req.Paths,
		Keys:  keys,
	}, []Rule{pathsPresent, keyPresent, keyLengthBounded, keyCommaFree, keyCountBounded})
}
