package config

import (
	"fmt"
	"time"
)

// CurrentVersion is the configuration layout this build reads. Files
// without a version are assumed to be current.
//
// Version 1 listed tool servers under a top-level servers key and gave
// the tool and approval timeouts as whole seconds in
// agent.tool_timeout_seconds and approval.timeout_seconds. Version 2
// moved servers under mcp and uses duration strings.
const CurrentVersion = 2

// VersionError describes a configuration version this build cannot read.
type VersionError struct {
	Version int
	Current int
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Version > e.Current {
		return fmt.Sprintf("config version %d is newer than this build (current: %d); upgrade conductor to continue", e.Version, e.Current)
	}
	return fmt.Sprintf("config version %d is not valid (current: %d)", e.Version, e.Current)
}

// ValidateVersion reports whether version can be read by this build,
// possibly after migration.
func ValidateVersion(version int) error {
	if version < 1 || version > CurrentVersion {
		return &VersionError{Version: version, Current: CurrentVersion}
	}
	return nil
}

// migration rewrites a raw config from one version to the next.
type migration func(raw map[string]any) error

// migrations[v] upgrades version v to v+1.
var migrations = map[int]migration{
	1: migrateV1,
}

// migrate upgrades raw in place to CurrentVersion.
func migrate(raw map[string]any) error {
	version := CurrentVersion
	switch v := raw["version"].(type) {
	case nil:
	case int:
		version = v
	case float64:
		// JSON numbers.
		if v != float64(int(v)) {
			return fmt.Errorf("version must be an integer, got %v", v)
		}
		version = int(v)
	default:
		return fmt.Errorf("version must be an integer, got %v", v)
	}
	if err := ValidateVersion(version); err != nil {
		return err
	}
	for ; version < CurrentVersion; version++ {
		if err := migrations[version](raw); err != nil {
			return fmt.Errorf("migrate config from version %d: %w", version, err)
		}
	}
	raw["version"] = CurrentVersion
	return nil
}

func migrateV1(raw map[string]any) error {
	if servers, ok := raw["servers"]; ok {
		delete(raw, "servers")
		mcp := section(raw, "mcp")
		if _, exists := mcp["servers"]; exists {
			return fmt.Errorf("both servers and mcp.servers are set")
		}
		mcp["servers"] = servers
	}
	if err := secondsToDuration(section(raw, "agent"), "tool_timeout_seconds", "tool_timeout"); err != nil {
		return err
	}
	return secondsToDuration(section(raw, "approval"), "timeout_seconds", "timeout")
}

// section returns the nested map at key, creating it when absent.
func section(raw map[string]any, key string) map[string]any {
	if m, ok := raw[key].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	raw[key] = m
	return m
}

func secondsToDuration(m map[string]any, from, to string) error {
	v, ok := m[from]
	if !ok {
		return nil
	}
	delete(m, from)
	var seconds float64
	switch n := v.(type) {
	case int:
		seconds = float64(n)
	case float64:
		seconds = n
	default:
		return fmt.Errorf("%s must be a number, got %v", from, v)
	}
	m[to] = (time.Duration(seconds * float64(time.Second))).String()
	return nil
}
