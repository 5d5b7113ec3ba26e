package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted sequence of operations with expectations.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	Settings Settings `yaml:"settings,omitempty"`

	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Settings tunes the components a scenario runs against.
type Settings struct {
	// TTL is the default reservation TTL (Go duration, default 10m).
	TTL string `yaml:"ttl,omitempty"`

	// ShardPrefixLen selects index sharding.
	ShardPrefixLen int `yaml:"shard_prefix_len,omitempty"`
}

// Step is one operation.
type Step struct {
	Op        string  `yaml:"op"`
	Key       string  `yaml:"key,omitempty"`
	Holder    string  `yaml:"holder,omitempty"`
	Version   int64   `yaml:"version,omitempty"`
	TTL       string  `yaml:"ttl,omitempty"`
	By        string  `yaml:"by,omitempty"`
	LookupKey string  `yaml:"lookup_key,omitempty"`
	RecordID  string  `yaml:"record_id,omitempty"`
	Workers   int     `yaml:"workers,omitempty"`
	Count     int     `yaml:"count,omitempty"`
	Expect    *Expect `yaml:"expect,omitempty"`
}

// Expect describes the outcome of a step. A step without Expect must
// succeed.
type Expect struct {
	// Error is the expected error name; empty means success.
	Error string `yaml:"error,omitempty"`

	// Result is matched as a subset of the step result.
	Result map[string]any `yaml:"result,omitempty"`
}

// Assertion validates state after all steps ran.
type Assertion struct {
	Type      string         `yaml:"type"`
	Key       string         `yaml:"key,omitempty"`
	LookupKey string         `yaml:"lookup_key,omitempty"`
	Op        string         `yaml:"op,omitempty"`
	Outcome   string         `yaml:"outcome,omitempty"`
	Count     int            `yaml:"count,omitempty"`
	Expect    map[string]any `yaml:"expect,omitempty"`
}

// Operations.
const (
	OpReserve           = "reserve"
	OpCommit            = "commit"
	OpCleanup           = "cleanup"
	OpAdvance           = "advance"
	OpInsert            = "insert"
	OpFind              = "find"
	OpReserveConcurrent = "reserve_concurrent"
)

// Assertion type constants.
const (
	AssertCounterState = "counter_state"
	AssertIndexEntry   = "index_entry"
	AssertTraceCount   = "trace_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.Settings.TTL != "" {
		if _, err := time.ParseDuration(s.Settings.TTL); err != nil {
			return fmt.Errorf("settings.ttl: %w", err)
		}
	}
	if s.Settings.ShardPrefixLen < 0 || s.Settings.ShardPrefixLen > 4 {
		return fmt.Errorf("settings.shard_prefix_len must be within 0..4")
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	if step.TTL != "" {
		if _, err := time.ParseDuration(step.TTL); err != nil {
			return fmt.Errorf("ttl: %w", err)
		}
	}
	switch step.Op {
	case OpReserve:
		if step.Key == "" || step.Holder == "" {
			return fmt.Errorf("reserve requires key and holder")
		}
	case OpCommit:
		if step.Key == "" || step.Holder == "" || step.Version <= 0 {
			return fmt.Errorf("commit requires key, holder and a positive version")
		}
	case OpCleanup:
	case OpAdvance:
		d, err := time.ParseDuration(step.By)
		if err != nil {
			return fmt.Errorf("advance requires a duration in by: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("advance cannot move the clock backwards")
		}
	case OpInsert:
		if step.LookupKey == "" || step.RecordID == "" {
			return fmt.Errorf("insert requires lookup_key and record_id")
		}
	case OpFind:
		if step.LookupKey == "" {
			return fmt.Errorf("find requires lookup_key")
		}
	case OpReserveConcurrent:
		if step.Key == "" || step.Workers <= 0 || step.Count <= 0 {
			return fmt.Errorf("reserve_concurrent requires key, workers and count")
		}
	case "":
		return fmt.Errorf("op is required")
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertCounterState:
		if a.Key == "" || len(a.Expect) == 0 {
			return fmt.Errorf("counter_state requires key and expect")
		}
	case AssertIndexEntry:
		if a.LookupKey == "" || len(a.Expect) == 0 {
			return fmt.Errorf("index_entry requires lookup_key and expect")
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("trace_count requires op")
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for trace_count")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
