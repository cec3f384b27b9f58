package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/rostersync/internal/chat"
	"github.com/roach88/rostersync/internal/ir"
	"github.com/roach88/rostersync/internal/testutil"
)

// Scenario is a scripted run of the engine against a fake chat platform and
// a scripted roster. Steps are applied in order; the engine drains after
// every step so each step's effects are settled before the next one.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Policy is an optional CUE policy file, relative to the scenario file.
	// Empty means the built-in policy.
	Policy string `yaml:"policy,omitempty"`

	// MaxAttempts bounds chat call attempts per action. Zero means 5.
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	Platform PlatformSetup `yaml:"platform,omitempty"`

	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions"`
}

// PlatformSetup seeds the fake chat platform.
type PlatformSetup struct {
	// Roles are held by chat users before the first step.
	Roles map[string][]string `yaml:"roles,omitempty"`

	// Failures script errors for matching platform calls.
	Failures []Failure `yaml:"failures,omitempty"`
}

// Failure makes a platform call fail. Times is how many matching calls
// fail before the call succeeds; zero fails every matching call. A nick
// failure matches on Nickname instead of Role.
type Failure struct {
	Op         string `yaml:"op"`
	ChatUserID string `yaml:"chat_user_id"`
	Role       string `yaml:"role,omitempty"`
	Nickname   string `yaml:"nickname,omitempty"`
	Error      string `yaml:"error"`
	Times      int    `yaml:"times,omitempty"`
}

// arg is the call argument the failure matches.
func (f Failure) arg() string {
	if f.Op == testutil.OpNick {
		return f.Nickname
	}
	return f.Role
}

// Failure error names.
const (
	FailUnavailable   = "unavailable"
	FailRateLimited   = "rate_limited"
	FailForbidden     = "forbidden"
	FailUnknownMember = "unknown_member"
	FailUnknownRole   = "unknown_role"
)

// cause returns the error the failure injects, or nil for an unknown name.
func (f Failure) cause() error {
	switch f.Error {
	case FailUnavailable:
		return chat.ErrUnavailable
	case FailRateLimited:
		return &chat.RateLimitError{RetryAfter: time.Millisecond}
	case FailForbidden:
		return chat.ErrForbidden
	case FailUnknownMember:
		return chat.ErrUnknownMember
	case FailUnknownRole:
		return chat.ErrUnknownRole
	}
	return nil
}

// Step is one input to the engine. Exactly one of Chat, Roster, Manual,
// Advance or Redeliver is set.
type Step struct {
	// Chat is a gateway notification. A zero occurred_at means the
	// scenario clock.
	Chat *chat.Notification `yaml:"chat,omitempty"`

	// Roster is the full roster the game returns on the next poll, keyed
	// by game account id. The poller diffs it against the previous one.
	Roster map[string]RosterMember `yaml:"roster,omitempty"`

	// Manual is an operator command.
	Manual *ir.ManualCommand `yaml:"manual,omitempty"`

	// Advance moves the scenario clock, e.g. "73h" to outlive a grace
	// period.
	Advance string `yaml:"advance,omitempty"`

	// Redeliver ingests the events of an earlier step (1-based) again.
	Redeliver int `yaml:"redeliver,omitempty"`
}

// RosterMember is one roster entry.
type RosterMember struct {
	Name string `yaml:"name"`
	Rank string `yaml:"rank"`
}

// Assertion checks the final state of a run. Type selects which fields
// apply.
type Assertion struct {
	Type string `yaml:"type"`

	// member: identity lookup and expected fields.
	ChatUserID    string   `yaml:"chat_user_id,omitempty"`
	GameAccountID string   `yaml:"game_account_id,omitempty"`
	Rank          string   `yaml:"rank,omitempty"`
	Verification  string   `yaml:"verification,omitempty"`
	Name          string   `yaml:"name,omitempty"`
	History       []string `yaml:"history,omitempty"`
	Archived      *bool    `yaml:"archived,omitempty"`

	// action_count and action_attempts: which actions to look at.
	Kind   string `yaml:"kind,omitempty"`
	Detail string `yaml:"detail,omitempty"`
	State  string `yaml:"state,omitempty"`
	Count  *int   `yaml:"count,omitempty"`

	// action_attempts: outcomes of the first matching action, in order.
	Outcomes []string `yaml:"outcomes,omitempty"`

	// platform_calls: the exact call log. platform_roles: roles held.
	Calls []string `yaml:"calls,omitempty"`
	Roles []string `yaml:"roles,omitempty"`

	// conflicts: reasons in the order recorded.
	Reasons []string `yaml:"reasons,omitempty"`
}

// Assertion types.
const (
	AssertMember         = "member"
	AssertActionCount    = "action_count"
	AssertActionAttempts = "action_attempts"
	AssertPlatformCalls  = "platform_calls"
	AssertPlatformRoles  = "platform_roles"
	AssertConflicts      = "conflicts"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so a typo never silently drops a check. A relative policy path
// is resolved against the scenario's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Policy != "" && !filepath.IsAbs(scenario.Policy) {
		scenario.Policy = filepath.Join(filepath.Dir(path), scenario.Policy)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if len(s.Steps) == 0 {
		return errors.New("steps list is required and must be non-empty")
	}
	if s.MaxAttempts < 0 {
		return errors.New("max_attempts must not be negative")
	}
	if s.Policy != "" {
		if _, err := os.Stat(s.Policy); err != nil {
			return fmt.Errorf("policy file not found: %s", s.Policy)
		}
	}

	for i, f := range s.Platform.Failures {
		switch f.Op {
		case testutil.OpAssign, testutil.OpRemove:
			if f.ChatUserID == "" || f.Role == "" {
				return fmt.Errorf("platform.failures[%d]: chat_user_id and role are required", i)
			}
		case testutil.OpNick:
			if f.ChatUserID == "" {
				return fmt.Errorf("platform.failures[%d]: chat_user_id is required", i)
			}
		default:
			return fmt.Errorf("platform.failures[%d]: op must be assign, remove or nick", i)
		}
		if f.cause() == nil {
			return fmt.Errorf("platform.failures[%d]: unknown error %q", i, f.Error)
		}
		if f.Times < 0 {
			return fmt.Errorf("platform.failures[%d]: times must not be negative", i)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step Step) error {
	set := 0
	if step.Chat != nil {
		set++
	}
	if step.Roster != nil {
		set++
	}
	if step.Manual != nil {
		set++
	}
	if step.Advance != "" {
		set++
		if d, err := time.ParseDuration(step.Advance); err != nil || d <= 0 {
			return fmt.Errorf("steps[%d]: advance must be a positive duration", index)
		}
	}
	if step.Redeliver != 0 {
		set++
		if step.Redeliver < 1 || step.Redeliver > index {
			return fmt.Errorf("steps[%d]: redeliver must name an earlier step", index)
		}
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one of chat, roster, manual, advance or redeliver is required", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertMember:
		if a.ChatUserID == "" && a.GameAccountID == "" {
			return fmt.Errorf("assertions[%d]: chat_user_id or game_account_id is required for member", index)
		}
	case AssertActionCount:
		if a.Kind == "" || a.Count == nil {
			return fmt.Errorf("assertions[%d]: kind and count are required for action_count", index)
		}
		if *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for action_count", index)
		}
	case AssertActionAttempts:
		if a.Kind == "" || len(a.Outcomes) == 0 {
			return fmt.Errorf("assertions[%d]: kind and outcomes are required for action_attempts", index)
		}
	case AssertPlatformCalls, AssertConflicts:
	case AssertPlatformRoles:
		if a.ChatUserID == "" {
			return fmt.Errorf("assertions[%d]: chat_user_id is required for platform_roles", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
