package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/hookflow/pkg/schema"
)

// highRetryThreshold triggers a warning; retries are still honoured.
const highRetryThreshold = 10

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// validateSemantic performs the checks JSON Schema cannot express:
// unique order indexes, registered action types, compilable predicates,
// parseable durations and cron schedules.
func validateSemantic(wf *schema.Workflow, lookup ActionLookup, predicates PredicateChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	for i, tr := range wf.Triggers {
		path := fmt.Sprintf("triggers[%d]", i)
		validateTrigger(tr, path, predicates, result)
	}

	seen := make(map[int]int, len(wf.Actions))
	for i, a := range wf.Actions {
		path := fmt.Sprintf("actions[%d]", i)

		if a.OrderIndex < 0 {
			result.AddError(path+".order_index", schema.ErrCodeValidation, "order_index must be non-negative")
		} else if prev, dup := seen[a.OrderIndex]; dup {
			result.AddError(path+".order_index", schema.ErrCodeConflict,
				fmt.Sprintf("order_index %d already used by actions[%d]", a.OrderIndex, prev))
		} else {
			seen[a.OrderIndex] = i
		}

		if lookup != nil && a.Type != "" && !lookup.Has(a.Type) {
			result.AddError(path+".type", schema.ErrCodeActionUnavailable,
				fmt.Sprintf("action %q not registered", a.Type))
		}

		if a.Condition != "" {
			checkPredicate(predicates, a.Language, a.Condition, path+".condition", result)
		}
		checkDuration(a.Timeout, path+".timeout", result)

		if a.OnError != "" && a.OnError != schema.OnErrorFail && a.OnError != schema.OnErrorIgnore {
			result.AddError(path+".on_error", schema.ErrCodeValidation,
				fmt.Sprintf("unknown on_error strategy %q", a.OnError))
		}
	}

	validatePolicy(wf.Policy, result)
	return result
}

func validateTrigger(tr schema.TriggerCondition, path string, predicates PredicateChecker, result *schema.ValidationResult) {
	for j, m := range tr.Match {
		if !strings.HasPrefix(m.Path, "$") {
			result.AddError(fmt.Sprintf("%s.match[%d].path", path, j), schema.ErrCodeValidation,
				fmt.Sprintf("match path %q must be a JSONPath starting with $", m.Path))
		}
	}
	if tr.Condition != "" {
		checkPredicate(predicates, tr.Language, tr.Condition, path+".condition", result)
	}

	switch {
	case tr.EventType == schema.EventTypeSchedule && tr.Schedule == "":
		result.AddError(path+".schedule", schema.ErrCodeValidation, "schedule trigger requires a cron expression")
	case tr.Schedule != "" && tr.EventType != schema.EventTypeSchedule:
		result.AddError(path+".schedule", schema.ErrCodeValidation,
			fmt.Sprintf("schedule is only valid with event_type %q", schema.EventTypeSchedule))
	case tr.Schedule != "":
		if _, err := cronParser.Parse(tr.Schedule); err != nil {
			result.AddError(path+".schedule", schema.ErrCodeValidation,
				fmt.Sprintf("invalid cron expression %q: %s", tr.Schedule, err.Error()))
		}
	}
}

func validatePolicy(p schema.ExecutionPolicy, result *schema.ValidationResult) {
	checkDuration(p.Timeout, "policy.timeout", result)
	if p.MaxConcurrency < 0 {
		result.AddError("policy.max_concurrency", schema.ErrCodeValidation, "max_concurrency must be non-negative")
	}
	if p.Retry == nil {
		return
	}

	if p.Retry.MaxRetries < 0 {
		result.AddError("policy.retry.max_retries", schema.ErrCodeValidation, "max_retries must be non-negative")
	}
	if p.Retry.MaxRetries > highRetryThreshold {
		result.AddWarning("policy.retry.max_retries", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", p.Retry.MaxRetries))
	}
	delay := checkDuration(p.Retry.Delay, "policy.retry.delay", result)
	maxDelay := checkDuration(p.Retry.MaxDelay, "policy.retry.max_delay", result)
	if delay > 0 && maxDelay > 0 && maxDelay < delay {
		result.AddWarning("policy.retry.max_delay", schema.ErrCodeValidation,
			fmt.Sprintf("max_delay (%s) is below delay (%s); every retry waits max_delay", p.Retry.MaxDelay, p.Retry.Delay))
	}
}

func checkPredicate(predicates PredicateChecker, language, expression, path string, result *schema.ValidationResult) {
	if predicates == nil {
		return
	}
	if err := predicates.Check(language, expression); err != nil {
		result.AddError(path, schema.ErrCodeExpression, err.Error())
	}
}

func checkDuration(s, path string, result *schema.ValidationResult) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("invalid duration %q", s))
		return 0
	}
	if d <= 0 {
		result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("duration %q must be positive", s))
	}
	return d
}
