package diagram

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

// EndID is the id of the terminal node every diagram ends with.
const EndID = "__end__"

// Run is one execution to overlay on a workflow diagram.
type Run struct {
	Execution *store.Execution
	Logs      []*store.ExecutionLog
}

// link is a pending edge into the next action.
type link struct {
	from  string
	label string
}

// Build constructs a DiagramModel from a workflow definition. Triggers form
// the first level, each action gets its own level in execution order and a
// terminal node closes the flow. A conditional action also passes a "skip"
// edge around itself. When run is non-nil every action and the terminal node
// carry the status recorded for that execution.
func Build(wf *schema.Workflow, run *Run) (*DiagramModel, error) {
	if wf == nil {
		return nil, errors.New("diagram: nil workflow")
	}
	if len(wf.Actions) == 0 {
		return nil, fmt.Errorf("diagram: workflow %q has no actions", wf.Name)
	}
	if run != nil && run.Execution != nil && run.Execution.WorkflowName != wf.Name {
		return nil, fmt.Errorf("diagram: execution %s belongs to workflow %q, not %q",
			run.Execution.ID, run.Execution.WorkflowName, wf.Name)
	}

	model := &DiagramModel{Title: title(wf)}

	var prev []link
	var triggers []string
	for i, tc := range wf.Triggers {
		id := fmt.Sprintf("trigger_%d", i)
		model.Nodes = append(model.Nodes, &Node{ID: id, Label: triggerLabel(tc), Kind: NodeKindTrigger})
		triggers = append(triggers, id)
		prev = append(prev, link{from: id})
	}
	if len(triggers) > 0 {
		model.Levels = append(model.Levels, triggers)
	}

	specs := wf.OrderedActions()
	actionIDs := make([]string, len(specs))
	for i, spec := range specs {
		id := fmt.Sprintf("action_%d", i)
		actionIDs[i] = id
		node := &Node{ID: id, Label: actionLabel(spec), Kind: NodeKindAction}
		if spec.Condition != "" {
			node.Kind = NodeKindConditional
		}
		model.Nodes = append(model.Nodes, node)
		model.Levels = append(model.Levels, []string{id})

		for _, l := range prev {
			label := l.label
			if node.Kind == NodeKindConditional && label == "" {
				label = "when"
			}
			model.Edges = append(model.Edges, Edge{From: l.from, To: id, Label: label})
		}
		next := []link{{from: id}}
		if node.Kind == NodeKindConditional {
			for _, l := range prev {
				next = append(next, link{from: l.from, label: "skip"})
			}
		}
		prev = next
	}

	model.Nodes = append(model.Nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})
	model.Levels = append(model.Levels, []string{EndID})
	for _, l := range prev {
		model.Edges = append(model.Edges, Edge{From: l.from, To: EndID, Label: l.label})
	}

	if run != nil && run.Execution != nil {
		overlay(model, specs, actionIDs, run)
	}
	return model, nil
}

func title(wf *schema.Workflow) string {
	if wf.Version > 0 {
		return fmt.Sprintf("%s v%d", wf.Name, wf.Version)
	}
	return wf.Name
}

func triggerLabel(tc schema.TriggerCondition) string {
	label := tc.EventType
	if tc.EventType == schema.EventTypeSchedule && tc.Schedule != "" {
		label = "schedule " + tc.Schedule
	}
	if len(tc.Match) > 0 || tc.Condition != "" {
		label += " (filtered)"
	}
	return label
}

func actionLabel(spec schema.ActionSpec) string {
	label := spec.Type
	if spec.Name != "" && spec.Name != spec.Type {
		label = spec.Name + " (" + spec.Type + ")"
	}
	if spec.OnError == schema.OnErrorIgnore {
		label += " [ignore errors]"
	}
	return label
}

// overlay derives per-action statuses from the execution result, which holds
// one output per action that ran, and from the failure log entry naming the
// action that stopped the run.
func overlay(model *DiagramModel, specs []schema.ActionSpec, ids []string, run *Run) {
	exec := run.Execution
	outputs := map[string]json.RawMessage{}
	if len(exec.Result) > 0 {
		_ = json.Unmarshal(exec.Result, &outputs)
	}
	failedAt := failedAction(run.Logs)

	stopped := false
	for i, spec := range specs {
		st := &StatusOverlay{}
		raw, ran := outputs[spec.Key()]
		switch {
		case ran:
			st.Status = StatusCompleted
			var out struct {
				Ignored bool   `json:"ignored"`
				Error   string `json:"error"`
			}
			if json.Unmarshal(raw, &out) == nil && out.Ignored {
				st.Status = StatusIgnored
				st.Error = out.Error
			}
		case !stopped && failedAt != "" && spec.Key() == failedAt:
			st.Status = StatusFailed
			st.Error = exec.ErrorMessage
			stopped = true
		case exec.Status == schema.ExecutionStatusCompleted:
			st.Status = StatusSkipped
		case !stopped && failedAt != "":
			// Before the failing action with no output: its condition was false.
			st.Status = StatusSkipped
		default:
			st.Status = StatusPending
		}
		model.node(ids[i]).Status = st
	}

	end := model.node(EndID)
	end.Status = &StatusOverlay{
		Status:     endStatus(exec.Status),
		DurationMs: exec.Duration().Milliseconds(),
		RetryCount: exec.RetryCount,
		Error:      exec.ErrorMessage,
	}
}

func endStatus(s schema.ExecutionStatus) string {
	switch s {
	case schema.ExecutionStatusCompleted:
		return StatusCompleted
	case schema.ExecutionStatusRunning:
		return StatusRunning
	case schema.ExecutionStatusPending:
		return StatusPending
	default:
		return StatusFailed
	}
}

// failedAction returns the action named by the latest error log entry.
func failedAction(logs []*store.ExecutionLog) string {
	for i := len(logs) - 1; i >= 0; i-- {
		l := logs[i]
		if l == nil || l.Level != schema.LogLevelError || len(l.Metadata) == 0 {
			continue
		}
		var meta struct {
			Action string `json:"action"`
		}
		if json.Unmarshal(l.Metadata, &meta) == nil && meta.Action != "" {
			return meta.Action
		}
	}
	return ""
}
