// Package tools exposes the memory engine's operations as LLM tool
// definitions. Recoverable failures come back as a structured Result with
// the Error field set, so a tool-calling model can react in-band instead of
// the host aborting the turn.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/becomeliminal/tiermem/core"
	"github.com/becomeliminal/tiermem/memory"
)

// Result is the outcome of one tool invocation.
type Result struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Handler executes one tool call against the memory engine.
type Handler func(ctx context.Context, input json.RawMessage) *Result

// Tool pairs a tool definition with its handler.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
	Handler     Handler
}

func ok(data interface{}) *Result {
	return &Result{Success: true, Data: data}
}

func fail(err error) *Result {
	return &Result{Error: err.Error()}
}

// MemoryTools returns the tool set over a controller.
func MemoryTools(ctrl *memory.Controller) []Tool {
	return []Tool{
		{
			Name:        "memory_add_task",
			Description: "Record a task or message in a session's ephemeral log. Importance is a 0-1 score used by later promotion.",
			InputSchema: ObjectSchema(map[string]interface{}{
				"session_id": StringProperty("Session to record into"),
				"content":    StringProperty("The content to remember"),
				"type":       StringEnumProperty("Kind of content", "message", "fact", "plan", "tool_result"),
				"importance": NumberProperty("Importance score in [0, 1]"),
			}, "session_id", "content"),
			Handler: addTaskHandler(ctrl),
		},
		{
			Name:        "memory_trigger_promotion",
			Description: "Run a promotion pass, moving qualifying content up the tier hierarchy. Omit session_id to promote every registered session.",
			InputSchema: ObjectSchema(map[string]interface{}{
				"session_id": StringProperty("Optional: promote only this session"),
				"l2_to_l3":   BooleanProperty("Also promote working memory to session summaries"),
				"l3_to_l4":   BooleanProperty("Also promote session summaries to global facts"),
			}),
			Handler: promotionHandler(ctrl),
		},
		{
			Name:        "memory_create_projection",
			Description: "Assemble budget-bounded context for an instruction: relevant global facts, recent session summaries, and the active plan.",
			InputSchema: ObjectSchema(map[string]interface{}{
				"instruction":  StringProperty("The instruction to project context for"),
				"total_budget": IntegerProperty("Optional: token budget (default: configured total)"),
			}, "instruction"),
			Handler: projectionHandler(ctrl),
		},
		{
			Name:        "memory_share_context",
			Description: "Copy the most recent log entries of one session into other sessions.",
			InputSchema: ObjectSchema(map[string]interface{}{
				"source":        StringProperty("Source session id"),
				"targets":       ArrayProperty("Target session ids", StringProperty("session id")),
				"message_limit": IntegerProperty("How many recent entries to copy"),
			}, "source", "targets", "message_limit"),
			Handler: shareContextHandler(ctrl),
		},
		{
			Name:        "memory_dump_state",
			Description: "Dump a diagnostic snapshot of every stored entry across all tiers, with truncated content previews.",
			InputSchema: ObjectSchema(map[string]interface{}{}),
			Handler: func(ctx context.Context, input json.RawMessage) *Result {
				return ok(ctrl.DumpState())
			},
		},
	}
}

func addTaskHandler(ctrl *memory.Controller) Handler {
	return func(ctx context.Context, input json.RawMessage) *Result {
		var args struct {
			SessionID  string  `json:"session_id"`
			Content    string  `json:"content"`
			Type       string  `json:"type"`
			Importance float64 `json:"importance"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return fail(fmt.Errorf("invalid input: %w", err))
		}

		entryType := core.EntryType(args.Type)
		if args.Type == "" {
			entryType = core.TypeMessage
		}
		entry := core.NewEntry(args.Content, core.TierL1Ephemeral, entryType, args.Importance)
		if err := ctrl.AddTask(args.SessionID, entry); err != nil {
			return fail(err)
		}
		return ok(map[string]string{"entry_id": entry.ID})
	}
}

func promotionHandler(ctrl *memory.Controller) Handler {
	return func(ctx context.Context, input json.RawMessage) *Result {
		var args struct {
			SessionID string `json:"session_id"`
			L2ToL3    bool   `json:"l2_to_l3"`
			L3ToL4    bool   `json:"l3_to_l4"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return fail(fmt.Errorf("invalid input: %w", err))
		}

		report, err := ctrl.TriggerPromotion(ctx, args.SessionID, args.L2ToL3, args.L3ToL4)
		if err != nil {
			return fail(err)
		}
		return ok(report)
	}
}

func projectionHandler(ctrl *memory.Controller) Handler {
	return func(ctx context.Context, input json.RawMessage) *Result {
		var args struct {
			Instruction string `json:"instruction"`
			TotalBudget int    `json:"total_budget"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return fail(fmt.Errorf("invalid input: %w", err))
		}

		projection, err := ctrl.CreateProjection(args.Instruction, args.TotalBudget)
		if err != nil {
			return fail(err)
		}
		return ok(projection)
	}
}

func shareContextHandler(ctrl *memory.Controller) Handler {
	return func(ctx context.Context, input json.RawMessage) *Result {
		var args struct {
			Source       string   `json:"source"`
			Targets      []string `json:"targets"`
			MessageLimit int      `json:"message_limit"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return fail(fmt.Errorf("invalid input: %w", err))
		}

		counts, err := ctrl.ShareContext(args.Source, args.Targets, args.MessageLimit)
		if err != nil {
			return fail(err)
		}
		return ok(counts)
	}
}
