package tools

import (
	"context"
	"time"
)

// SessionDescriptors returns the voice session control tools. Both emit
// intents rather than mutating session state directly; the surface that
// owns the session applies them.
func SessionDescriptors() []*Descriptor {
	return []*Descriptor{
		{
			ID:       "end_voice_session",
			Version:  "1.0.0",
			Category: CategoryAction,
			Description: "End the current voice session after the assistant finishes its " +
				"current reply. Use when the caller says goodbye or asks to hang up.",
			Schema: ObjectSchema(map[string]*Schema{
				"reason": StringParam("Optional short reason for ending the session"),
			}),
			AllowedModes:    []Mode{ModeVoice},
			SideEffects:     SideEffectsWrites,
			RequiresSession: true,
			LatencyBudget:   100 * time.Millisecond,
			Handler:         endVoiceSession,
		},
		{
			ID:       "suppress_audio",
			Version:  "1.0.0",
			Category: CategoryUtility,
			Description: "Stop audio playback of the current reply immediately. The text " +
				"transcript continues. Use when the caller asks the assistant to stop talking.",
			Schema:          ObjectSchema(map[string]*Schema{}),
			AllowedModes:    []Mode{ModeVoice},
			SideEffects:     SideEffectsReadOnly,
			Idempotent:      true,
			RequiresSession: true,
			LatencyBudget:   100 * time.Millisecond,
			Handler:         suppressAudio,
		},
	}
}

func endVoiceSession(ctx context.Context, inv *Invocation) (*HandlerResult, error) {
	reason, _ := inv.Arguments["reason"].(string)
	return &HandlerResult{
		Data: map[string]any{"status": "ending", "reason": reason},
		Intents: []Intent{{
			Name:   IntentEndVoiceSession,
			Timing: TimingAfterTurn,
		}},
	}, nil
}

func suppressAudio(ctx context.Context, inv *Invocation) (*HandlerResult, error) {
	return &HandlerResult{
		Data: map[string]any{"status": "suppressed"},
		Intents: []Intent{{
			Name:   IntentSuppressAudio,
			Timing: TimingImmediate,
		}},
	}, nil
}
