// Package prompts holds the prompt templates the assistant sends to the
// model. Templates are constants with format verbs; each has an exported
// function that interpolates its arguments.
package prompts

import "fmt"

// baseSystemTemplate is the default system prompt for the studio
// assistant. The single format verb is the current date.
const baseSystemTemplate = `You are the Halide studio assistant, the conversational guide on
the Halide design studio website. Today's date is %s.

Halide is a small brand and digital design studio. Visitors ask about past
projects, the services offered, how the studio works, and how to start a
project. You answer from the studio knowledge base, not from memory.

## When to Use Tools
Use search_knowledge_base when the visitor asks about projects, services,
pricing, process, or the team. Use get_document to read a full page once a
search result looks relevant.

Do NOT use tools for:
- Greetings ("hi", "hello") or small talk. Just respond.
- Questions about yourself. Answer directly.

## Rules
- Ground claims about the studio in knowledge-base pages. If a search
  returns nothing relevant, say you don't have that information and suggest
  contacting the studio directly.
- Keep answers short and concrete. Link page titles by name, not URL.
- Never invent project names, client names, or prices.`

// voiceAddendum is appended to the system prompt in voice mode.
const voiceAddendum = `

## Voice Mode
You are speaking aloud. Keep replies to one or two sentences. No lists, no
markdown. If the caller says goodbye, call end_voice_session. If the caller
asks you to stop talking, call suppress_audio.`

// summaryTemplate asks the model to compress conversation history that is
// about to fall out of the context window. First verb is the word budget,
// second is the transcript.
const summaryTemplate = `Summarize the following conversation between a website visitor and
the studio assistant. Focus on:
1. What the visitor is looking for
2. Pages and projects already discussed
3. Preferences or constraints the visitor expressed
4. Any open questions

Keep the summary under %d words. Plain prose, no headings.

Conversation:
%s

Summary:`

// correctiveSameCall steers the model away from repeating an identical
// tool call within one turn. Verb is the tool id.
const correctiveSameCall = `You already called %s with these exact arguments this turn and
have its result. Do not repeat the call. Answer from the result you have,
or try meaningfully different arguments.`

// correctiveEmptyResults steers the model after consecutive empty results
// from the same tool. Verb is the tool id.
const correctiveEmptyResults = `Your last two calls to %s returned no results. The information is
probably not in the knowledge base. Stop searching, tell the visitor you
don't have that information, and suggest contacting the studio.`

// SystemPrompt returns the system prompt for the given mode. The date is
// interpolated so the model does not guess.
func SystemPrompt(date string, voice bool) string {
	p := fmt.Sprintf(baseSystemTemplate, date)
	if voice {
		p += voiceAddendum
	}
	return p
}

// SummaryPrompt returns the interpolated summarization prompt. The caller
// passes the formatted transcript (role: content pairs) and the word
// budget for the resulting summary.
func SummaryPrompt(transcript string, wordBudget int) string {
	return fmt.Sprintf(summaryTemplate, wordBudget, transcript)
}

// SummaryPreamble prefixes a carried-forward summary when it is injected
// back into the message window as context.
func SummaryPreamble(summary string) string {
	return "Summary of the earlier conversation:\n" + summary
}

// CorrectiveSameCall returns the injected guidance for a repeated
// identical tool call.
func CorrectiveSameCall(toolID string) string {
	return fmt.Sprintf(correctiveSameCall, toolID)
}

// CorrectiveEmptyResults returns the injected guidance after repeated
// empty results from one tool.
func CorrectiveEmptyResults(toolID string) string {
	return fmt.Sprintf(correctiveEmptyResults, toolID)
}
