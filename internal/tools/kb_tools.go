package tools

import (
	"context"
	"time"

	"github.com/halide-studio/assistant/internal/kb"
)

// KnowledgeDescriptors returns the retrieval tools backed by the studio
// knowledge base.
func KnowledgeDescriptors(store *kb.Store) []*Descriptor {
	return []*Descriptor{
		{
			ID:       "search_knowledge_base",
			Version:  "1.0.0",
			Category: CategoryRetrieval,
			Description: "Search the studio knowledge base for project case studies, services, " +
				"and process pages. Returns ranked matches with snippets. Use get_document " +
				"to read a full page from a result's slug.",
			Schema: ObjectSchema(map[string]*Schema{
				"query": StringParam("Search terms describing what to look for"),
				"limit": IntParam("Maximum number of results to return (default 5, max 10)"),
			}, "query"),
			AllowedModes:  []Mode{ModeText, ModeVoice},
			SideEffects:   SideEffectsReadOnly,
			Idempotent:    true,
			LatencyBudget: 500 * time.Millisecond,
			Handler:       searchKnowledgeBase(store),
		},
		{
			ID:       "get_document",
			Version:  "1.0.0",
			Category: CategoryRetrieval,
			Description: "Fetch a knowledge-base page by slug. Use slugs returned by " +
				"search_knowledge_base.",
			Schema: ObjectSchema(map[string]*Schema{
				"slug": StringParam("The document slug (e.g. brand-refresh, design-process)"),
			}, "slug"),
			AllowedModes:  []Mode{ModeText, ModeVoice},
			SideEffects:   SideEffectsReadOnly,
			Idempotent:    true,
			LatencyBudget: 300 * time.Millisecond,
			Handler:       getDocument(store),
		},
	}
}

func searchKnowledgeBase(store *kb.Store) Handler {
	return func(ctx context.Context, inv *Invocation) (*HandlerResult, error) {
		query, _ := inv.Arguments["query"].(string)
		if query == "" {
			return nil, NewError(KindValidation, "query must not be empty")
		}

		limit := 5
		if l, ok := inv.Arguments["limit"].(float64); ok && l > 0 {
			limit = int(l)
		}
		if limit > 10 {
			limit = 10
		}

		matches, err := store.Search(ctx, query, limit)
		if err != nil {
			return nil, NewError(KindTransient, "knowledge base search failed")
		}

		// Results are shaped as a "results" list so loop detection can
		// recognize an empty outcome.
		results := make([]any, 0, len(matches))
		for _, m := range matches {
			results = append(results, map[string]any{
				"slug":    m.Slug,
				"title":   m.Title,
				"snippet": m.Snippet,
				"score":   m.Score,
			})
		}

		return &HandlerResult{Data: map[string]any{
			"query":   query,
			"results": results,
		}}, nil
	}
}

func getDocument(store *kb.Store) Handler {
	return func(ctx context.Context, inv *Invocation) (*HandlerResult, error) {
		slug, _ := inv.Arguments["slug"].(string)
		if slug == "" {
			return nil, NewError(KindValidation, "slug must not be empty")
		}

		doc, err := store.Get(ctx, slug)
		if err != nil {
			return nil, NewError(KindTransient, "knowledge base read failed")
		}
		if doc == nil {
			return nil, NewError(KindNotFound, "no document with slug %q", slug)
		}

		return &HandlerResult{Data: map[string]any{
			"slug":       doc.Slug,
			"title":      doc.Title,
			"body":       doc.Body,
			"updated_at": doc.UpdatedAt.Format(time.RFC3339),
		}}, nil
	}
}
