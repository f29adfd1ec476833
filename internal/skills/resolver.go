package skills

import (
	"context"
	"fmt"
	"regexp"
)

// mentionPattern matches @name references in task text.
var mentionPattern = regexp.MustCompile(`@([a-zA-Z0-9][a-zA-Z0-9_-]*)`)

// Mention is one textual reference to a skill in a task.
type Mention struct {
	Text   string // the matched text including the @ prefix
	Name   string
	Offset int
}

// Resolved pairs a mention with the skill it resolved to and the source
// that owns it.
type Resolved struct {
	Meta    Meta
	Mention Mention
	Source  Source
}

// Resolver matches mentions against the union of its sources. Sources are
// consulted in registration order; the first source defining a name wins.
type Resolver struct {
	sources []Source
}

// NewResolver creates a resolver over the given sources.
func NewResolver(sources ...Source) *Resolver {
	return &Resolver{sources: sources}
}

// AddSource appends a source with lowest precedence.
func (r *Resolver) AddSource(s Source) {
	r.sources = append(r.sources, s)
}

// All lists every skill across sources, first-source-wins on name clashes.
func (r *Resolver) All(ctx context.Context) ([]Meta, error) {
	seen := make(map[string]bool)
	var out []Meta
	for _, src := range r.sources {
		metas, err := src.Scan(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan %s source: %w", src.Kind(), err)
		}
		for _, m := range metas {
			if seen[m.Name] {
				continue
			}
			seen[m.Name] = true
			out = append(out, m)
		}
	}
	return out, nil
}

// ResolveMentions finds skill mentions in text, in order of first
// occurrence, each skill at most once. Mentions that match no known skill
// are ignored; they may be plain @-handles in the task text.
func (r *Resolver) ResolveMentions(ctx context.Context, text string) ([]Resolved, error) {
	matches := mentionPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil, nil
	}

	known := make(map[string]Resolved)
	for _, src := range r.sources {
		metas, err := src.Scan(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan %s source: %w", src.Kind(), err)
		}
		for _, m := range metas {
			if _, ok := known[m.Name]; !ok {
				known[m.Name] = Resolved{Meta: m, Source: src}
			}
		}
	}

	var out []Resolved
	seen := make(map[string]bool)
	for _, idx := range matches {
		name := text[idx[2]:idx[3]]
		if seen[name] {
			continue
		}
		res, ok := known[name]
		if !ok {
			continue
		}
		seen[name] = true
		res.Mention = Mention{Text: text[idx[0]:idx[1]], Name: name, Offset: idx[0]}
		out = append(out, res)
	}
	return out, nil
}
