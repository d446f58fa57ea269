package tool

import (
	"context"

	"github.com/qzbxwv/EGO/internal/llm"
)

const searchInstruction = `You are an advanced search engine.
Give the most complete and detailed answer to the query using everything you can find on the Internet.
Do not add formatting or filler, return only the information found, including formulas.
USE THE SEARCH TOOL.`

const criticInstruction = `You are AlterEgo, the other side of EGO.
Take EGO's thought and examine it from different angles.
Take it apart, find weak points, offer new ideas and approaches.
Do not lie and do not flatter. Find every problem with the proposed solution and ask the right questions.`

// Search answers queries with live web grounding.
type Search struct {
	gen Generator
}

// NewSearch returns the EgoSearch tool.
func NewSearch(gen Generator) *Search { return &Search{gen: gen} }

func (s *Search) Name() string { return "EgoSearch" }

func (s *Search) Description() string {
	return "Web search with grounded answers. Accepts questions, keywords or exact URLs. Do not use it to solve abstract problems."
}

func (s *Search) Invoke(ctx context.Context, query string) Result {
	return generate(ctx, s.gen, s.Name(), &llm.Request{
		Prompt:            query,
		Temperature:       0.1,
		SystemInstruction: searchInstruction,
		Tools:             []llm.ToolDescriptor{llm.WebSearch},
	})
}

// Critic is an adversarial reviewer of the agent's own reasoning.
type Critic struct {
	gen Generator
}

// NewCritic returns the AlterEgo tool.
func NewCritic(gen Generator) *Critic { return &Critic{gen: gen} }

func (c *Critic) Name() string { return "AlterEgo" }

func (c *Critic) Description() string {
	return "Inner critic. Give it a thought or a draft and it finds gaps and weaknesses. It does not solve the problem."
}

func (c *Critic) Invoke(ctx context.Context, query string) Result {
	return generate(ctx, c.gen, c.Name(), &llm.Request{
		Prompt:            query,
		Temperature:       0.9,
		SystemInstruction: criticInstruction,
	})
}

func generate(ctx context.Context, gen Generator, name string, req *llm.Request) Result {
	resp, err := gen.Generate(ctx, req)
	if err != nil {
		return Errorf("%s error: %v", name, err)
	}
	return Result{Content: resp.Text, Usage: resp.Usage}
}
