package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrNoAnswers means stage 1 produced nothing to deliberate over.
var ErrNoAnswers = errors.New("all council models failed to respond")

// Council runs the three-stage deliberation pipeline. It holds configuration
// and the chat gateway only; all per-turn state lives on the stack of a
// single run, so one Council serves any number of concurrent turns.
type Council struct {
	models              []string
	chairman            string
	titleModel          string
	excludeFailedRaters bool
	titleTimeout        time.Duration
	chat                ChatCompleter
	logger              *slog.Logger
}

// NewCouncil wires a council from configuration and a chat gateway.
func NewCouncil(cfg Config, chat ChatCompleter, logger *slog.Logger) *Council {
	return &Council{
		models:              cfg.CouncilModels,
		chairman:            cfg.ChairmanModel,
		titleModel:          cfg.TitleModel,
		excludeFailedRaters: cfg.ExcludeFailedRaters,
		titleTimeout:        cfg.TitleGenTimeout,
		chat:                chat,
		logger:              logger.With("component", "council"),
	}
}

// queryModelsParallel sends the same messages to every model concurrently and
// returns one entry per model in the given order, no matter which call
// finishes first. A failed call carries its reason in the entry instead of
// failing the set; the returned slice is complete once this returns.
func (c *Council) queryModelsParallel(ctx context.Context, models []string, messages []ChatMessage) []ModelAnswer {
	answers := make([]ModelAnswer, len(models))

	g, ctx := errgroup.WithContext(ctx)
	for i, model := range models {
		i, model := i, model
		g.Go(func() error {
			start := time.Now()
			content, err := c.chat.CompleteChat(ctx, model, messages)
			answers[i] = ModelAnswer{
				Model:     model,
				LatencyMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				c.logger.Warn("model query failed", "model", model, "error", err)
				answers[i].Error = err.Error()
				return nil
			}
			answers[i].Response = content
			return nil
		})
	}
	// Goroutines report failures as data, so Wait is purely a barrier.
	_ = g.Wait()

	return answers
}

// Stage1CollectResponses asks every council model the user's question
// concurrently. The result preserves configured model order so labeling and
// display stay deterministic under any completion order.
func (c *Council) Stage1CollectResponses(ctx context.Context, userQuery string) []ModelAnswer {
	messages := []ChatMessage{
		{Role: "user", Content: userQuery},
	}
	return c.queryModelsParallel(ctx, c.models, messages)
}

// Stage2CollectRankings anonymizes the successful answers behind labels and
// asks the raters to rank them. Each rater sees only labels and answer text,
// never model names. Returns the submissions in rater order, the ordered
// label list, and the label-to-model mapping.
func (c *Council) Stage2CollectRankings(ctx context.Context, userQuery string, answers []ModelAnswer) ([]RankingSubmission, []string, map[string]string) {
	labels, labelToModel := AssignLabels(answers)

	var responsesText strings.Builder
	i := 0
	for _, answer := range answers {
		if !answer.OK() {
			continue
		}
		fmt.Fprintf(&responsesText, "%s:\n%s\n\n", labels[i], answer.Response)
		i++
	}

	rankingPrompt := fmt.Sprintf(`You are evaluating different responses to the following question:

Question: %s

Here are the responses from different models (anonymized):

%s

Your task:
1. First, evaluate each response individually. For each response, explain what it does well and what it does poorly.
2. Then, at the very end of your response, provide a final ranking.

IMPORTANT: Your final ranking MUST be formatted EXACTLY as follows:
- Start with the line "FINAL RANKING:" (all caps, with colon)
- Then list the responses from best to worst as a numbered list
- Each line should be: number, period, space, then ONLY the response label (e.g., "1. Response A")
- Do not add any other text or explanations in the ranking section

Example of the correct format for your ENTIRE response:

Response A provides good detail on X but misses Y...
Response B is accurate but lacks depth on Z...
Response C offers the most comprehensive answer...

FINAL RANKING:
1. Response C
2. Response A
3. Response B

Now provide your evaluation and ranking:`, userQuery, responsesText.String())

	messages := []ChatMessage{
		{Role: "user", Content: rankingPrompt},
	}

	raters := c.models
	if c.excludeFailedRaters {
		raters = make([]string, 0, len(c.models))
		for _, answer := range answers {
			if answer.OK() {
				raters = append(raters, answer.Model)
			}
		}
	}

	results := c.queryModelsParallel(ctx, raters, messages)

	submissions := make([]RankingSubmission, len(results))
	for i, result := range results {
		submission := RankingSubmission{Model: result.Model}
		if !result.OK() {
			submission.Error = result.Error
			submissions[i] = submission
			continue
		}

		submission.Ranking = result.Response
		parsed := ParseRankingFromText(result.Response)
		if err := ValidateRanking(parsed, labels); err != nil {
			c.logger.Warn("discarding ranking", "model", result.Model, "error", err)
			submission.Error = fmt.Sprintf("invalid ranking: %v", err)
			submissions[i] = submission
			continue
		}
		submission.ParsedRanking = parsed
		submissions[i] = submission
	}

	return submissions, labels, labelToModel
}

// Stage3SynthesizeFinal has the chairman read every answer and every
// evaluation, then produce the single final response. Unlike the earlier
// stages a chairman failure fails the turn; there is no fallback answer.
func (c *Council) Stage3SynthesizeFinal(ctx context.Context, userQuery string, answers []ModelAnswer, submissions []RankingSubmission) (*SynthesisResult, error) {
	var stage1Text strings.Builder
	for _, answer := range answers {
		if !answer.OK() {
			continue
		}
		fmt.Fprintf(&stage1Text, "Model: %s\nResponse: %s\n\n", answer.Model, answer.Response)
	}

	var stage2Text strings.Builder
	for _, submission := range submissions {
		if submission.Ranking == "" {
			continue
		}
		fmt.Fprintf(&stage2Text, "Model: %s\nRanking: %s\n\n", submission.Model, submission.Ranking)
	}

	chairmanPrompt := fmt.Sprintf(`You are the Chairman of an LLM Council. Multiple AI models have provided responses to a user's question, and then ranked each other's responses.

Original Question: %s

STAGE 1 - Individual Responses:
%s

STAGE 2 - Peer Rankings:
%s

Your task as Chairman is to synthesize all of this information into a single, comprehensive, accurate answer to the user's original question. Consider:
- The individual responses and their insights
- The peer rankings and what they reveal about response quality
- Any patterns of agreement or disagreement

Provide a clear, well-reasoned final answer that represents the council's collective wisdom:`, userQuery, stage1Text.String(), stage2Text.String())

	messages := []ChatMessage{
		{Role: "user", Content: chairmanPrompt},
	}

	content, err := c.chat.CompleteChat(ctx, c.chairman, messages)
	if err != nil {
		return nil, fmt.Errorf("chairman model query failed: %w", err)
	}

	return &SynthesisResult{
		Model:    c.chairman,
		Response: content,
	}, nil
}

// runStages drives the three stages in order, reporting each transition
// through emit. Both the atomic and progressive contracts share this path.
func (c *Council) runStages(ctx context.Context, userQuery string, emit func(StageEvent)) (*Turn, error) {
	emit(StageEvent{Type: EventStage1Start})
	answers := c.Stage1CollectResponses(ctx, userQuery)
	emit(StageEvent{Type: EventStage1Complete, Data: answers})

	success := 0
	for _, answer := range answers {
		if answer.OK() {
			success++
		}
	}
	if success == 0 {
		return nil, ErrNoAnswers
	}

	emit(StageEvent{Type: EventStage2Start})
	submissions, labels, labelToModel := c.Stage2CollectRankings(ctx, userQuery, answers)
	metadata := TurnMetadata{
		LabelToModel:      labelToModel,
		AggregateRankings: AggregateRankings(submissions, labels, labelToModel),
	}
	emit(StageEvent{Type: EventStage2Complete, Data: submissions, Metadata: &metadata})

	emit(StageEvent{Type: EventStage3Start})
	synthesis, err := c.Stage3SynthesizeFinal(ctx, userQuery, answers, submissions)
	if err != nil {
		return nil, fmt.Errorf("stage 3 failed: %w", err)
	}
	emit(StageEvent{Type: EventStage3Complete, Data: synthesis})

	return &Turn{
		Query:     userQuery,
		Answers:   answers,
		Rankings:  submissions,
		Synthesis: *synthesis,
		Metadata:  metadata,
	}, nil
}

// Run executes a full turn and returns it whole.
func (c *Council) Run(ctx context.Context, userQuery string) (*Turn, error) {
	return c.runStages(ctx, userQuery, func(StageEvent) {})
}

// ProgressiveRun is a council turn in flight. Drain Events until it closes,
// then call Wait for the turn or its terminal error.
type ProgressiveRun struct {
	Events <-chan StageEvent

	done chan struct{}
	turn *Turn
	err  error
}

// Wait blocks until the run ends and returns its outcome.
func (r *ProgressiveRun) Wait() (*Turn, error) {
	<-r.done
	return r.turn, r.err
}

// RunProgressive executes a full turn, delivering each stage transition on
// the run's channel as it happens. The channel closes when the run ends;
// events not consumed by the time ctx is canceled are dropped so a slow or
// gone consumer cannot wedge the pipeline.
func (c *Council) RunProgressive(ctx context.Context, userQuery string) *ProgressiveRun {
	events := make(chan StageEvent, 8)
	run := &ProgressiveRun{Events: events, done: make(chan struct{})}

	go func() {
		defer close(run.done)
		run.turn, run.err = c.runStages(ctx, userQuery, func(event StageEvent) {
			select {
			case events <- event:
			case <-ctx.Done():
			}
		})
		close(events)
	}()

	return run
}

// StartTitleTask kicks off title generation concurrently with the stage
// sequence. The returned join yields the title, or an empty string when
// generation failed; call it only when the turn is about to be persisted so
// the title never sits on the critical path.
func (c *Council) StartTitleTask(ctx context.Context, userQuery string) func() string {
	result := make(chan string, 1)
	go func() {
		title, err := c.GenerateConversationTitle(ctx, userQuery)
		if err != nil {
			c.logger.Warn("title generation failed", "error", err)
			result <- ""
			return
		}
		result <- title
	}()
	return func() string { return <-result }
}

// GenerateConversationTitle produces a 3-5 word summary of the user's query
// using the fast title model.
func (c *Council) GenerateConversationTitle(ctx context.Context, userQuery string) (string, error) {
	titlePrompt := fmt.Sprintf(`Generate a very short title (3-5 words maximum) that summarizes the following question.
The title should be concise and descriptive. Do not use quotes or punctuation in the title.

Question: %s

Title:`, userQuery)

	messages := []ChatMessage{
		{Role: "user", Content: titlePrompt},
	}

	ctx, cancel := context.WithTimeout(ctx, c.titleTimeout)
	defer cancel()

	content, err := c.chat.CompleteChat(ctx, c.titleModel, messages)
	if err != nil {
		return "", fmt.Errorf("title generation failed: %w", err)
	}

	title := strings.TrimSpace(content)
	title = strings.Trim(title, "\"'")
	if len(title) > 50 {
		title = title[:47] + "..."
	}

	return title, nil
}
