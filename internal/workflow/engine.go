// Package workflow implements the conversation turn state machine.
//
// A turn moves through fixed phases: receive and validate the input,
// score trust for customer-service agents, identify the user's problem,
// decide the next step from a dynamically built option set, gather data
// (bounded dataset-query loop or document retrieval), compose the final
// response, and report the result for recording. Provider failures are
// retried by the model router; once retries are exhausted the turn is
// reported as failed with a graceful fallback response, never dropped.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/convodeck/convodeck/backend/internal/dataset"
	"github.com/convodeck/convodeck/backend/internal/guardrails"
	"github.com/convodeck/convodeck/backend/internal/retrieval"
	"github.com/convodeck/convodeck/backend/internal/router"
	"github.com/convodeck/convodeck/backend/internal/store"
	"github.com/convodeck/convodeck/backend/pkg/models"
)

// Workflow phases, in execution order.
const (
	PhaseReceive          = "receive"
	PhaseValidateTrust    = "validate_trust"
	PhaseIdentifyProblem  = "identify_problem"
	PhaseDecideNextStep   = "decide_next_step"
	PhaseQueryDataset     = "query_dataset"
	PhaseRetrieveDocument = "retrieve_document"
	PhaseDirectAnswer     = "direct_answer"
	PhaseComposeResponse  = "compose_response"
	PhaseRecord           = "record"
)

const (
	// DefaultTrustThreshold is the escalation cutoff when the agent does
	// not configure one.
	DefaultTrustThreshold = 50

	// DefaultMaxQueryRounds bounds the dataset-query loop.
	DefaultMaxQueryRounds = 5

	// DefaultCallTimeout applies to each individual provider call.
	DefaultCallTimeout = 60 * time.Second

	// trustHistoryMinimum is how many recorded turns a thread needs
	// before trust scoring kicks in. Younger threads default to full
	// trust.
	trustHistoryMinimum = 8

	// shortTermWindow is how many recent turns feed the prompt when
	// short-term memory is enabled.
	shortTermWindow = 10
)

// Config carries the workflow's tunables.
type Config struct {
	TrustThreshold int
	MaxQueryRounds int
	CallTimeout    time.Duration
}

// Engine runs conversation turns.
type Engine struct {
	store     store.Store
	router    *router.ModelRouter
	retrieval *retrieval.Service
	datasets  *dataset.Engine
	guard     *guardrails.Checker
	cfg       Config
}

// NewEngine creates a workflow engine. Zero config fields fall back to
// package defaults.
func NewEngine(s store.Store, mr *router.ModelRouter, rs *retrieval.Service, de *dataset.Engine, guard *guardrails.Checker, cfg Config) *Engine {
	if cfg.TrustThreshold <= 0 {
		cfg.TrustThreshold = DefaultTrustThreshold
	}
	if cfg.MaxQueryRounds <= 0 {
		cfg.MaxQueryRounds = DefaultMaxQueryRounds
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Engine{store: s, router: mr, retrieval: rs, datasets: de, guard: guard, cfg: cfg}
}

// Run executes one conversation turn. Validation failures return an
// error; provider failures after retries return a failed TurnResult with
// a fallback response and a nil error, so the caller always has
// something to record and deliver.
func (e *Engine) Run(ctx context.Context, agent *models.Agent, threadID, userMessage string, channel models.Channel) (*models.TurnResult, error) {
	start := time.Now()

	if agent.Status != models.AgentStatusActive {
		return nil, &models.ValidationError{Field: "agent", Reason: "agent is not active"}
	}
	if err := e.guard.CheckInput(userMessage, channel); err != nil {
		return nil, err
	}

	state := &models.ConversationState{UserMessage: userMessage, TrustLevel: 100}
	t := &turn{engine: e, agent: agent, state: state}

	if agent.ShortTermMemory {
		history, err := e.store.ListHistory(ctx, threadID, shortTermWindow)
		if err == nil {
			for _, h := range history {
				state.Messages = append(state.Messages,
					models.ChatMessage{Role: models.RoleUser, Content: h.UserMessage},
					models.ChatMessage{Role: models.RoleAssistant, Content: h.Response})
			}
		}
	}

	// VALIDATE_TRUST applies only to customer-service agents with an
	// established thread. A turn below threshold escalates immediately,
	// before any further model calls; the classifier's complaint summary
	// becomes the problem named in the reply.
	if agent.Kind == models.AgentCustomerService {
		if err := e.validateTrust(ctx, t, threadID); err != nil {
			return e.failTurn(agent, threadID, state, start, PhaseValidateTrust, err), nil
		}
		threshold := agent.TrustThreshold
		if threshold <= 0 {
			threshold = e.cfg.TrustThreshold
		}
		if state.TrustLevel < threshold {
			log.Info().
				Str("agent_id", agent.ID).
				Str("thread_id", threadID).
				Int("trust_level", state.TrustLevel).
				Int("threshold", threshold).
				Msg("Trust below threshold, escalating")
			state.Response = escalationResponse(state.Problem)
			state.Reason = "trust below threshold"
			return e.finishTurn(agent, threadID, state, start), nil
		}
	}

	if err := e.identifyProblem(ctx, t); err != nil {
		return e.failTurn(agent, threadID, state, start, PhaseIdentifyProblem, err), nil
	}

	// Gather external data per agent kind.
	var data string
	switch {
	case agent.Kind == models.AgentSimpleRAG:
		answer, done := e.retrieveDocument(ctx, agent, state)
		if done {
			state.Response = answer
			return e.finishTurn(agent, threadID, state, start), nil
		}
		data = answer

	default:
		gathered, err := e.runDatasetFlow(ctx, t)
		if err != nil {
			return e.failTurn(agent, threadID, state, start, PhaseQueryDataset, err), nil
		}
		data = gathered
	}

	if err := e.compose(ctx, t, threadID, data); err != nil {
		return e.failTurn(agent, threadID, state, start, PhaseComposeResponse, err), nil
	}

	// Cache the answer for the exact-match fast path and remember the
	// turn, both best effort.
	if agent.Kind == models.AgentSimpleRAG && state.IncludedData {
		if err := e.retrieval.CacheAnswer(ctx, agent.ID, userMessage, state.Response); err != nil {
			log.Warn().Err(err).Str("agent_id", agent.ID).Msg("Answer cache write failed")
		}
	}
	if agent.LongTermMemory {
		if err := e.retrieval.AddMemory(ctx, threadID, userMessage, state.Response); err != nil {
			log.Warn().Err(err).Str("thread_id", threadID).Msg("Memory write failed")
		}
	}

	return e.finishTurn(agent, threadID, state, start), nil
}

// ── Phases ──────────────────────────────────────────────────

func (e *Engine) validateTrust(ctx context.Context, t *turn, threadID string) error {
	count, err := e.store.CountHistory(ctx, threadID)
	if err != nil {
		return fmt.Errorf("count history: %w", err)
	}
	if count <= trustHistoryMinimum {
		return nil
	}

	var out struct {
		TrustLevel int    `json:"trust_level"`
		Complaint  string `json:"complaint"`
	}
	prompt := fmt.Sprintf(trustPrompt, t.state.UserMessage)
	if err := t.completeStructured(ctx, prompt, trustSchema, "trust_assessment", &out); err != nil {
		return err
	}
	t.state.TrustLevel = out.TrustLevel
	if out.Complaint != "" {
		t.state.Problem = out.Complaint
	}

	log.Debug().
		Str("phase", PhaseValidateTrust).
		Str("agent_id", t.agent.ID).
		Int("trust_level", out.TrustLevel).
		Msg("Trust assessed")
	return nil
}

func (e *Engine) identifyProblem(ctx context.Context, t *turn) error {
	var out struct {
		Problem        string `json:"problem"`
		ProblemSolving string `json:"problem_solving"`
	}
	prompt := fmt.Sprintf(identifyProblemPrompt, t.state.UserMessage)
	if err := t.completeStructured(ctx, prompt, problemSchema, "problem_statement", &out); err != nil {
		return err
	}
	t.state.Problem = out.Problem
	t.state.ProblemSolving = out.ProblemSolving
	return nil
}

// runDatasetFlow decides the next step and, when a database is chosen,
// runs the bounded query loop. Returns the gathered data block.
func (e *Engine) runDatasetFlow(ctx context.Context, t *turn) (string, error) {
	datasets, err := e.store.ListDatasets(ctx, t.agent.ID)
	if err != nil {
		return "", fmt.Errorf("list datasets: %w", err)
	}
	if len(datasets) == 0 {
		t.state.NextStep = "end"
		return "", nil
	}

	next, err := e.decideNextStep(ctx, t, datasets)
	if err != nil {
		return "", err
	}
	t.state.NextStep = next
	if next == "end" {
		return "", nil
	}

	return e.queryDatasets(ctx, t, datasets)
}

// decideNextStep asks the model to pick from the dynamically built
// option set. An out-of-set answer is retried once, then forced to
// "end".
func (e *Engine) decideNextStep(ctx context.Context, t *turn, datasets []models.Dataset) (string, error) {
	options := decideOptions(datasets)
	prompt := decidePrompt(t.state.Problem, t.state.ProblemSolving, options)
	schema := decideSchema(options)

	for attempt := 0; attempt < 2; attempt++ {
		var out struct {
			NextStep string `json:"next_step"`
		}
		if err := t.completeStructured(ctx, prompt, schema, "next_step", &out); err != nil {
			return "", err
		}
		if out.NextStep == "end" || datasetForOption(out.NextStep, datasets) != nil {
			return out.NextStep, nil
		}
		log.Warn().
			Str("phase", PhaseDecideNextStep).
			Str("agent_id", t.agent.ID).
			Str("next_step", out.NextStep).
			Msg("Next step outside option set, retrying")
	}
	return "end", nil
}

// queryDatasets runs the bounded query-generation loop. Query errors are
// fed back into the next round's prompt; the round cap holds regardless
// of what the model asks for.
func (e *Engine) queryDatasets(ctx context.Context, t *turn, datasets []models.Dataset) (string, error) {
	maxRounds := t.agent.MaxQueryRounds
	if maxRounds <= 0 {
		maxRounds = e.cfg.MaxQueryRounds
	}

	schemas := make([]string, 0, len(datasets))
	byName := make(map[string]*models.Dataset, len(datasets))
	for i := range datasets {
		schemas = append(schemas, datasets[i].Schema)
		byName[datasets[i].Name] = &datasets[i]
	}

	var gathered string
	feedback := ""
	for round := 1; round <= maxRounds; round++ {
		var out struct {
			Query         string `json:"query"`
			DBName        string `json:"db_name"`
			QueryAgain    bool   `json:"query_again"`
			NextQueryDesc string `json:"next_query_desc"`
		}
		prompt := queryGenPrompt(t.state.Problem, schemas, gathered, feedback)
		if err := t.completeStructured(ctx, prompt, querySchema, "dataset_query", &out); err != nil {
			return gathered, err
		}

		ds, ok := byName[out.DBName]
		if !ok {
			feedback = fmt.Sprintf("database %q does not exist", out.DBName)
			continue
		}

		// Engines live in memory; after a restart the dataset file is
		// reloaded on first use.
		if _, err := e.datasets.Describe(ds.ID); err != nil {
			if _, err := e.datasets.Register(ctx, ds.ID, ds.Name, ds.Path); err != nil {
				log.Error().Err(err).Str("dataset_id", ds.ID).Msg("Dataset reload failed")
				feedback = fmt.Sprintf("database %q is unavailable", out.DBName)
				continue
			}
		}

		rows, err := e.datasets.Query(ctx, ds.ID, out.Query)
		if err != nil {
			log.Warn().
				Str("phase", PhaseQueryDataset).
				Str("agent_id", t.agent.ID).
				Str("db_name", out.DBName).
				Int("round", round).
				Err(err).
				Msg("Dataset query failed")
			feedback = err.Error()
			continue
		}
		feedback = ""

		rowsJSON, _ := json.Marshal(rows)
		gathered += fmt.Sprintf("Result of query %q on %s:\n%s\n", out.Query, out.DBName, rowsJSON)
		t.state.IncludedData = true

		if !out.QueryAgain {
			break
		}
	}
	return gathered, nil
}

// retrieveDocument is the simple-RAG data phase. A cached exact answer
// short-circuits the turn (done=true); otherwise the formatted top-K
// chunks come back as the data block for composition.
func (e *Engine) retrieveDocument(ctx context.Context, agent *models.Agent, state *models.ConversationState) (string, bool) {
	answer, ok, err := e.retrieval.ExactQuery(ctx, agent.ID, state.UserMessage)
	if err != nil {
		log.Warn().Err(err).Str("agent_id", agent.ID).Msg("Exact-answer lookup failed")
	} else if ok {
		state.IncludedData = true
		state.Reason = "cached answer"
		return answer, true
	}

	chunks, err := e.retrieval.Search(ctx, agent.ID, state.UserMessage)
	if err != nil {
		// Retrieval trouble degrades to a direct answer rather than
		// failing the turn.
		log.Warn().
			Str("phase", PhaseRetrieveDocument).
			Str("agent_id", agent.ID).
			Err(err).
			Msg("Similarity search failed")
		return "", false
	}
	if len(chunks) == 0 {
		return "", false
	}
	state.IncludedData = true
	return retrieval.FormatChunks(chunks), false
}

// compose runs the final response generation with the full system
// prompt, short-term history, and gathered data.
func (e *Engine) compose(ctx context.Context, t *turn, threadID, data string) error {
	var company *models.CompanyInfo
	if t.agent.Kind == models.AgentCustomerService {
		if c, err := e.store.GetCompany(ctx, t.agent.Workspace); err == nil {
			company = c
		}
	}

	var memory []string
	if t.agent.LongTermMemory {
		m, err := e.retrieval.SearchMemory(ctx, threadID, t.state.UserMessage, 0)
		if err != nil {
			log.Warn().Err(err).Str("thread_id", threadID).Msg("Memory search failed")
		} else {
			memory = m
		}
	}

	messages := make([]models.ChatMessage, 0, len(t.state.Messages)+2)
	messages = append(messages, models.ChatMessage{
		Role:    models.RoleSystem,
		Content: systemPrompt(t.agent, company, memory),
	})
	messages = append(messages, t.state.Messages...)
	messages = append(messages, models.ChatMessage{
		Role:    models.RoleUser,
		Content: composePrompt(t.state.UserMessage, data),
	})

	content, err := t.complete(ctx, messages, nil, "")
	if err != nil {
		return err
	}
	t.state.Response = content
	return nil
}

// ── Turn outcome ────────────────────────────────────────────

func (e *Engine) finishTurn(agent *models.Agent, threadID string, state *models.ConversationState, start time.Time) *models.TurnResult {
	log.Info().
		Str("agent_id", agent.ID).
		Str("thread_id", threadID).
		Bool("included_data", state.IncludedData).
		Int64("tokens", state.TokenUsage).
		Dur("duration", time.Since(start)).
		Msg("Turn completed")
	return &models.TurnResult{
		ThreadID:     threadID,
		Response:     state.Response,
		TotalTokens:  state.TokenUsage,
		ResponseTime: time.Since(start).Seconds(),
		Model:        agent.Model,
		Success:      true,
		Reason:       state.Reason,
	}
}

// failTurn converts an exhausted provider failure into a recorded failed
// turn with a graceful user-facing response.
func (e *Engine) failTurn(agent *models.Agent, threadID string, state *models.ConversationState, start time.Time, phase string, err error) *models.TurnResult {
	log.Error().
		Str("agent_id", agent.ID).
		Str("thread_id", threadID).
		Str("phase", phase).
		Err(err).
		Msg("Turn failed")
	return &models.TurnResult{
		ThreadID:     threadID,
		Response:     fallbackResponse,
		TotalTokens:  state.TokenUsage,
		ResponseTime: time.Since(start).Seconds(),
		Model:        agent.Model,
		Success:      false,
		Reason:       fmt.Sprintf("%s: %v", phase, err),
	}
}

// ── Provider call helpers ───────────────────────────────────

// turn bundles the per-invocation state so call helpers can accumulate
// token usage as they go.
type turn struct {
	engine *Engine
	agent  *models.Agent
	state  *models.ConversationState
}

// complete runs one provider call under the per-call timeout and adds
// its token usage to the running total.
func (t *turn) complete(ctx context.Context, messages []models.ChatMessage, schema map[string]interface{}, schemaName string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.engine.cfg.CallTimeout)
	defer cancel()

	resp, err := t.engine.router.Complete(callCtx, t.agent.Provider, &models.CompletionRequest{
		Model:          t.agent.Model,
		Messages:       messages,
		ResponseSchema: schema,
		SchemaName:     schemaName,
	})
	if err != nil {
		return "", err
	}
	if resp.Usage != nil {
		t.state.TokenUsage += resp.Usage.TotalTokens
	}
	return resp.Content, nil
}

// completeStructured runs a schema-constrained call and decodes the JSON
// reply into out.
func (t *turn) completeStructured(ctx context.Context, prompt string, schema map[string]interface{}, schemaName string, out interface{}) error {
	content, err := t.complete(ctx, []models.ChatMessage{
		{Role: models.RoleUser, Content: prompt},
	}, schema, schemaName)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("decode structured reply: %w", err)
	}
	return nil
}
