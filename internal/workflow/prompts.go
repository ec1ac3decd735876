package workflow

import (
	"fmt"
	"strings"

	"github.com/convodeck/convodeck/backend/pkg/models"
)

// tonePresets expands an agent's tone into a system prompt fragment.
var tonePresets = map[models.Tone]string{
	models.ToneFriendly:     "Be warm and approachable. Use everyday language and show genuine interest in helping.",
	models.ToneFormal:       "Maintain a formal register. Use complete sentences, avoid contractions and colloquialisms.",
	models.ToneCasual:       "Keep it relaxed and conversational. Short sentences are fine, light humor is fine.",
	models.ToneProfessional: "Be courteous, precise, and businesslike. Stay focused on resolving the request.",
	models.ToneNeutral:      "Use a plain, neutral tone without embellishment.",
}

// systemPrompt assembles the agent's system message from its base prompt,
// tone preset, company information, and any long-term memory context.
func systemPrompt(agent *models.Agent, company *models.CompanyInfo, memory []string) string {
	var sb strings.Builder

	if agent.BasePrompt != "" {
		sb.WriteString(agent.BasePrompt)
	} else {
		fmt.Fprintf(&sb, "You are %s, a helpful assistant.", agent.Name)
	}

	if preset, ok := tonePresets[agent.Tone]; ok {
		sb.WriteString("\n\n")
		sb.WriteString(preset)
	}

	if company != nil && company.Name != "" {
		sb.WriteString("\n\nYou represent the following company:\n")
		fmt.Fprintf(&sb, "Name: %s\n", company.Name)
		if company.Description != "" {
			fmt.Fprintf(&sb, "About: %s\n", company.Description)
		}
		if company.Address != "" {
			fmt.Fprintf(&sb, "Address: %s\n", company.Address)
		}
		if company.Email != "" {
			fmt.Fprintf(&sb, "Email: %s\n", company.Email)
		}
		if company.Phone != "" {
			fmt.Fprintf(&sb, "Phone: %s\n", company.Phone)
		}
	}

	if len(memory) > 0 {
		sb.WriteString("\n\nRelevant context from earlier conversations:\n")
		for _, m := range memory {
			sb.WriteString(m)
			sb.WriteString("\n---\n")
		}
	}

	return sb.String()
}

// ── Trust classification ────────────────────────────────────

const trustPrompt = `Assess the customer's message below. Score how calm and
cooperative the customer is on a scale of 0 to 100, where 100 means fully
cooperative and 0 means hostile or demanding immediate human intervention.
If the message is a complaint, summarize it in one sentence.

Customer message:
%s`

var trustSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"trust_level": map[string]interface{}{
			"type":    "integer",
			"minimum": 0,
			"maximum": 100,
		},
		"complaint": map[string]interface{}{"type": "string"},
	},
	"required":             []string{"trust_level"},
	"additionalProperties": false,
}

// ── Problem identification ──────────────────────────────────

const identifyProblemPrompt = `Read the user's message and state, in one
sentence each, what the user wants and how you would go about solving it.

User message:
%s`

var problemSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"problem":         map[string]interface{}{"type": "string"},
		"problem_solving": map[string]interface{}{"type": "string"},
	},
	"required":             []string{"problem", "problem_solving"},
	"additionalProperties": false,
}

// ── Next-step decision ──────────────────────────────────────

// decideOptions builds the dynamic option set for DECIDE_NEXT_STEP:
// one check_<dataset>_database entry per attached dataset plus "end".
func decideOptions(datasets []models.Dataset) []string {
	options := make([]string, 0, len(datasets)+1)
	for _, ds := range datasets {
		options = append(options, "check_"+ds.Name+"_database")
	}
	return append(options, "end")
}

// datasetForOption resolves a chosen option back to its dataset, or nil
// for "end" and anything out of set.
func datasetForOption(option string, datasets []models.Dataset) *models.Dataset {
	for i := range datasets {
		if option == "check_"+datasets[i].Name+"_database" {
			return &datasets[i]
		}
	}
	return nil
}

func decidePrompt(problem, problemSolving string, options []string) string {
	return fmt.Sprintf(`The user's problem: %s
Planned approach: %s

Decide the next step. Choose "check_<name>_database" to look up data in that
database, or "end" if no database lookup is needed. Valid choices: %s`,
		problem, problemSolving, strings.Join(options, ", "))
}

func decideSchema(options []string) map[string]interface{} {
	enum := make([]interface{}, len(options))
	for i, o := range options {
		enum[i] = o
	}
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"next_step": map[string]interface{}{
				"type": "string",
				"enum": enum,
			},
		},
		"required":             []string{"next_step"},
		"additionalProperties": false,
	}
}

// ── Dataset query generation ────────────────────────────────

func queryGenPrompt(problem string, schemas []string, gathered, feedback string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `Write one SQLite SELECT statement to help answer the user's problem.

Problem: %s

Available databases:
%s`, problem, strings.Join(schemas, "\n"))

	if gathered != "" {
		sb.WriteString("\n\nData gathered so far:\n")
		sb.WriteString(gathered)
	}
	if feedback != "" {
		sb.WriteString("\n\nYour previous query failed with this error, write a corrected one:\n")
		sb.WriteString(feedback)
	}
	sb.WriteString(`

Return the SQL in "query", the target database name in "db_name", whether
another query is needed after this one in "query_again", and if so describe
it in "next_query_desc".`)
	return sb.String()
}

var querySchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"query":           map[string]interface{}{"type": "string"},
		"db_name":         map[string]interface{}{"type": "string"},
		"query_again":     map[string]interface{}{"type": "boolean"},
		"next_query_desc": map[string]interface{}{"type": "string"},
	},
	"required":             []string{"query", "db_name", "query_again"},
	"additionalProperties": false,
}

// ── Response composition ────────────────────────────────────

func composePrompt(userMessage, data string) string {
	if data == "" {
		return userMessage
	}
	return fmt.Sprintf(`%s

Use the following information to answer. Cite sources when they are given.

%s`, userMessage, data)
}

// escalationResponse is the short-circuit reply when trust falls below
// the agent's threshold. It names the detected problem so the customer
// knows they were understood.
func escalationResponse(problem string) string {
	if problem == "" {
		problem = "your request"
	}
	return fmt.Sprintf(
		"I understand your concern regarding %s. I'm escalating this to a member of our team who will follow up with you directly as soon as possible.",
		problem)
}

// fallbackResponse is the graceful reply sent when a turn fails after
// retries. Diagnostic detail goes to the log, never to the user.
const fallbackResponse = "I'm sorry, I'm having trouble responding right now. Please try again in a moment."
