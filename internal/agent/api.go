package agent

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// messagesClient is the subset of the Anthropic SDK used here, satisfied
// by *sdk.MessageService and by mocks in tests.
type messagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// APIInvoker runs tasks through the Anthropic Messages API instead of the
// agent CLI. One request per task, no tool loop.
type APIInvoker struct {
	messages     messagesClient
	defaultModel string
	maxTokens    int64
}

// NewAPIInvoker builds an API-backed invoker. defaultModel applies when a
// task carries no model of its own.
func NewAPIInvoker(apiKey, defaultModel string, maxTokens int) *APIInvoker {
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &APIInvoker{
		messages:     &client.Messages,
		defaultModel: defaultModel,
		maxTokens:    int64(maxTokens),
	}
}

// Invoke issues one Messages API call bounded by the task timeout. Like
// the process backend, failures land inside the Result.
func (a *APIInvoker) Invoke(ctx context.Context, task *Task) (*Result, error) {
	log := task.logger()

	model := task.Model
	if model == "" {
		model = a.defaultModel
	}
	if model == "" {
		model = modelSonnet
	}

	ctx, cancel := context.WithTimeout(ctx, task.timeout())
	defer cancel()

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: a.maxTokens,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(task.Prompt))},
	}
	if task.AppendSystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: task.AppendSystemPrompt}}
	}

	start := time.Now()
	msg, err := a.messages.New(ctx, params)
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			log.Warn("api call timed out", "task_id", task.ID, "timeout", task.timeout())
			return &Result{ExitCode: -1, TimedOut: true, Stderr: err.Error(), Duration: elapsed}, nil
		}
		log.Error("api call failed", "task_id", task.ID, "model", model, "error", err)
		return &Result{ExitCode: -1, Stderr: err.Error(), Duration: elapsed}, nil
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := sb.String()

	cost := costUSD(model, msg.Usage.InputTokens, msg.Usage.OutputTokens)
	res := &Result{
		ExitCode: 0,
		Stdout:   apiStdout(text, string(msg.StopReason)),
		NumTurns: 1,
		CostUSD:  &cost,
		Duration: elapsed,
	}
	log.Debug("api call complete",
		"task_id", task.ID,
		"model", model,
		"input_tokens", msg.Usage.InputTokens,
		"output_tokens", msg.Usage.OutputTokens,
		"cost_usd", cost,
		"duration", elapsed,
	)
	return res, nil
}

// apiStdout renders an API response in the same canonical JSON shape the
// stream fold produces, so ExtractResponseText treats both backends alike.
func apiStdout(text, stopReason string) string {
	out := map[string]any{"type": "result", "num_turns": 1}
	if text != "" {
		out["subtype"] = "success"
		out["result"] = text
	} else {
		if stopReason == "" {
			stopReason = "empty"
		}
		out["subtype"] = stopReason
	}
	data, _ := json.Marshal(out)
	return string(data)
}

// modelRate is USD per million tokens.
type modelRate struct {
	input  float64
	output float64
}

var modelRates = map[string]modelRate{
	"opus":   {input: 15.00, output: 75.00},
	"sonnet": {input: 3.00, output: 15.00},
	"haiku":  {input: 0.25, output: 1.25},
}

// costUSD prices a call from reported token usage. Unknown models are
// billed at sonnet rates.
func costUSD(model string, inputTokens, outputTokens int64) float64 {
	lm := strings.ToLower(model)
	rate := modelRates["sonnet"]
	for family, r := range modelRates {
		if strings.Contains(lm, family) {
			rate = r
			break
		}
	}
	return float64(inputTokens)*rate.input/1e6 + float64(outputTokens)*rate.output/1e6
}
