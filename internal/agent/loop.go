package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/taskflow/internal/ai"
	"github.com/suPer8Hu/taskflow/internal/logging"
	"github.com/suPer8Hu/taskflow/internal/metrics"
	"github.com/suPer8Hu/taskflow/internal/tools"
)

const DefaultMaxRounds = 10

type State int

const (
	StateAwaitingModel State = iota
	StateExecutingTools
	StateDone
	StateIterationLimit
	StateError
)

func (s State) String() string {
	switch s {
	case StateAwaitingModel:
		return "awaiting_model"
	case StateExecutingTools:
		return "executing_tools"
	case StateDone:
		return "done"
	case StateIterationLimit:
		return "iteration_limit"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Turn is one prior message of the conversation.
type Turn struct {
	Role    string
	Content string
}

// Result always carries a reply, whatever the terminal state.
type Result struct {
	Reply    string
	State    State
	Rounds   int
	Err      error
	Messages []ai.Message
}

type Loop struct {
	provider  ai.Provider
	tools     *tools.Registry
	model     string
	maxRounds int
	prompt    string
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
}

type Option func(*Loop)

func WithModel(model string) Option { return func(l *Loop) { l.model = model } }

func WithMaxRounds(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxRounds = n
		}
	}
}

func WithSystemPrompt(p string) Option { return func(l *Loop) { l.prompt = p } }

func WithLogger(log logrus.FieldLogger) Option { return func(l *Loop) { l.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(l *Loop) { l.metrics = m } }

func New(provider ai.Provider, reg *tools.Registry, opts ...Option) *Loop {
	l := &Loop{
		provider:  provider,
		tools:     reg,
		maxRounds: DefaultMaxRounds,
		prompt:    SystemPrompt,
		log:       logging.Discard(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run drives one conversation turn for identity. It never returns an error;
// faults and the round limit end in an apology reply.
func (l *Loop) Run(ctx context.Context, identity, utterance string, history []Turn) Result {
	msgs := l.buildMessages(history, utterance)
	defs := l.tools.Definitions()
	log := l.log.WithField("user_id", identity)

	var (
		state   = StateAwaitingModel
		rounds  int
		pending []ai.ToolCall
		reply   string
		fault   error
	)

	for {
		switch state {
		case StateAwaitingModel:
			if rounds >= l.maxRounds {
				state = StateIterationLimit
				continue
			}
			rounds++
			log.WithField("round", rounds).Debug("agent: calling model")
			start := time.Now()
			resp, err := l.provider.Chat(ctx, ai.ChatRequest{
				Model:      l.model,
				Messages:   msgs,
				Tools:      defs,
				ToolChoice: "auto",
			})
			l.metrics.ObserveInference(time.Since(start))
			if err != nil {
				fault = err
				state = StateError
				continue
			}
			if len(resp.ToolCalls) == 0 {
				reply = resp.Content
				if strings.TrimSpace(reply) == "" {
					reply = FallbackReply
				}
				state = StateDone
				continue
			}
			msgs = append(msgs, ai.Message{
				Role:      ai.RoleAssistant,
				Content:   resp.Content,
				ToolCalls: resp.ToolCalls,
			})
			pending = resp.ToolCalls
			state = StateExecutingTools

		case StateExecutingTools:
			for _, call := range pending {
				env := l.invoke(ctx, log, identity, call)
				msgs = append(msgs, ai.Message{
					Role:       ai.RoleTool,
					ToolCallID: call.ID,
					Name:       call.Function.Name,
					Content:    env.JSON(),
				})
			}
			pending = nil
			state = StateAwaitingModel

		case StateDone:
			return l.finish(log, Result{Reply: reply, State: state, Rounds: rounds, Messages: msgs})

		case StateIterationLimit:
			log.WithField("rounds", rounds).Warn("agent: round limit reached")
			return l.finish(log, Result{Reply: IterationLimitReply, State: state, Rounds: rounds, Messages: msgs})

		case StateError:
			log.WithError(fault).Error("agent: inference failed")
			return l.finish(log, Result{Reply: faultReplyPrefix + fault.Error(), State: state, Rounds: rounds, Err: fault, Messages: msgs})
		}
	}
}

func (l *Loop) finish(log *logrus.Entry, res Result) Result {
	l.metrics.ObserveTurn(res.State.String(), res.Rounds)
	log.WithFields(logrus.Fields{"state": res.State.String(), "rounds": res.Rounds}).Debug("agent: turn finished")
	return res
}

func (l *Loop) buildMessages(history []Turn, utterance string) []ai.Message {
	msgs := make([]ai.Message, 0, len(history)+2)
	msgs = append(msgs, ai.Message{Role: ai.RoleSystem, Content: l.prompt})
	for _, h := range history {
		msgs = append(msgs, ai.Message{Role: h.Role, Content: h.Content})
	}
	return append(msgs, ai.Message{Role: ai.RoleUser, Content: utterance})
}

// invoke runs one requested call. Every outcome, including an unknown tool
// or unparseable arguments, is reported back to the model as an envelope.
func (l *Loop) invoke(ctx context.Context, log *logrus.Entry, identity string, call ai.ToolCall) tools.Envelope {
	name := call.Function.Name
	log = log.WithFields(logrus.Fields{"tool": name, "call_id": call.ID})
	log.WithField("arguments", call.Function.Arguments).Debug("agent: tool call")

	tool, err := l.tools.Resolve(name)
	if err != nil {
		var unknown *tools.UnknownToolError
		if errors.As(err, &unknown) {
			log.Warn("agent: model requested unknown tool")
			l.metrics.ObserveTool(name, "unknown")
		}
		return tools.Failure("%s", err.Error())
	}

	args, err := parseArguments(call.Function.Arguments)
	if err != nil {
		l.metrics.ObserveTool(name, "failure")
		return tools.Failure("Invalid arguments for %s: %v", name, err)
	}
	// model output is untrusted; the owner always comes from the session
	args[tools.OwnerField] = identity

	env := tool.Call(ctx, args)
	result := "success"
	if !env.Success {
		result = "failure"
	}
	log.WithFields(logrus.Fields{"success": env.Success, "error": env.Error}).Info("agent: tool finished")
	l.metrics.ObserveTool(name, result)
	return env
}

// parseArguments decodes the model's argument string. An empty string is an
// empty object; anything other than an object is rejected.
func parseArguments(s string) (map[string]any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after arguments object")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("arguments must be a JSON object")
	}
	return obj, nil
}
