package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/taskflow/internal/ai"
	"github.com/suPer8Hu/taskflow/internal/metrics"
	"github.com/suPer8Hu/taskflow/internal/task"
	"github.com/suPer8Hu/taskflow/internal/tools"
	"gorm.io/gorm"
)

// scriptedProvider replays canned responses and records every request.
type scriptedProvider struct {
	script []func(req ai.ChatRequest) (*ai.ChatResponse, error)
	calls  []ai.ChatRequest
}

func (p *scriptedProvider) Chat(ctx context.Context, req ai.ChatRequest) (*ai.ChatResponse, error) {
	req.Messages = append([]ai.Message(nil), req.Messages...)
	p.calls = append(p.calls, req)
	i := len(p.calls) - 1
	if i >= len(p.script) {
		i = len(p.script) - 1
	}
	return p.script[i](req)
}

func text(s string) func(ai.ChatRequest) (*ai.ChatResponse, error) {
	return func(ai.ChatRequest) (*ai.ChatResponse, error) { return &ai.ChatResponse{Content: s}, nil }
}

func calls(cs ...ai.ToolCall) func(ai.ChatRequest) (*ai.ChatResponse, error) {
	return func(ai.ChatRequest) (*ai.ChatResponse, error) { return &ai.ChatResponse{ToolCalls: cs}, nil }
}

func call(id, name, args string) ai.ToolCall {
	return ai.ToolCall{ID: id, Type: "function", Function: ai.FunctionCall{Name: name, Arguments: args}}
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err, "open sqlite")
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&task.Task{}))
	return db
}

func newLoop(t *testing.T, p ai.Provider, opts ...Option) (*Loop, *task.Repo) {
	t.Helper()
	repo := task.NewRepo(openTestDB(t))
	reg, err := tools.NewTaskRegistry(repo)
	require.NoError(t, err)
	return New(p, reg, opts...), repo
}

func TestRun_TextOnlyReturnsAfterOneCall(t *testing.T) {
	p := &scriptedProvider{script: []func(ai.ChatRequest) (*ai.ChatResponse, error){text("Hello there!")}}
	loop, _ := newLoop(t, p, WithModel("m1"))

	res := loop.Run(context.Background(), "alice", "hi", []Turn{
		{Role: ai.RoleUser, Content: "earlier"},
		{Role: ai.RoleAssistant, Content: "reply"},
	})

	assert.Equal(t, "Hello there!", res.Reply)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 1, res.Rounds)
	require.Len(t, p.calls, 1)

	req := p.calls[0]
	assert.Equal(t, "m1", req.Model)
	assert.Equal(t, "auto", req.ToolChoice)
	assert.Len(t, req.Tools, 5)
	require.Len(t, req.Messages, 4)
	assert.Equal(t, ai.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, SystemPrompt, req.Messages[0].Content)
	assert.Equal(t, "earlier", req.Messages[1].Content)
	assert.Equal(t, ai.Message{Role: ai.RoleUser, Content: "hi"}, req.Messages[3])
}

func TestRun_EmptyTextUsesFallback(t *testing.T) {
	p := &scriptedProvider{script: []func(ai.ChatRequest) (*ai.ChatResponse, error){text("  ")}}
	loop, _ := newLoop(t, p)

	res := loop.Run(context.Background(), "alice", "hmm", nil)
	assert.Equal(t, FallbackReply, res.Reply)
	assert.Equal(t, StateDone, res.State)
}

func TestRun_ToolResultsKeepRequestOrder(t *testing.T) {
	p := &scriptedProvider{script: []func(ai.ChatRequest) (*ai.ChatResponse, error){
		calls(
			call("call_A", "add_task", `{"title":"first"}`),
			call("call_B", "list_tasks", `{"status":"all"}`),
		),
		text("Added it."),
	}}
	loop, repo := newLoop(t, p)

	res := loop.Run(context.Background(), "alice", "add first", nil)
	require.Equal(t, StateDone, res.State)
	assert.Equal(t, "Added it.", res.Reply)
	require.Len(t, p.calls, 2)

	msgs := p.calls[1].Messages
	require.Len(t, msgs, 5)
	assert.Equal(t, ai.RoleAssistant, msgs[2].Role)
	require.Len(t, msgs[2].ToolCalls, 2)
	assert.Equal(t, ai.RoleTool, msgs[3].Role)
	assert.Equal(t, "call_A", msgs[3].ToolCallID)
	assert.Equal(t, ai.RoleTool, msgs[4].Role)
	assert.Equal(t, "call_B", msgs[4].ToolCallID)

	var listed tools.Envelope
	require.NoError(t, json.Unmarshal([]byte(msgs[4].Content), &listed))
	assert.Equal(t, 1, *listed.Count)

	rows, err := repo.List(context.Background(), "alice", task.StatusAll)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRun_OwnerIsStampedOverModelValue(t *testing.T) {
	p := &scriptedProvider{script: []func(ai.ChatRequest) (*ai.ChatResponse, error){
		calls(call("c1", "add_task", `{"title":"sneaky","user_id":"victim"}`)),
		text("done"),
	}}
	loop, repo := newLoop(t, p)

	loop.Run(context.Background(), "alice", "add", nil)

	mine, err := repo.List(context.Background(), "alice", task.StatusAll)
	require.NoError(t, err)
	assert.Len(t, mine, 1)
	theirs, err := repo.List(context.Background(), "victim", task.StatusAll)
	require.NoError(t, err)
	assert.Empty(t, theirs)
}

func TestRun_IterationLimit(t *testing.T) {
	p := &scriptedProvider{script: []func(ai.ChatRequest) (*ai.ChatResponse, error){
		calls(call("c", "list_tasks", `{}`)),
	}}
	m := metrics.New()
	loop, _ := newLoop(t, p, WithMetrics(m))

	res := loop.Run(context.Background(), "alice", "loop forever", nil)
	assert.Equal(t, IterationLimitReply, res.Reply)
	assert.Equal(t, StateIterationLimit, res.State)
	assert.Equal(t, DefaultMaxRounds, res.Rounds)
	assert.Len(t, p.calls, DefaultMaxRounds)
}

func TestRun_InferenceFaultIsNotRetried(t *testing.T) {
	p := &scriptedProvider{script: []func(ai.ChatRequest) (*ai.ChatResponse, error){
		func(ai.ChatRequest) (*ai.ChatResponse, error) { return nil, errors.New("quota exceeded") },
		text("never reached"),
	}}
	loop, _ := newLoop(t, p)

	res := loop.Run(context.Background(), "alice", "hi", nil)
	assert.Equal(t, "I apologize, but I encountered an error: quota exceeded", res.Reply)
	assert.Equal(t, StateError, res.State)
	assert.EqualError(t, res.Err, "quota exceeded")
	assert.Len(t, p.calls, 1)
}

func TestRun_FaultAfterToolRound(t *testing.T) {
	p := &scriptedProvider{script: []func(ai.ChatRequest) (*ai.ChatResponse, error){
		calls(call("c", "list_tasks", `{}`)),
		func(ai.ChatRequest) (*ai.ChatResponse, error) { return nil, context.DeadlineExceeded },
	}}
	loop, _ := newLoop(t, p)

	res := loop.Run(context.Background(), "alice", "hi", nil)
	assert.Equal(t, StateError, res.State)
	assert.Equal(t, 2, res.Rounds)
	assert.Contains(t, res.Reply, "deadline exceeded")
}

func TestRun_UnknownToolAndBadArgumentsContinue(t *testing.T) {
	p := &scriptedProvider{script: []func(ai.ChatRequest) (*ai.ChatResponse, error){
		calls(
			call("c1", "drop_database", `{}`),
			call("c2", "add_task", `["not","an","object"]`),
			call("c3", "add_task", `{"title":`),
			call("c4", "list_tasks", ``),
		),
		text("Sorry about that."),
	}}
	loop, _ := newLoop(t, p)

	res := loop.Run(context.Background(), "alice", "do things", nil)
	require.Equal(t, StateDone, res.State)
	assert.Equal(t, "Sorry about that.", res.Reply)

	msgs := p.calls[1].Messages
	results := msgs[len(msgs)-4:]
	envs := make([]tools.Envelope, len(results))
	for i, m := range results {
		require.Equal(t, ai.RoleTool, m.Role)
		require.NoError(t, json.Unmarshal([]byte(m.Content), &envs[i]))
	}
	assert.Equal(t, "Tool 'drop_database' not found", envs[0].Error)
	assert.Contains(t, envs[1].Error, "must be a JSON object")
	assert.Contains(t, envs[2].Error, "Invalid arguments for add_task")
	assert.True(t, envs[3].Success)
}

func TestRun_RespectsConfiguredRounds(t *testing.T) {
	p := &scriptedProvider{script: []func(ai.ChatRequest) (*ai.ChatResponse, error){
		calls(call("c", "list_tasks", `{}`)),
	}}
	loop, _ := newLoop(t, p, WithMaxRounds(3))

	res := loop.Run(context.Background(), "alice", "x", nil)
	assert.Equal(t, StateIterationLimit, res.State)
	assert.Len(t, p.calls, 3)
}

func TestRun_ResultsAcrossRoundsStayPaired(t *testing.T) {
	p := &scriptedProvider{script: []func(ai.ChatRequest) (*ai.ChatResponse, error){
		calls(call("z", "add_task", `{"title":"a"}`), call("y", "add_task", `{"title":"b"}`)),
		calls(call("slow", "list_tasks", `{}`), call("fast", "complete_task", `{"task_id":999}`)),
		text("ok"),
	}}
	loop, _ := newLoop(t, p)
	res := loop.Run(context.Background(), "alice", "x", nil)
	require.Equal(t, StateDone, res.State)

	// every assistant tool-call entry is followed by exactly its results, in order
	msgs := res.Messages
	var ids []string
	for i, m := range msgs {
		if m.Role != ai.RoleAssistant {
			continue
		}
		for j, tc := range m.ToolCalls {
			next := msgs[i+1+j]
			require.Equal(t, ai.RoleTool, next.Role)
			require.Equal(t, tc.ID, next.ToolCallID)
			ids = append(ids, next.ToolCallID)
		}
	}
	assert.Equal(t, []string{"z", "y", "slow", "fast"}, ids)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "iteration_limit", StateIterationLimit.String())
	assert.Equal(t, "state(42)", State(42).String())
}
