package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/taskflow/internal/agent"
	"github.com/suPer8Hu/taskflow/internal/ai"
	"github.com/suPer8Hu/taskflow/internal/task"
	"github.com/suPer8Hu/taskflow/internal/tools"
	"gorm.io/gorm"
)

// recordingRunner stands in for the agent loop and remembers its inputs.
type recordingRunner struct {
	reply     string
	identity  string
	utterance string
	history   []agent.Turn
	runs      int
	onRun     func()
}

func (r *recordingRunner) Run(ctx context.Context, identity, utterance string, history []agent.Turn) agent.Result {
	r.runs++
	if r.onRun != nil {
		r.onRun()
	}
	r.identity = identity
	r.utterance = utterance
	// copy to avoid mutations
	r.history = append([]agent.Turn(nil), history...)
	reply := r.reply
	if reply == "" {
		reply = "ok"
	}
	return agent.Result{Reply: reply, State: agent.StateDone, Rounds: 1}
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
	require.NoError(t, db.AutoMigrate(&Conversation{}, &Message{}, &Job{}, &task.Task{}), "automigrate")
	return db
}

func TestChat_CreatesConversationAndWritesBothTurns(t *testing.T) {
	db := openTestDB(t)
	runner := &recordingRunner{reply: "Task added!"}
	svc := NewService(NewRepo(db), runner, 50)
	ctx := context.Background()

	res, err := svc.Chat(ctx, "alice", "", "Hello")
	require.NoError(t, err)
	assert.Equal(t, "Task added!", res.Reply)
	assert.NotEmpty(t, res.ConversationID)
	assert.NotZero(t, res.AssistantMessageID)
	assert.Equal(t, "alice", runner.identity)
	assert.Empty(t, runner.history)

	msgs, err := svc.ListMessages(ctx, "alice", res.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Task added!", msgs[1].Content)

	convs, err := svc.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "Hello", convs[0].DisplayTitle())
}

func TestChat_HistoryIsBoundedAndChronological(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	runner := &recordingRunner{}
	window := 3
	svc := NewService(repo, runner, window)
	ctx := context.Background()

	conv, err := repo.CreateConversation(ctx, "bob")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		require.NoError(t, repo.InsertMessage(ctx, &Message{ConversationID: conv.ID, Role: role, Content: fmt.Sprintf("seed-%d", i)}))
	}

	_, err = svc.Chat(ctx, "bob", conv.ID, "new")
	require.NoError(t, err)

	require.Len(t, runner.history, window)
	assert.Equal(t, []string{"seed-2", "seed-3", "seed-4"}, contents(runner.history))
	assert.Equal(t, "new", runner.utterance)

	all, err := repo.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, all, 7)
}

func TestChat_ForeignOrMissingConversation(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	runner := &recordingRunner{}
	svc := NewService(repo, runner, 50)
	ctx := context.Background()

	conv, err := repo.CreateConversation(ctx, "alice")
	require.NoError(t, err)

	_, err = svc.Chat(ctx, "mallory", conv.ID, "hi")
	assert.ErrorIs(t, err, ErrConversationNotFound)
	_, err = svc.Chat(ctx, "alice", "no-such-id", "hi")
	assert.ErrorIs(t, err, ErrConversationNotFound)
	assert.Zero(t, runner.runs)

	_, err = svc.ListMessages(ctx, "mallory", conv.ID)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestChat_TitleSetOnceAndTruncated(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(NewRepo(db), &recordingRunner{}, 50)
	ctx := context.Background()

	long := strings.Repeat("a", 60)
	res, err := svc.Chat(ctx, "alice", "", long)
	require.NoError(t, err)
	_, err = svc.Chat(ctx, "alice", res.ConversationID, "second message")
	require.NoError(t, err)

	convs, err := svc.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, strings.Repeat("a", 50)+"...", convs[0].DisplayTitle())
}

func TestChat_ApologyIsPersisted(t *testing.T) {
	db := openTestDB(t)
	failing := &failingProvider{err: errors.New("upstream 503")}
	reg, err := tools.NewTaskRegistry(task.NewRepo(db))
	require.NoError(t, err)
	svc := NewService(NewRepo(db), agent.New(failing, reg), 50)
	ctx := context.Background()

	res, err := svc.Chat(ctx, "alice", "", "add milk")
	require.NoError(t, err)
	assert.Equal(t, agent.StateError, res.State)
	assert.Equal(t, "I apologize, but I encountered an error: upstream 503", res.Reply)

	msgs, err := svc.ListMessages(ctx, "alice", res.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, res.Reply, msgs[1].Content)
}

func TestDeleteConversation_Cascades(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	svc := NewService(repo, &recordingRunner{}, 50)
	ctx := context.Background()

	res, err := svc.Chat(ctx, "alice", "", "hi")
	require.NoError(t, err)

	assert.ErrorIs(t, svc.DeleteConversation(ctx, "bob", res.ConversationID), ErrConversationNotFound)
	require.NoError(t, svc.DeleteConversation(ctx, "alice", res.ConversationID))

	var n int64
	require.NoError(t, db.Model(&Message{}).Where("conversation_id = ?", res.ConversationID).Count(&n).Error)
	assert.Zero(t, n)
}

func TestJobs_EnqueueIdempotentAndRun(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	runner := &recordingRunner{reply: "done async"}
	svc := NewService(repo, runner, 50)
	ctx := context.Background()

	first, err := svc.Chat(ctx, "alice", "", "earlier")
	require.NoError(t, err)

	job, created, err := svc.EnqueueTurn(ctx, "alice", first.ConversationID, "later", "key-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, JobQueued, job.Status)

	again, created, err := svc.EnqueueTurn(ctx, "alice", first.ConversationID, "later", "key-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job.ID, again.ID)

	_, err = svc.GetJob(ctx, "bob", job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)

	// a message written after the job must not leak into its history
	require.NoError(t, repo.InsertMessage(ctx, &Message{ConversationID: first.ConversationID, Role: RoleUser, Content: "newer"}))

	done, err := svc.RunJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, done.Status)
	assert.Equal(t, "later", runner.utterance)
	assert.Equal(t, []string{"earlier", "done async"}, contents(runner.history))

	stored, err := svc.GetJob(ctx, "alice", job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	require.NotNil(t, stored.ResultMessageID)

	// redelivery of a finished job is a no-op
	runs := runner.runs
	_, err = svc.RunJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, runs, runner.runs)
}

func TestJobs_DeletedConversationIsPermanentFailure(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(NewRepo(db), &recordingRunner{}, 50)
	ctx := context.Background()

	job, _, err := svc.EnqueueTurn(ctx, "alice", "", "hello", "")
	require.NoError(t, err)
	require.NoError(t, db.Where("id = ?", job.ConversationID).Delete(&Conversation{}).Error)

	_, err = svc.RunJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobGone)

	require.NoError(t, svc.FailJob(ctx, job.ID, err, true))
	stored, err := svc.GetJob(ctx, "alice", job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, stored.Status)
	require.NotNil(t, stored.Error)
}

func TestJobs_ReplyNotStoredWhenJobNoLongerRunning(t *testing.T) {
	db := openTestDB(t)
	runner := &recordingRunner{reply: "late"}
	svc := NewService(NewRepo(db), runner, 50)
	ctx := context.Background()

	job, _, err := svc.EnqueueTurn(ctx, "alice", "", "hello", "")
	require.NoError(t, err)
	// another attempt gives up on the job while this one is still talking to the model
	runner.onRun = func() {
		require.NoError(t, svc.FailJob(ctx, job.ID, errors.New("timed out"), true))
	}

	_, err = svc.RunJob(ctx, job.ID)
	require.Error(t, err)

	msgs, err := svc.ListMessages(ctx, "alice", job.ConversationID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleUser, msgs[0].Role)

	stored, err := svc.GetJob(ctx, "alice", job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, stored.Status)
	assert.Nil(t, stored.ResultMessageID)
}

func TestJobs_AbandonTurnAllowsRetryWithSameKey(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(NewRepo(db), &recordingRunner{}, 50)
	ctx := context.Background()
	count := func(model any) int64 {
		var n int64
		require.NoError(t, db.Model(model).Count(&n).Error)
		return n
	}

	job, created, err := svc.EnqueueTurn(ctx, "alice", "", "hello", "key-1")
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, svc.AbandonTurn(ctx, job))
	assert.Zero(t, count(&Job{}))
	assert.Zero(t, count(&Message{}))
	assert.Zero(t, count(&Conversation{}))

	retry, created, err := svc.EnqueueTurn(ctx, "alice", "", "hello", "key-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, job.ID, retry.ID)

	// once a worker has claimed the job it is no longer ours to undo
	_, err = svc.RunJob(ctx, retry.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, svc.AbandonTurn(ctx, retry), ErrJobNotFound)
	assert.Equal(t, int64(2), count(&Message{}))
}

func TestJobs_AbandonTurnKeepsExistingConversation(t *testing.T) {
	db := openTestDB(t)
	svc := NewService(NewRepo(db), &recordingRunner{}, 50)
	ctx := context.Background()

	first, err := svc.Chat(ctx, "alice", "", "earlier")
	require.NoError(t, err)
	job, _, err := svc.EnqueueTurn(ctx, "alice", first.ConversationID, "later", "")
	require.NoError(t, err)
	require.NoError(t, svc.AbandonTurn(ctx, job))

	msgs, err := svc.ListMessages(ctx, "alice", first.ConversationID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

type failingProvider struct{ err error }

func (p *failingProvider) Chat(context.Context, ai.ChatRequest) (*ai.ChatResponse, error) {
	return nil, p.err
}

func contents(turns []agent.Turn) []string {
	out := make([]string, 0, len(turns))
	for _, t := range turns {
		out = append(out, t.Content)
	}
	return out
}
