package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthost/agenthost/internal/conversation"
	"github.com/agenthost/agenthost/internal/errdefs"
	"github.com/agenthost/agenthost/internal/profiles"
	"github.com/agenthost/agenthost/internal/storage"
)

func openTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "agenthost.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestSQLiteSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := openTestAdapter(t)

	rec := storage.SessionRecord{
		ID:             "s1",
		AgentProfileID: "p1",
		Architecture:   "claude-sdk",
		SessionOptions: json.RawMessage(`{"resume":"abc"}`),
	}
	require.NoError(t, a.CreateSessionRecord(ctx, rec))
	assert.Error(t, a.CreateSessionRecord(ctx, rec), "duplicate id should violate primary key")

	list, err := a.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "claude-sdk", list[0].Architecture)
	assert.JSONEq(t, `{"resume":"abc"}`, string(list[0].SessionOptions))

	title := "first prompt"
	require.NoError(t, a.UpdateSessionRecord(ctx, "s1", storage.RecordPatch{Title: &title}))
	assert.True(t, errdefs.IsNotFound(a.UpdateSessionRecord(ctx, "nope", storage.RecordPatch{Title: &title})))

	stored, err := a.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "first prompt", stored.Record.Title)

	require.NoError(t, a.DeleteSession(ctx, "s1"))
	_, err = a.LoadSession(ctx, "s1")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestSQLiteTranscriptAppendOnly(t *testing.T) {
	ctx := context.Background()
	a := openTestAdapter(t)
	require.NoError(t, a.CreateSessionRecord(ctx, storage.SessionRecord{ID: "s1"}))

	require.NoError(t, a.SaveTranscript(ctx, "s1", `{"a":1}`+"\n", ""))
	require.NoError(t, a.SaveTranscript(ctx, "s1", `{"b":2}`+"\n", ""))
	require.NoError(t, a.SaveTranscript(ctx, "s1", `{"c":3}`+"\n", "tu1"))

	stored, err := a.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`+"\n"+`{"b":2}`+"\n", stored.TranscriptsByConv[conversation.MainConversationID])
	assert.Equal(t, `{"c":3}`+"\n", stored.TranscriptsByConv["tu1"])
}

func TestSQLiteWorkspaceFiles(t *testing.T) {
	ctx := context.Background()
	a := openTestAdapter(t)
	require.NoError(t, a.CreateSessionRecord(ctx, storage.SessionRecord{ID: "s1"}))

	require.NoError(t, a.SaveWorkspaceFile(ctx, "s1", conversation.WorkspaceFile{Path: "main.go", Content: "v1"}))
	require.NoError(t, a.SaveWorkspaceFile(ctx, "s1", conversation.WorkspaceFile{Path: "main.go", Content: "v2"}))

	stored, err := a.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, stored.WorkspaceFiles, 1)
	assert.Equal(t, "v2", stored.WorkspaceFiles[0].Content)

	require.NoError(t, a.DeleteSessionFile(ctx, "s1", "main.go"))
	stored, err = a.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, stored.WorkspaceFiles)
}

func TestSQLiteAgentProfiles(t *testing.T) {
	ctx := context.Background()
	a := openTestAdapter(t)

	p := &profiles.Profile{
		ID:           "claude-default",
		Name:         "Claude",
		Architecture: "claude-sdk",
		Model:        "claude-test",
		Env:          map[string]string{"FOO": "bar"},
	}
	require.NoError(t, a.SaveAgentProfile(ctx, p))

	got, err := a.LoadAgentProfile(ctx, "claude-default")
	require.NoError(t, err)
	assert.Equal(t, "claude-test", got.Model)
	assert.Equal(t, "bar", got.Env["FOO"])

	list, err := a.ListAgentProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = a.LoadAgentProfile(ctx, "missing")
	assert.True(t, errdefs.IsNotFound(err))
}
