package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthost/agenthost/internal/conversation"
	"github.com/agenthost/agenthost/internal/errdefs"
	"github.com/agenthost/agenthost/internal/profiles"
)

func TestMemorySessionLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	rec := SessionRecord{ID: "s1", AgentProfileID: "p1", Architecture: "claude-sdk"}
	require.NoError(t, m.CreateSessionRecord(ctx, rec))
	assert.Error(t, m.CreateSessionRecord(ctx, rec), "duplicate create should fail")

	list, err := m.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].CreatedAt.IsZero(), "create should stamp CreatedAt")

	title := "hello world"
	now := time.Now().UTC()
	require.NoError(t, m.UpdateSessionRecord(ctx, "s1", RecordPatch{Title: &title, LastActivityAt: &now}))

	stored, err := m.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "hello world", stored.Record.Title)
	assert.Equal(t, now, stored.Record.LastActivityAt)

	require.NoError(t, m.DeleteSession(ctx, "s1"))
	_, err = m.LoadSession(ctx, "s1")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestMemoryTranscriptAppend(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateSessionRecord(ctx, SessionRecord{ID: "s1"}))

	require.NoError(t, m.SaveTranscript(ctx, "s1", `{"a":1}`+"\n", ""))
	require.NoError(t, m.SaveTranscript(ctx, "s1", `{"b":2}`+"\n", ""))
	require.NoError(t, m.SaveTranscript(ctx, "s1", `{"c":3}`+"\n", "tu1"))

	stored, err := m.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`+"\n"+`{"b":2}`+"\n", stored.TranscriptsByConv[conversation.MainConversationID])
	assert.Equal(t, `{"c":3}`+"\n", stored.TranscriptsByConv["tu1"])

	err = m.SaveTranscript(ctx, "missing", "x", "")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestMemoryWorkspaceFiles(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateSessionRecord(ctx, SessionRecord{ID: "s1"}))

	require.NoError(t, m.SaveWorkspaceFile(ctx, "s1", conversation.WorkspaceFile{Path: "main.go", Content: "v1"}))
	require.NoError(t, m.SaveWorkspaceFile(ctx, "s1", conversation.WorkspaceFile{Path: "main.go", Content: "v2"}))
	require.NoError(t, m.SaveWorkspaceFile(ctx, "s1", conversation.WorkspaceFile{Path: "go.mod"}))

	stored, err := m.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, stored.WorkspaceFiles, 2)
	assert.Equal(t, "go.mod", stored.WorkspaceFiles[0].Path)
	assert.Equal(t, "v2", stored.WorkspaceFiles[1].Content, "same path overwrites")

	require.NoError(t, m.DeleteSessionFile(ctx, "s1", "main.go"))
	stored, err = m.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, stored.WorkspaceFiles, 1)
}

func TestMemoryAgentProfiles(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.SeedProfiles(
		&profiles.Profile{ID: "b", Architecture: "opencode"},
		&profiles.Profile{ID: "a", Architecture: "claude-sdk"},
	)

	list, err := m.ListAgentProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)

	p, err := m.LoadAgentProfile(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "opencode", p.Architecture)

	_, err = m.LoadAgentProfile(ctx, "zzz")
	assert.True(t, errdefs.IsNotFound(err))
}
