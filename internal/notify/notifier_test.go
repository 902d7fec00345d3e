package notify

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildcrew/foreman/internal/models"
	"github.com/buildcrew/foreman/internal/store"
)

func newTestStore(t *testing.T) (*store.Store, *models.Project) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	st, err := store.OpenSQLite(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	p := &models.Project{Name: "proj-" + uuid.NewString()}
	require.NoError(t, st.CreateProject(context.Background(), p))
	return st, p
}

func register(t *testing.T, st *store.Store, projectID, agentID string) {
	t.Helper()
	_, err := st.RegisterAgent(context.Background(), &models.Agent{
		AgentID: agentID, ProjectID: projectID,
		Role: models.RoleBackendDev, Level: models.LevelSenior,
	})
	require.NoError(t, err)
}

func TestExtractHandles(t *testing.T) {
	cases := []struct {
		text string
		want []string
	}{
		{"nothing here", nil},
		{"ping @dev-1 please", []string{"dev-1"}},
		{"@dev-1 @qa_2 @dev.three", []string{"dev-1", "qa_2", "dev.three"}},
		{"thanks @dev-1.", []string{"dev-1"}},
		{"@dev-1 and @dev-1 again", []string{"dev-1"}},
		{"@Dev-1 and @dev-1", []string{"Dev-1"}},
		{"mail me at user@example.com", []string{"example.com"}},
		{"@", nil},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExtractHandles(tc.text), "text: %q", tc.text)
	}
}

func TestFanOutResolvesCaseInsensitively(t *testing.T) {
	st, p := newTestStore(t)
	register(t, st, p.ID, "Dev-1")
	n := New(st)

	mentions, err := n.FanOut(context.Background(), p.ID,
		models.MentionSourceDocument, "doc-1", "heads up @dev-1")
	require.NoError(t, err)
	require.Len(t, mentions, 1)
	assert.Equal(t, "Dev-1", mentions[0].Recipient, "resolution is case-insensitive, recipient keeps the registered handle")

	inbox, err := st.ListMentions(context.Background(), p.ID, "Dev-1", true)
	require.NoError(t, err)
	assert.Len(t, inbox, 1)
}

func TestFanOutUnresolvedIsAuditOnly(t *testing.T) {
	st, p := newTestStore(t)
	register(t, st, p.ID, "dev-1")
	n := New(st)

	mentions, err := n.FanOut(context.Background(), p.ID,
		models.MentionSourceTaskComment, "comment-1", "ask @ghost about it, cc @dev-1")
	require.NoError(t, err)
	require.Len(t, mentions, 1, "only resolved mentions are returned")
	assert.Equal(t, "dev-1", mentions[0].Recipient)

	// The unresolved handle never lands in anyone's feed.
	inbox, err := st.ListMentions(context.Background(), p.ID, "ghost", false)
	require.NoError(t, err)
	assert.Empty(t, inbox)

	// Only the resolved mention changelogs.
	entries, err := st.ListChangesSince(context.Background(), p.ID, 0)
	require.NoError(t, err)
	created := 0
	for _, e := range entries {
		if e.Kind == models.ChangeMentionCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

func TestFanOutDedupesPerSource(t *testing.T) {
	st, p := newTestStore(t)
	register(t, st, p.ID, "dev-1")
	n := New(st)
	ctx := context.Background()

	first, err := n.FanOut(ctx, p.ID, models.MentionSourceDocument, "doc-1", "@dev-1 @DEV-1")
	require.NoError(t, err)
	assert.Len(t, first, 1, "case variants of one handle coalesce within a body")

	// Re-processing the same source inserts nothing new.
	second, err := n.FanOut(ctx, p.ID, models.MentionSourceDocument, "doc-1", "@dev-1")
	require.NoError(t, err)
	assert.Empty(t, second)

	// A different source is a fresh mention.
	third, err := n.FanOut(ctx, p.ID, models.MentionSourceDocument, "doc-2", "@dev-1")
	require.NoError(t, err)
	assert.Len(t, third, 1)
}

func TestFanOutNoMentionsNoWork(t *testing.T) {
	st, p := newTestStore(t)
	n := New(st)

	mentions, err := n.FanOut(context.Background(), p.ID,
		models.MentionSourceDocument, "doc-1", "plain text, no handles")
	require.NoError(t, err)
	assert.Empty(t, mentions)
}
