package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/WuChenDi/bitk/internal/domain"
	"github.com/WuChenDi/bitk/internal/ports"
)

func newRepos(t *testing.T) (*SQLiteRepository, *SQLiteProjectStore, *SQLiteSettingsStore) {
	t.Helper()
	dir := t.TempDir()
	rawDB, err := OpenDB(dir + "/test.db")
	require.NoError(t, err)
	return NewSQLiteRepository(rawDB), NewSQLiteProjectStore(rawDB), NewSQLiteSettingsStore(rawDB)
}

func seedProject(t *testing.T, ps *SQLiteProjectStore) domain.Project {
	t.Helper()
	p := &domain.Project{ID: "proj-1", Name: "Demo", Alias: "demo", Directory: "/tmp/demo"}
	require.NoError(t, ps.Add(context.Background(), p))
	return *p
}

func TestIssueRepository_AddGetRoundTrip(t *testing.T) {
	repo, ps, _ := newRepos(t)
	ctx := context.Background()
	seedProject(t, ps)

	issue := &domain.Issue{ProjectID: "proj-1", Status: domain.StatusTodo, Title: "Fix bug", EngineType: "echo"}
	require.NoError(t, repo.Add(ctx, issue))
	require.NotEmpty(t, issue.ID)

	got, err := repo.Get(ctx, issue.ID)
	require.NoError(t, err)
	require.Equal(t, "Fix bug", got.Title)
	require.Equal(t, domain.StatusTodo, got.Status)
}

func TestIssueRepository_AddRejectsSubIssueOfSubIssue(t *testing.T) {
	repo, ps, _ := newRepos(t)
	ctx := context.Background()
	seedProject(t, ps)

	root := &domain.Issue{ProjectID: "proj-1", Status: domain.StatusTodo, Title: "root"}
	require.NoError(t, repo.Add(ctx, root))

	child := &domain.Issue{ProjectID: "proj-1", Status: domain.StatusTodo, Title: "child", ParentIssueID: &root.ID}
	require.NoError(t, repo.Add(ctx, child))

	grandchild := &domain.Issue{ProjectID: "proj-1", Status: domain.StatusTodo, Title: "grandchild", ParentIssueID: &child.ID}
	err := repo.Add(ctx, grandchild)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestIssueRepository_GetMissingReturnsNotFound(t *testing.T) {
	repo, _, _ := newRepos(t)
	_, err := repo.Get(context.Background(), "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIssueRepository_NextIssueNumberIsMonotonicAndNeverReused(t *testing.T) {
	repo, ps, _ := newRepos(t)
	ctx := context.Background()
	seedProject(t, ps)

	n1, err := repo.NextIssueNumber(ctx, "proj-1")
	require.NoError(t, err)
	require.Equal(t, 1, n1)

	issue := &domain.Issue{ProjectID: "proj-1", IssueNumber: n1, Status: domain.StatusTodo}
	require.NoError(t, repo.Add(ctx, issue))

	n2, err := repo.NextIssueNumber(ctx, "proj-1")
	require.NoError(t, err)
	require.Equal(t, 2, n2)

	require.NoError(t, repo.SoftDelete(ctx, issue.ID))

	n3, err := repo.NextIssueNumber(ctx, "proj-1")
	require.NoError(t, err)
	require.Equal(t, 2, n3, "soft-deleted issue numbers must not be reused")
}

func TestIssueRepository_NextSortOrderExcludesDeleted(t *testing.T) {
	repo, ps, _ := newRepos(t)
	ctx := context.Background()
	seedProject(t, ps)

	o1, err := repo.NextSortOrder(ctx, "proj-1", domain.StatusTodo)
	require.NoError(t, err)
	require.Equal(t, 1, o1)

	issue := &domain.Issue{ProjectID: "proj-1", Status: domain.StatusTodo, SortOrder: o1}
	require.NoError(t, repo.Add(ctx, issue))
	require.NoError(t, repo.SoftDelete(ctx, issue.ID))

	o2, err := repo.NextSortOrder(ctx, "proj-1", domain.StatusTodo)
	require.NoError(t, err)
	require.Equal(t, 1, o2, "deleted issues free up their sort order slot")
}

func TestLogRepository_AppendAssignsMonotonicEntryIndexPerTurn(t *testing.T) {
	repo, ps, _ := newRepos(t)
	ctx := context.Background()
	seedProject(t, ps)
	issue := &domain.Issue{ProjectID: "proj-1", Status: domain.StatusWorking}
	require.NoError(t, repo.Add(ctx, issue))

	e1, err := repo.Append(ctx, domain.IssueLogEntry{IssueID: issue.ID, TurnIndex: 0, EntryType: domain.EntryUserMessage, Content: "hi", Visible: true})
	require.NoError(t, err)
	require.Equal(t, 0, e1.EntryIndex)

	e2, err := repo.Append(ctx, domain.IssueLogEntry{IssueID: issue.ID, TurnIndex: 0, EntryType: domain.EntryAssistantMessage, Content: "hello", Visible: true})
	require.NoError(t, err)
	require.Equal(t, 1, e2.EntryIndex)

	e3, err := repo.Append(ctx, domain.IssueLogEntry{IssueID: issue.ID, TurnIndex: 1, EntryType: domain.EntryUserMessage, Content: "again", Visible: true})
	require.NoError(t, err)
	require.Equal(t, 0, e3.EntryIndex, "entry index restarts at 0 for a new turn")
}

func TestLogRepository_GetPageReturnsAscendingOrderAndCursor(t *testing.T) {
	repo, ps, _ := newRepos(t)
	ctx := context.Background()
	seedProject(t, ps)
	issue := &domain.Issue{ProjectID: "proj-1", Status: domain.StatusWorking}
	require.NoError(t, repo.Add(ctx, issue))

	for i := 0; i < 3; i++ {
		_, err := repo.Append(ctx, domain.IssueLogEntry{IssueID: issue.ID, TurnIndex: 0, EntryType: domain.EntryAssistantMessage, Content: "msg", Visible: true})
		require.NoError(t, err)
	}

	page, err := repo.GetPage(ctx, issue.ID, ports.LogQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Entries, 3)
	require.False(t, page.HasMore)
	for i := 0; i < len(page.Entries)-1; i++ {
		require.Less(t, page.Entries[i].EntryIndex, page.Entries[i+1].EntryIndex)
	}
}

func TestLogRepository_GetPageSurplusCursorPointsAtOldestEntry(t *testing.T) {
	repo, ps, _ := newRepos(t)
	ctx := context.Background()
	seedProject(t, ps)
	issue := &domain.Issue{ProjectID: "proj-1", Status: domain.StatusWorking}
	require.NoError(t, repo.Add(ctx, issue))

	var saved []domain.IssueLogEntry
	for i := 0; i < 5; i++ {
		e, err := repo.Append(ctx, domain.IssueLogEntry{IssueID: issue.ID, TurnIndex: i, EntryType: domain.EntryAssistantMessage, Content: "msg", Visible: true})
		require.NoError(t, err)
		saved = append(saved, e)
	}

	page, err := repo.GetPage(ctx, issue.ID, ports.LogQuery{Limit: 3})
	require.NoError(t, err)
	require.Len(t, page.Entries, 3)
	require.True(t, page.HasMore)
	require.Equal(t, saved[2].ID, page.Entries[0].ID, "no-cursor page returns the newest limit entries, oldest first")
	require.Equal(t, saved[2].ID, page.NextCursor, "nextCursor must be the oldest entry in the page, enabling backward pagination")

	before, err := repo.GetPage(ctx, issue.ID, ports.LogQuery{Before: page.NextCursor, Limit: 3})
	require.NoError(t, err)
	require.Len(t, before.Entries, 2)
	require.Equal(t, saved[0].ID, before.NextCursor)
}

func TestLogRepository_PendingVisibleAndMarkDispatched(t *testing.T) {
	repo, ps, _ := newRepos(t)
	ctx := context.Background()
	seedProject(t, ps)
	issue := &domain.Issue{ProjectID: "proj-1", Status: domain.StatusWorking}
	require.NoError(t, repo.Add(ctx, issue))

	pending, err := repo.Append(ctx, domain.IssueLogEntry{
		IssueID: issue.ID, TurnIndex: 0, EntryType: domain.EntryUserMessage,
		Content: "follow up", Visible: true, Metadata: domain.Metadata{}.SetSystemType(),
	})
	require.NoError(t, err)
	_ = pending

	withType, err := repo.Append(ctx, domain.IssueLogEntry{
		IssueID: issue.ID, TurnIndex: 0, EntryType: domain.EntryUserMessage,
		Content: "another", Visible: true, Metadata: domain.Metadata{"type": "pending"},
	})
	require.NoError(t, err)

	visible, err := repo.PendingVisible(ctx, issue.ID)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	require.Equal(t, withType.ID, visible[0].ID)

	require.NoError(t, repo.MarkDispatched(ctx, []string{withType.ID}))

	visibleAfter, err := repo.PendingVisible(ctx, issue.ID)
	require.NoError(t, err)
	require.Empty(t, visibleAfter)
}

func TestProjectStore_ResolveAliasAndGet(t *testing.T) {
	_, ps, _ := newRepos(t)
	ctx := context.Background()
	seedProject(t, ps)

	id, err := ps.ResolveAlias(ctx, "demo")
	require.NoError(t, err)
	require.Equal(t, "proj-1", id)

	idByID, err := ps.ResolveAlias(ctx, "proj-1")
	require.NoError(t, err)
	require.Equal(t, "proj-1", idByID)

	proj, err := ps.Get(ctx, "proj-1")
	require.NoError(t, err)
	require.Equal(t, "Demo", proj.Name)
}

func TestProjectStore_ProjectIDForIssue(t *testing.T) {
	repo, ps, _ := newRepos(t)
	ctx := context.Background()
	seedProject(t, ps)
	issue := &domain.Issue{ProjectID: "proj-1", Status: domain.StatusTodo}
	require.NoError(t, repo.Add(ctx, issue))

	pid, err := ps.ProjectIDForIssue(ctx, issue.ID)
	require.NoError(t, err)
	require.Equal(t, "proj-1", pid)
}

func TestSettingsStore_GetSetRoundTrip(t *testing.T) {
	_, _, settings := newRepos(t)
	ctx := context.Background()

	_, ok, err := settings.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, settings.Set(ctx, "theme", "dark"))
	v, ok, err := settings.Get(ctx, "theme")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "dark", v)
}
