package session

import (
	"testing"
	"time"

	"github.com/spf13/afero"

	"substrate/internal/executor"
	"substrate/internal/tools"
)

func memManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	fs := &afero.Afero{Fs: afero.NewMemMapFs()}
	m := NewManager(fs, "/state/sessions", opts...)
	if err := m.Open("", "/work"); err != nil {
		t.Fatalf("open: %v", err)
	}
	return m
}

func execRecord(name string, ok bool) executor.ToolExecution {
	status := executor.StatusSuccess
	output := "fine"
	if !ok {
		status = executor.StatusError
		output = "broke"
	}
	return executor.ToolExecution{
		Name:     name,
		Output:   output,
		Metadata: executor.Metadata{Status: status},
	}
}

func TestProgressFromMarkdown(t *testing.T) {
	m := memManager(t)
	n := m.IngestMarkdown(`
Some notes first.

- [x] write the parser
- [ ] write the planner
not a todo line
- [x]
`)
	if n != 2 {
		t.Fatalf("ingested %d items, want 2", n)
	}
	state := m.State()
	if got := state.Progress(); got != 50 {
		t.Fatalf("progress=%v, want 50", got)
	}
	if state.Todos[0].Status != "completed" || state.Todos[1].Status != "pending" {
		t.Fatalf("todos=%+v", state.Todos)
	}
}

func TestProgressEmpty(t *testing.T) {
	m := memManager(t)
	state := m.State()
	if got := state.Progress(); got != 0 {
		t.Fatalf("progress=%v", got)
	}
}

func TestTodoStoreRoundTrip(t *testing.T) {
	m := memManager(t)
	want := []tools.TodoItem{{ID: "1", Text: "ship it", Status: "in_progress"}}
	if err := m.ReplaceTodos(want); err != nil {
		t.Fatal(err)
	}
	got, err := m.ListTodos()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Text != "ship it" {
		t.Fatalf("got %+v", got)
	}
}

func TestHistoryRings(t *testing.T) {
	m := memManager(t, WithHistoryLimits(5, 3))
	for i := 0; i < 10; i++ {
		m.RecordExecution(execRecord("probe", i%2 == 0))
	}
	state := m.State()
	if len(state.ToolHistory) != 5 {
		t.Fatalf("tool history len=%d, want 5", len(state.ToolHistory))
	}
	if len(state.ErrorHistory) != 3 {
		t.Fatalf("error history len=%d, want 3", len(state.ErrorHistory))
	}
}

func TestHistoryMirroredToSink(t *testing.T) {
	var mirrored []string
	sink := sinkFunc(func(sessionID string, exec executor.ToolExecution) error {
		mirrored = append(mirrored, exec.Name)
		return nil
	})
	m := memManager(t, WithHistorySink(sink))
	m.RecordExecution(execRecord("read_file", true))
	if len(mirrored) != 1 || mirrored[0] != "read_file" {
		t.Fatalf("mirrored=%v", mirrored)
	}
}

type sinkFunc func(string, executor.ToolExecution) error

func (f sinkFunc) AppendExecution(id string, exec executor.ToolExecution) error {
	return f(id, exec)
}

func TestSaveWritesBackupAndReleasesLock(t *testing.T) {
	fs := &afero.Afero{Fs: afero.NewMemMapFs()}
	m := NewManager(fs, "/state/sessions")
	if err := m.Open("", "/work"); err != nil {
		t.Fatal(err)
	}
	if err := m.Save(); err != nil {
		t.Fatalf("first save: %v", err)
	}
	m.IngestMarkdown("- [ ] later")
	if err := m.Save(); err != nil {
		t.Fatalf("second save: %v", err)
	}

	id := m.SessionID()
	if ok, _ := fs.Exists("/state/sessions/" + id + ".backup.json"); !ok {
		t.Fatal("backup file missing after second save")
	}
	if ok, _ := fs.Exists("/state/sessions/" + id + ".lock"); ok {
		t.Fatal("lock file left behind")
	}
}

func TestSaveProceedsPastHeldLock(t *testing.T) {
	fs := &afero.Afero{Fs: afero.NewMemMapFs()}
	m := NewManager(fs, "/state/sessions", WithLockTimeout(50*time.Millisecond))
	if err := m.Open("stuck", "/work"); err != nil {
		t.Fatal(err)
	}
	if err := fs.MkdirAll("/state/sessions", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := fs.WriteFile("/state/sessions/stuck.lock", nil, 0o644); err != nil {
		t.Fatal(err)
	}

	// Advisory only: the bounded wait expires and the write still happens.
	if err := m.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	if ok, _ := fs.Exists("/state/sessions/stuck.json"); !ok {
		t.Fatal("state file not written")
	}
}

func TestResumeSavedSession(t *testing.T) {
	fs := &afero.Afero{Fs: afero.NewMemMapFs()}
	m := NewManager(fs, "/state/sessions")
	if err := m.Open("persist-me", "/work"); err != nil {
		t.Fatal(err)
	}
	m.IngestMarkdown("- [x] a\n- [ ] b")
	if err := m.Save(); err != nil {
		t.Fatal(err)
	}

	other := NewManager(fs, "/state/sessions")
	if err := other.Open("persist-me", "/elsewhere"); err != nil {
		t.Fatal(err)
	}
	state := other.State()
	if len(state.Todos) != 2 {
		t.Fatalf("todos=%+v", state.Todos)
	}
	// The saved working dir wins over the Open argument on resume.
	if state.WorkingDir != "/work" {
		t.Fatalf("cwd=%q", state.WorkingDir)
	}
}

func TestMergeTodosDedupByText(t *testing.T) {
	merged := mergeTodos(
		[]tools.TodoItem{
			{ID: "1", Text: "write tests", Status: "pending"},
			{ID: "2", Text: "refactor", Status: "completed"},
		},
		[]tools.TodoItem{
			{ID: "9", Text: "write tests", Status: "completed"},
			{ID: "3", Text: "document", Status: "pending"},
		},
	)
	if len(merged) != 3 {
		t.Fatalf("merged=%+v", merged)
	}
	if merged[0].Text != "write tests" || merged[0].Status != "completed" {
		t.Fatalf("dedup kept %+v", merged[0])
	}
}

func TestResolveConflictsMergesAndDeletes(t *testing.T) {
	fs := &afero.Afero{Fs: afero.NewMemMapFs()}

	older := NewManager(fs, "/state/sessions")
	if err := older.Open("older", "/work"); err != nil {
		t.Fatal(err)
	}
	older.IngestMarkdown("- [ ] shared task\n- [x] old only")
	if err := older.Save(); err != nil {
		t.Fatal(err)
	}

	newer := NewManager(fs, "/state/sessions")
	if err := newer.Open("newer", "/work"); err != nil {
		t.Fatal(err)
	}
	newer.now = func() time.Time { return time.Now().Add(time.Minute) }
	newer.IngestMarkdown("- [x] shared task\n- [ ] new only")
	if err := newer.Save(); err != nil {
		t.Fatal(err)
	}

	removed, err := newer.ResolveConflicts()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(removed) != 1 || removed[0] != "older" {
		t.Fatalf("removed=%v", removed)
	}
	if ok, _ := fs.Exists("/state/sessions/older.json"); ok {
		t.Fatal("superseded session file survived")
	}

	state := newer.State()
	if state.SessionID != "newer" {
		t.Fatalf("winner=%q", state.SessionID)
	}
	texts := map[string]string{}
	for _, todo := range state.Todos {
		texts[todo.Text] = todo.Status
	}
	if len(texts) != 3 {
		t.Fatalf("todos=%+v", state.Todos)
	}
	if texts["shared task"] != "completed" {
		t.Fatalf("shared task status=%q", texts["shared task"])
	}
}

func TestSyncGlobalDetectsWorkspaceConflict(t *testing.T) {
	fs := &afero.Afero{Fs: afero.NewMemMapFs()}
	first := NewManager(fs, "/state/sessions")
	if err := first.Open("a", "/work"); err != nil {
		t.Fatal(err)
	}
	if conflict, err := first.SyncGlobal(); err != nil || conflict {
		t.Fatalf("conflict=%v err=%v on first sync", conflict, err)
	}

	second := NewManager(fs, "/state/sessions")
	if err := second.Open("b", "/other"); err != nil {
		t.Fatal(err)
	}
	conflict, err := second.SyncGlobal()
	if err != nil {
		t.Fatal(err)
	}
	if !conflict {
		t.Fatal("working dir change not flagged")
	}

	// The pointer was overwritten with the new workspace.
	if conflict, err = second.SyncGlobal(); err != nil || conflict {
		t.Fatalf("conflict=%v err=%v after overwrite", conflict, err)
	}
}
