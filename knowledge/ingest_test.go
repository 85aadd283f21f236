package knowledge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/lodestarhq/threadline/store"
)

type fakeWriter struct {
	mu    sync.Mutex
	facts []store.Fact
	seen  map[string]bool
	err   error
}

func (w *fakeWriter) AddFact(_ context.Context, fact *store.Fact) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return false, w.err
	}
	if w.seen == nil {
		w.seen = make(map[string]bool)
	}
	if w.seen[fact.Content] {
		return false, nil
	}
	w.seen[fact.Content] = true
	w.facts = append(w.facts, *fact)
	return true, nil
}

func (w *fakeWriter) titles() map[string]bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	got := make(map[string]bool, len(w.facts))
	for _, f := range w.facts {
		got[f.Title] = true
	}
	return got
}

func TestParseFacts(t *testing.T) {
	tests := []struct {
		name     string
		markdown string
		want     []store.Fact
	}{
		{
			name:     "atx headings",
			markdown: "# One\nalpha\n\n# Two\nbeta\n",
			want: []store.Fact{
				{Source: "notes.md", Title: "One", Content: "alpha", Active: true},
				{Source: "notes.md", Title: "Two", Content: "beta", Active: true},
			},
		},
		{
			name:     "preamble becomes a fact titled after the source",
			markdown: "intro line\n\n# One\nalpha\n",
			want: []store.Fact{
				{Source: "notes.md", Title: "notes.md", Content: "intro line", Active: true},
				{Source: "notes.md", Title: "One", Content: "alpha", Active: true},
			},
		},
		{
			name:     "heading without body is skipped",
			markdown: "# One\n\n# Two\nbeta\n",
			want: []store.Fact{
				{Source: "notes.md", Title: "Two", Content: "beta", Active: true},
			},
		},
		{
			name:     "nested headings split separately",
			markdown: "# Top\nintro\n\n## Sub\ndetail\n",
			want: []store.Fact{
				{Source: "notes.md", Title: "Top", Content: "intro", Active: true},
				{Source: "notes.md", Title: "Sub", Content: "detail", Active: true},
			},
		},
		{
			name:     "setext heading drops its underline",
			markdown: "Release notes\n=============\n\nshipped v2\n",
			want: []store.Fact{
				{Source: "notes.md", Title: "Release notes", Content: "shipped v2", Active: true},
			},
		},
		{
			name:     "inline markup stripped from title",
			markdown: "# Deploy *fast* now\nsteps\n",
			want: []store.Fact{
				{Source: "notes.md", Title: "Deploy fast now", Content: "steps", Active: true},
			},
		},
		{
			name:     "multi paragraph body stays together",
			markdown: "# Policy\nfirst rule\n\nsecond rule\n",
			want: []store.Fact{
				{Source: "notes.md", Title: "Policy", Content: "first rule\n\nsecond rule", Active: true},
			},
		},
		{
			name:     "empty input",
			markdown: "",
			want:     nil,
		},
		{
			name:     "lonely heading",
			markdown: "# Lonely\n",
			want:     nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseFacts("notes.md", []byte(tt.markdown))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseFacts() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestIngestFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runbook.md")
	content := "# Restart\nkubectl rollout restart deploy/api\n\n# Rollback\nkubectl rollout undo deploy/api\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	writer := &fakeWriter{}
	ing := NewIngestor(writer, nil)

	added, err := ing.IngestFile(context.Background(), path)
	if err != nil {
		t.Fatalf("IngestFile() error = %v", err)
	}
	if added != 2 {
		t.Errorf("IngestFile() = %d, want 2", added)
	}
	if len(writer.facts) != 2 {
		t.Fatalf("stored %d facts, want 2", len(writer.facts))
	}
	if writer.facts[0].Source != "runbook.md" {
		t.Errorf("Source = %q, want %q", writer.facts[0].Source, "runbook.md")
	}

	// Re-ingesting is idempotent once the store has seen the content.
	added, err = ing.IngestFile(context.Background(), path)
	if err != nil {
		t.Fatalf("IngestFile() error = %v", err)
	}
	if added != 0 {
		t.Errorf("second IngestFile() = %d, want 0", added)
	}
}

func TestIngestFileMissing(t *testing.T) {
	ing := NewIngestor(&fakeWriter{}, nil)
	if _, err := ing.IngestFile(context.Background(), filepath.Join(t.TempDir(), "absent.md")); err == nil {
		t.Fatal("IngestFile() error = nil, want error for missing file")
	}
}

func TestIngestFileWriterError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	if err := os.WriteFile(path, []byte("# One\nalpha\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	errDown := errors.New("store down")
	ing := NewIngestor(&fakeWriter{err: errDown}, nil)

	if _, err := ing.IngestFile(context.Background(), path); !errors.Is(err, errDown) {
		t.Fatalf("IngestFile() error = %v, want wrapped %v", err, errDown)
	}
}

func TestIngestDir(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"a.md":      "# Alpha\none\n",
		"b.md":      "# Beta\ntwo\n\n# Gamma\nthree\n",
		"c.MD":      "# Delta\nfour\n",
		"notes.txt": "# Ignored\nnot markdown\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "nested.md"), []byte("# Nested\nskip\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	writer := &fakeWriter{}
	ing := NewIngestor(writer, nil)

	added, err := ing.IngestDir(context.Background(), dir)
	if err != nil {
		t.Fatalf("IngestDir() error = %v", err)
	}
	if added != 4 {
		t.Errorf("IngestDir() = %d, want 4", added)
	}

	titles := writer.titles()
	for _, want := range []string{"Alpha", "Beta", "Gamma", "Delta"} {
		if !titles[want] {
			t.Errorf("missing fact %q, got %v", want, titles)
		}
	}
	if titles["Ignored"] || titles["Nested"] {
		t.Errorf("ingested files that should be skipped, got %v", titles)
	}
}

func TestIngestDirMissing(t *testing.T) {
	ing := NewIngestor(&fakeWriter{}, nil)
	if _, err := ing.IngestDir(context.Background(), filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("IngestDir() error = nil, want error for missing directory")
	}
}
