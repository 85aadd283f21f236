// Package knowledge turns markdown memory files into searchable facts.
// Each heading starts a fact scoped to the text below it, so one file of
// notes becomes several independently recallable entries.
package knowledge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
	"golang.org/x/sync/errgroup"

	"github.com/lodestarhq/threadline/logging"
	"github.com/lodestarhq/threadline/store"
)

// ingestWorkers bounds concurrent file parsing in IngestDir.
const ingestWorkers = 4

// The parser configuration never changes and goldmark parsers are safe to
// share; parsing allocates per-call state.
var (
	parserOnce sync.Once
	parserInst goldmark.Markdown
)

func parser() goldmark.Markdown {
	parserOnce.Do(func() {
		parserInst = goldmark.New()
	})
	return parserInst
}

// ParseFacts splits markdown into heading-scoped facts. Text before the
// first heading becomes a fact titled after the source; headings with no
// body produce none. Fact IDs are left for the store to assign.
func ParseFacts(source string, markdown []byte) []store.Fact {
	document := parser().Parser().Parse(gmtext.NewReader(markdown))

	type mark struct {
		title     string
		lineStart int // offset of the heading's own line
		bodyStart int // offset just past the heading's text
	}
	var marks []mark

	ast.Walk(document, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || node.Kind() != ast.KindHeading {
			return ast.WalkContinue, nil
		}
		lines := node.Lines()
		if lines.Len() == 0 {
			return ast.WalkSkipChildren, nil
		}
		marks = append(marks, mark{
			title:     strings.TrimSpace(nodeText(node, markdown)),
			lineStart: lineStart(markdown, lines.At(0).Start),
			bodyStart: lines.At(lines.Len() - 1).Stop,
		})
		return ast.WalkSkipChildren, nil
	})

	var facts []store.Fact
	add := func(title, content string) {
		if title == "" || content == "" {
			return
		}
		facts = append(facts, store.Fact{
			Source:  source,
			Title:   title,
			Content: content,
			Active:  true,
		})
	}

	preambleEnd := len(markdown)
	if len(marks) > 0 {
		preambleEnd = marks[0].lineStart
	}
	add(source, cleanBody(markdown[:preambleEnd]))

	for i, m := range marks {
		end := len(markdown)
		if i+1 < len(marks) {
			end = marks[i+1].lineStart
		}
		add(m.title, cleanBody(markdown[m.bodyStart:end]))
	}
	return facts
}

// nodeText collects the plain text under a node.
func nodeText(node ast.Node, source []byte) string {
	var sb strings.Builder
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		switch c := child.(type) {
		case *ast.Text:
			sb.Write(c.Segment.Value(source))
		case *ast.String:
			sb.Write(c.Value)
		default:
			sb.WriteString(nodeText(c, source))
		}
	}
	return sb.String()
}

// lineStart walks back to the start of the line containing offset.
func lineStart(source []byte, offset int) int {
	for offset > 0 && source[offset-1] != '\n' {
		offset--
	}
	return offset
}

// cleanBody trims a section body. Setext underlines trail their heading's
// line segment, so an underline-only first line is dropped.
func cleanBody(raw []byte) string {
	body := strings.TrimSpace(string(raw))
	line, rest, _ := strings.Cut(body, "\n")
	if trimmed := strings.TrimSpace(line); trimmed != "" && strings.Trim(trimmed, "=-") == "" {
		return strings.TrimSpace(rest)
	}
	return body
}

// Ingestor writes parsed facts to a store. The store deduplicates by
// content, so re-ingesting the same files is idempotent.
type Ingestor struct {
	writer store.FactWriter
	logger logging.Logger
}

// NewIngestor creates an Ingestor. A nil logger discards output.
func NewIngestor(writer store.FactWriter, logger logging.Logger) *Ingestor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Ingestor{writer: writer, logger: logger}
}

// IngestFile parses one markdown file and stores its facts. Returns how
// many facts were newly added.
func (ing *Ingestor) IngestFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return ing.ingest(ctx, filepath.Base(path), data)
}

func (ing *Ingestor) ingest(ctx context.Context, source string, markdown []byte) (int, error) {
	facts := ParseFacts(source, markdown)
	added := 0
	for i := range facts {
		ok, err := ing.writer.AddFact(ctx, &facts[i])
		if err != nil {
			return added, fmt.Errorf("failed to store fact %q: %w", facts[i].Title, err)
		}
		if ok {
			added++
		}
	}
	ing.logger.Debug("ingested markdown",
		"source", source, "facts", len(facts), "added", added)
	return added, nil
}

// IngestDir ingests every .md file directly under dir, parsing files
// concurrently. Returns the total newly added facts.
func (ing *Ingestor) IngestDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var added atomic.Int64
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(ingestWorkers)

	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		group.Go(func() error {
			n, err := ing.IngestFile(ctx, path)
			added.Add(int64(n))
			return err
		})
	}

	if err := group.Wait(); err != nil {
		return int(added.Load()), err
	}
	return int(added.Load()), nil
}
