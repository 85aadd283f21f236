package compaction

import (
	"sort"
	"strings"
)

// FallbackSummaryText replaces the model-written summary when any
// summarization stage fails. The surrounding sections (tool failures, file
// operations) are still attached so downstream structure never changes
// shape.
const FallbackSummaryText = `Earlier conversation history was compacted, but a summary could not be generated. Recent messages continue below; prior context may be missing.`

// FileOps lists the files touched while the summarized history was live,
// as reported by the agent runtime.
type FileOps struct {
	Read    []string `json:"read,omitempty"`
	Edited  []string `json:"edited,omitempty"`
	Written []string `json:"written,omitempty"`
}

// Details is the file-operations breakdown carried on a compaction result.
// A file both read and modified counts as modified only.
type Details struct {
	ReadFiles     []string `json:"read_files"`
	ModifiedFiles []string `json:"modified_files"`
}

// Details splits the raw lists into sorted, deduplicated read and modified
// sets, with modified taking precedence over read-only.
func (ops FileOps) Details() Details {
	modified := dedupeSorted(append(append([]string{}, ops.Edited...), ops.Written...))

	modifiedSet := make(map[string]bool, len(modified))
	for _, f := range modified {
		modifiedSet[f] = true
	}

	var read []string
	for _, f := range dedupeSorted(ops.Read) {
		if !modifiedSet[f] {
			read = append(read, f)
		}
	}

	return Details{ReadFiles: read, ModifiedFiles: modified}
}

// RenderFileOperations formats the file-operations section. Returns ""
// when no files were touched.
func RenderFileOperations(d Details) string {
	if len(d.ReadFiles) == 0 && len(d.ModifiedFiles) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## File Operations\n")
	if len(d.ModifiedFiles) > 0 {
		sb.WriteString("modified-files:\n")
		for _, f := range d.ModifiedFiles {
			sb.WriteString("- " + f + "\n")
		}
	}
	if len(d.ReadFiles) > 0 {
		sb.WriteString("read-files:\n")
		for _, f := range d.ReadFiles {
			sb.WriteString("- " + f + "\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// composeSummary joins non-empty sections with blank lines.
func composeSummary(sections ...string) string {
	var parts []string
	for _, s := range sections {
		if strings.TrimSpace(s) != "" {
			parts = append(parts, strings.TrimRight(s, "\n"))
		}
	}
	return strings.Join(parts, "\n\n")
}

// dedupeSorted returns the sorted unique non-empty entries.
func dedupeSorted(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
