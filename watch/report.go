package watch

import (
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// ReportWriter renders a full HTML diff page for every detected change.
// The Delta on the ChangeRecord stays the coarse summary; the report is
// for humans who want to see exactly what moved.
type ReportWriter struct {
	Dir string
}

func NewReportWriter(dir string) (*ReportWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create reports dir %s: %w", dir, err)
	}
	return &ReportWriter{Dir: dir}, nil
}

// Write stores the report and returns its path.
func (r *ReportWriter) Write(target Target, rec ChangeRecord, oldContent, newContent string) (string, error) {
	name := fmt.Sprintf("%s_%s_diff.html", rec.Timestamp.UTC().Format("2006-01-02_15-04-05"), sanitizeFileName(target.Name))
	path := filepath.Join(r.Dir, name)
	page := renderDiffPage(target, rec, oldContent, newContent)
	if err := writeFileAtomic(path, []byte(page)); err != nil {
		return "", err
	}
	return path, nil
}

func renderDiffPage(target Target, rec ChangeRecord, oldContent, newContent string) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	diffs = dmp.DiffCleanupSemantic(diffs)

	title := html.EscapeString(fmt.Sprintf("Changes for %s", target.Name))
	return fmt.Sprintf(`<!DOCTYPE html><html lang="en"><head><meta charset="UTF-8">
<title>%s</title>
<style>
body { font-family: sans-serif; line-height: 1.6; color: #333; }
.container { max-width: 90%%; margin: 20px auto; padding: 20px; border: 1px solid #ddd; border-radius: 5px; }
del { background-color: #fdd; text-decoration: none; }
ins { background-color: #dfd; text-decoration: none; }
</style></head><body><div class="container">
<h1>%s</h1>
<p><a href="%s">%s</a><br>%s &rarr; %s (%d &rarr; %d bytes)</p><hr>
<div>%s</div></div></body></html>`,
		title, title,
		html.EscapeString(target.URL), html.EscapeString(target.URL),
		rec.FromHash[:min(12, len(rec.FromHash))], rec.ToHash[:min(12, len(rec.ToHash))],
		rec.SizeBefore, rec.SizeAfter,
		dmp.DiffPrettyHtml(diffs))
}

func sanitizeFileName(name string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", " ", "_", ":", "_", "*", "_", "?", "_", "\"", "_", "<", "_", ">", "_", "|", "_")
	return replacer.Replace(name)
}
