package update

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
	"time"

	"github.com/schaermu/pilotsync/internal/fsutil"
)

const timestampLayout = "20060102-150405"

var guideTemplate = template.Must(template.New("guide").Parse(`# Manual Merge Guide

Generated: {{.Generated}}

The installed files are at version **{{.Current}}**; version **{{.Latest}}** is available.
No managed file was modified. Merge the changes below by hand, then run
` + "`pilotsync update --strategy auto`" + ` or write {{.Latest}} to ` + "`{{.VersionFile}}`" + `.

## Managed files

These files are provided by claude-pilot and would be overwritten by an automatic update:
{{range .Managed}}
- ` + "`{{.}}`" + `{{end}}

## Files that are never touched

Your own files stay as they are:
{{range .UserOwned}}
- ` + "`{{.}}`" + `{{end}}
{{if .Deprecated}}
## Deprecated files

These files are no longer used and can be deleted:
{{range .Deprecated}}
- ` + "`{{.}}`" + `{{end}}
{{end}}
## Suggested steps

1. Back up ` + "`{{.ManagedRoot}}/`" + ` (for example ` + "`cp -r {{.ManagedRoot}} {{.BackupDir}}/claude-manual`" + `).
2. Compare each managed file with the upstream version at {{.Source}}.
3. Carry your local changes over to the new versions.
4. Record the new version in ` + "`{{.VersionFile}}`" + `.
`))

type guideData struct {
	Generated   string
	Current     string
	Latest      string
	VersionFile string
	ManagedRoot string
	BackupDir   string
	Source      string
	Managed     []string
	UserOwned   []string
	Deprecated  []string
}

// renderGuide renders the merge guide document
func renderGuide(data guideData) ([]byte, error) {
	var buf bytes.Buffer
	if err := guideTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render merge guide: %w", err)
	}
	return buf.Bytes(), nil
}

// uniquePath returns dir/base+ext, adding a -N suffix while the name exists.
func uniquePath(dir, base, ext string) string {
	candidate := filepath.Join(dir, base+ext)
	for n := 1; fsutil.Exists(candidate); n++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s-%d%s", base, n, ext))
	}
	return candidate
}

func timestamp(t time.Time) string {
	return t.Format(timestampLayout)
}

func writeGuide(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	return fsutil.WriteFileAtomic(path, data, 0644)
}
