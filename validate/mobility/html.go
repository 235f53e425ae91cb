package mobility

import (
	"fmt"
	"html/template"
	"os"
	"sort"
	"strings"
)

// How many sample rows each notice shows in the rendered report.
const sampleRowLimit = 15

var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>GTFS Validation Report</title>
<style>
body { font-family: -apple-system, "Segoe UI", Roboto, sans-serif; margin: 2rem; color: #1a1a2e; }
h1 { border-bottom: 3px solid #0f4c81; padding-bottom: .5rem; }
.summary { display: flex; gap: 1rem; margin: 1rem 0; }
.badge { padding: .5rem 1rem; border-radius: 6px; color: #fff; font-weight: 600; }
.badge.error { background: #c0392b; }
.badge.warning { background: #d68910; }
.badge.info { background: #2471a3; }
details { margin: .75rem 0; border: 1px solid #d5d8dc; border-radius: 6px; padding: .5rem 1rem; }
summary { cursor: pointer; font-weight: 600; }
summary .count { color: #707b7c; font-weight: 400; }
table { border-collapse: collapse; margin-top: .5rem; width: 100%; font-size: .85rem; }
th, td { border: 1px solid #d5d8dc; padding: .3rem .6rem; text-align: left; }
th { background: #f2f3f4; }
footer { margin-top: 2rem; color: #707b7c; font-size: .8rem; }
</style>
</head>
<body>
<h1>GTFS Validation Report</h1>
<div class="summary">
{{- range .Severities }}
<div class="badge {{ .Class }}">{{ .Name }}: {{ .Total }}</div>
{{- end }}
</div>
{{- range .Sections }}
<h2>{{ .Name }}</h2>
{{- range .Notices }}
<details>
<summary>{{ .Code }} <span class="count">({{ .Total }} occurrences)</span></summary>
{{- if .Columns }}
<table>
<tr>{{ range .Columns }}<th>{{ . }}</th>{{ end }}</tr>
{{- range .Rows }}
<tr>{{ range . }}<td>{{ . }}</td>{{ end }}</tr>
{{- end }}
</table>
{{- end }}
</details>
{{- end }}
{{- end }}
<footer>Validated with MobilityData canonical validator {{ .Version }}</footer>
</body>
</html>
`))

type severityBadge struct {
	Name  string
	Class string
	Total int
}

type noticeView struct {
	Code    string
	Total   int
	Columns []string
	Rows    [][]string
}

type sectionView struct {
	Name    string
	Notices []noticeView
}

type reportView struct {
	Severities []severityBadge
	Sections   []sectionView
	Version    string
}

// WriteBrandedReport renders the parsed report as a standalone HTML
// page, notices bucketed by severity with a sample table per code.
func WriteBrandedReport(path string, report *Report) error {
	counts := report.Counts()
	view := reportView{
		Version: report.Summary.ValidatorVersion,
		Severities: []severityBadge{
			{"Errors", "error", counts["ERROR"]},
			{"Warnings", "warning", counts["WARNING"]},
			{"Infos", "info", counts["INFO"]},
		},
	}

	sectionNames := map[string]string{
		"ERROR": "Errors", "WARNING": "Warnings", "INFO": "Infos",
	}
	for _, severity := range []string{"ERROR", "WARNING", "INFO"} {
		section := sectionView{Name: sectionNames[severity]}
		for _, n := range report.Notices {
			if strings.ToUpper(n.Severity) != severity {
				continue
			}
			section.Notices = append(section.Notices, buildNoticeView(n))
		}
		if len(section.Notices) > 0 {
			sort.Slice(section.Notices, func(i, j int) bool {
				return section.Notices[i].Total > section.Notices[j].Total
			})
			view.Sections = append(view.Sections, section)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating report html: %w", err)
	}
	defer f.Close()

	if err := reportTemplate.Execute(f, view); err != nil {
		return fmt.Errorf("rendering report html: %w", err)
	}
	return nil
}

func buildNoticeView(n Notice) noticeView {
	view := noticeView{Code: n.Code, Total: n.TotalNotices}

	samples := n.SampleNotices
	if len(samples) > sampleRowLimit {
		samples = samples[:sampleRowLimit]
	}
	if len(samples) == 0 {
		return view
	}

	colSet := map[string]bool{}
	for _, s := range samples {
		for k := range s {
			colSet[k] = true
		}
	}
	for k := range colSet {
		view.Columns = append(view.Columns, k)
	}
	sort.Strings(view.Columns)

	for _, s := range samples {
		row := make([]string, len(view.Columns))
		for i, col := range view.Columns {
			if v, ok := s[col]; ok {
				row[i] = fmt.Sprintf("%v", v)
			}
		}
		view.Rows = append(view.Rows, row)
	}
	return view
}
