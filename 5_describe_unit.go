package launcher

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
)

//go:embed templates/unit.html
var htmlTemplate string

//go:embed templates/styles.css
var cssStyles string

var (
	describeUnitID string
	describeHTML   string
)

var DescribeUnitCmd = &cobra.Command{
	Use:   "describe",
	Short: "Describe a built unit as Markdown, optionally rendered to HTML",
	Run: func(cmd *cobra.Command, args []string) {
		store := mustOpenStore()
		defer closeStore(store)

		uf, err := findUnit(store, describeUnitID)
		if err != nil {
			log.Fatalf("Failed to find unit: %v", err)
		}
		u, err := store.Unit(uf.ID)
		if err != nil {
			log.Fatalf("Failed to load unit: %v", err)
		}

		md := describeMarkdown(uf, u.Phase, os.Environ())
		if describeHTML == "" {
			fmt.Print(md)
			return
		}

		page, err := renderHTML(uf.Descriptor.Name, md)
		if err != nil {
			log.Fatalf("Failed to render HTML: %v", err)
		}
		if err := os.WriteFile(describeHTML, []byte(page), 0644); err != nil {
			log.Fatalf("Failed to write HTML file: %v", err)
		}
		log.Printf("HTML description generated: %s", describeHTML)
	},
}

func init() {
	DescribeUnitCmd.Flags().StringVar(&describeUnitID, "unit", "", "unit ID (default: latest built unit of the descriptor)")
	DescribeUnitCmd.Flags().StringVar(&describeHTML, "html", "", "write an HTML page to this path")
}

// describeMarkdown summarizes a unit and the environment it would start with
func describeMarkdown(uf UnitFile, phase Phase, environ []string) string {
	d := uf.Descriptor
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", d.Name)
	fmt.Fprintf(&b, "| | |\n|---|---|\n")
	fmt.Fprintf(&b, "| Unit | `%s` |\n", uf.ID)
	fmt.Fprintf(&b, "| Phase | %s |\n", phase)
	fmt.Fprintf(&b, "| Dependencies | `%s` |\n", shortDigest(uf.Digest))
	fmt.Fprintf(&b, "| Built | %s |\n", uf.BuiltAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "| Listen | `%s:%d` |\n", d.Address, d.Port)
	if url := probeURL(d); url != "" {
		fmt.Fprintf(&b, "| Health | %s |\n", url)
	}

	command := strings.Join(expandArgs(d.Command, d.commandVars()), " ")
	fence := strings.Repeat("`", max(3, longestBacktickRun(command)+1))
	fmt.Fprintf(&b, "\n## Command\n\n%s\n%s\n%s\n\n## Environment\n\n", fence, command, fence)
	b.WriteString("| Variable | Value | Source |\n|---|---|---|\n")
	for _, r := range Resolve(environ, d.Env) {
		source := "default"
		if r.Overridden {
			source = "override"
		}
		fmt.Fprintf(&b, "| `%s` | %s | %s |\n", r.Name, cellCode(maskValue(r)), source)
	}
	return b.String()
}

// cellCode renders s as a code span that is safe inside a table cell
func cellCode(s string) string {
	if s == "" {
		return ""
	}
	ticks := strings.Repeat("`", longestBacktickRun(s)+1)
	if strings.HasPrefix(s, "`") || strings.HasSuffix(s, "`") {
		s = " " + s + " "
	}
	return ticks + strings.ReplaceAll(s, "|", `\|`) + ticks
}

func longestBacktickRun(s string) int {
	longest, run := 0, 0
	for _, c := range s {
		if c == '`' {
			run++
			longest = max(longest, run)
		} else {
			run = 0
		}
	}
	return longest
}

// renderHTML converts markdown into a complete HTML document with embedded CSS
func renderHTML(title, markdown string) (string, error) {
	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			extension.Table,
			extension.Linkify,
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(
			html.WithXHTML(),
		),
	)

	// The page header already carries the title.
	markdown = strings.TrimPrefix(markdown, "# "+title+"\n")

	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown: %w", err)
	}

	tmpl, err := template.New("unit").Parse(htmlTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML template: %w", err)
	}

	data := struct {
		Title string
		Date  string
		Body  template.HTML
		CSS   template.CSS
	}{
		Title: title,
		Date:  time.Now().Format("2 January 2006"),
		Body:  template.HTML(buf.String()),
		CSS:   template.CSS(cssStyles),
	}

	var result bytes.Buffer
	if err := tmpl.Execute(&result, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return result.String(), nil
}
