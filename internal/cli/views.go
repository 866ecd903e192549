package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
)

// pairs keeps key-value details in insertion order.
type pairs []kvPair

type kvPair struct {
	key   string
	value any
}

func (p pairs) object(extra int) map[string]any {
	obj := make(map[string]any, len(p)+extra)
	for _, kv := range p {
		obj[toJSONKey(kv.key)] = kv.value
	}
	return obj
}

// KV is a record such as a queue or address query. Created via Output.KV().
type KV struct {
	out   *Output
	meta  Meta
	pairs pairs
}

// Set appends a field. Fields render in the order they were set.
func (k *KV) Set(key string, value any) *KV {
	k.pairs = append(k.pairs, kvPair{key: key, value: value})
	return k
}

func (k *KV) Render() error { return k.out.Render(k) }
func (k *KV) Meta() Meta { return k.meta }

// RenderText aligns "key: value" lines in a borderless go-pretty table.
func (k *KV) RenderText(w io.Writer) error {
	if len(k.pairs) == 0 {
		return nil
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	opts := &tw.Style().Options
	opts.DrawBorder, opts.SeparateColumns, opts.SeparateRows, opts.SeparateHeader = false, false, false, false
	for _, p := range k.pairs {
		tw.AppendRow(table.Row{p.key + ":", fmt.Sprint(p.value)})
	}
	_, err := fmt.Fprintln(w, tw.Render())
	return err
}

func (k *KV) RenderJSON() any { return k.pairs.object(0) }

func (k *KV) RenderMarkdown(w io.Writer) error {
	for _, p := range k.pairs {
		if _, err := fmt.Fprintf(w, "**%s:** %s\n\n", p.key, markdownValue(p.value)); err != nil {
			return err
		}
	}
	return nil
}

// Result reports the outcome of a send, a queue change or an XA completion.
// Created via Output.Result().
type Result struct {
	out     *Output
	meta    Meta
	message string
	details pairs
}

// With appends a detail line.
func (r *Result) With(key string, value any) *Result {
	r.details = append(r.details, kvPair{key: key, value: value})
	return r
}

func (r *Result) Render() error { return r.out.Render(r) }
func (r *Result) Meta() Meta { return r.meta }

func (r *Result) RenderText(w io.Writer) error {
	width := 0
	for _, d := range r.details {
		width = max(width, len(d.key)+1)
	}
	var b strings.Builder
	b.WriteString(r.message + "\n")
	for _, d := range r.details {
		fmt.Fprintf(&b, "  %-*s  %v\n", width, d.key+":", d.value)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func (r *Result) RenderJSON() any {
	obj := r.details.object(1)
	obj["message"] = r.message
	return obj
}

func (r *Result) RenderMarkdown(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s**\n\n", r.message)
	for _, d := range r.details {
		fmt.Fprintf(&b, "- **%s:** %s\n", d.key, markdownValue(d.value))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// Table lists received messages or recovered xids. Created via Output.Table().
type Table struct {
	out     *Output
	meta    Meta
	headers []string
	rows    [][]string
	empty   string
}

// AddRow appends a row; cells line up with the headers by position.
func (t *Table) AddRow(values ...string) *Table {
	t.rows = append(t.rows, values)
	return t
}

// Empty sets the line printed in text mode instead of a table with no rows.
func (t *Table) Empty(text string) *Table {
	t.empty = text
	return t
}

func (t *Table) Render() error { return t.out.Render(t) }
func (t *Table) Meta() Meta { return t.meta }

func (t *Table) RenderText(w io.Writer) error {
	if len(t.rows) == 0 && t.empty != "" {
		_, err := fmt.Fprintln(w, t.empty)
		return err
	}
	tw := t.writer()
	tw.SetStyle(table.StyleLight)
	_, err := fmt.Fprintln(w, tw.Render())
	return err
}

// RenderJSON emits one object per row keyed by header. An empty table is [].
func (t *Table) RenderJSON() any {
	out := make([]map[string]string, len(t.rows))
	for n, row := range t.rows {
		obj := make(map[string]string, len(t.headers))
		for i := 0; i < len(t.headers) && i < len(row); i++ {
			obj[toJSONKey(t.headers[i])] = row[i]
		}
		out[n] = obj
	}
	return out
}

func (t *Table) RenderMarkdown(w io.Writer) error {
	_, err := fmt.Fprintln(w, t.writer().RenderMarkdown())
	return err
}

func (t *Table) writer() table.Writer {
	tw := table.NewWriter()
	tw.AppendHeader(toRow(t.headers))
	for _, row := range t.rows {
		tw.AppendRow(toRow(row))
	}
	return tw
}

func toRow(cells []string) table.Row {
	r := make(table.Row, len(cells))
	for i, c := range cells {
		r[i] = c
	}
	return r
}

// markdownValue sets xids in backticks and escapes table pipes elsewhere.
func markdownValue(v any) string {
	s := fmt.Sprint(v)
	if looksLikeXid(s) {
		return "`" + s + "`"
	}
	return strings.ReplaceAll(s, "|", `\|`)
}

// looksLikeXid matches the format:gtrid:bqual key form, hex in lower case.
func looksLikeXid(s string) bool {
	format, rest, ok := strings.Cut(s, ":")
	if !ok || format == "" {
		return false
	}
	gtrid, bqual, ok := strings.Cut(rest, ":")
	if !ok || gtrid == "" || strings.Contains(bqual, ":") {
		return false
	}
	return strings.Trim(gtrid+bqual, "0123456789abcdef") == ""
}

// toJSONKey turns a header like "Format ID" into format_id.
func toJSONKey(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, " ", "_"))
}
