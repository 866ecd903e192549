// Package cli renders command results and runs commands that talk to a
// broker through a single session.
package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Format is the value of the -o flag.
type Format string

const (
	FormatText     Format = "text"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// ParseFormat maps -o values to a Format. Anything unrecognized is text.
func ParseFormat(s string) Format {
	switch Format(s) {
	case FormatJSON:
		return FormatJSON
	case FormatMarkdown, "md":
		return FormatMarkdown
	}
	return FormatText
}

// Meta heads every JSON envelope and markdown document.
type Meta struct {
	Type      string    `json:"type" yaml:"type"`
	Broker    string    `json:"broker,omitempty" yaml:"broker,omitempty"`
	Generated time.Time `json:"generated" yaml:"generated"`
}

// Renderable is implemented by Table, KV and Result.
type Renderable interface {
	Meta() Meta
	RenderText(w io.Writer) error
	RenderJSON() any
	RenderMarkdown(w io.Writer) error
}

// Output renders results in one Format.
type Output struct {
	format Format
	broker string
	w      io.Writer
}

func NewOutput(format Format, w io.Writer) *Output {
	return &Output{format: format, w: w}
}

// ViperGetter is the part of viper.Viper that NewOutputFromViper reads.
type ViperGetter interface {
	GetString(key string) string
}

// NewOutputFromViper writes to stdout in the -o format and stamps results
// with the broker address.
func NewOutputFromViper(v ViperGetter) *Output {
	out := NewOutput(ParseFormat(v.GetString("output")), os.Stdout)
	out.broker = v.GetString("client.addr")
	return out
}

func (o *Output) Format() Format { return o.format }

func (o *Output) meta(kind string) Meta {
	return Meta{Type: kind, Broker: o.broker, Generated: time.Now().UTC()}
}

// Table starts a result with one row per item.
func (o *Output) Table(kind string, headers ...string) *Table {
	return &Table{out: o, meta: o.meta(kind), headers: headers}
}

// KV starts a single-record result.
func (o *Output) KV(kind string) *KV {
	return &KV{out: o, meta: o.meta(kind)}
}

// Result starts an outcome line such as "sent" or "commit done".
func (o *Output) Result(kind, message string) *Result {
	return &Result{out: o, meta: o.meta(kind), message: message}
}

type envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// Render writes r. JSON is wrapped in a {meta, data} envelope; markdown
// starts with the meta as YAML frontmatter.
func (o *Output) Render(r Renderable) error {
	switch o.format {
	case FormatJSON:
		enc := json.NewEncoder(o.w)
		enc.SetIndent("", "  ")
		return enc.Encode(envelope{Meta: r.Meta(), Data: r.RenderJSON()})
	case FormatMarkdown:
		front, err := yaml.Marshal(r.Meta())
		if err != nil {
			return err
		}
		var b bytes.Buffer
		b.WriteString("---\n")
		b.Write(front)
		b.WriteString("---\n\n")
		if _, err := o.w.Write(b.Bytes()); err != nil {
			return err
		}
		return r.RenderMarkdown(o.w)
	default:
		return r.RenderText(o.w)
	}
}
