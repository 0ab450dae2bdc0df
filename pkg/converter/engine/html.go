package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"

	"github.com/stackvity/batch-converter/pkg/converter"
)

var collapseSpace = regexp.MustCompile(`[ \t\r\n]+`)

// HTMLEngine renders HTML documents as Markdown: headings, paragraphs, lists,
// links, emphasis, preformatted blocks and line breaks. Scripts, styles and the
// document head are dropped; the <title> is reported as metadata.
type HTMLEngine struct {
	logger *slog.Logger
}

// NewHTMLEngine returns an HTMLEngine.
func NewHTMLEngine(loggerHandler slog.Handler) *HTMLEngine {
	if loggerHandler == nil {
		loggerHandler = slog.NewTextHandler(io.Discard, nil)
	}
	return &HTMLEngine{logger: slog.New(loggerHandler).With(slog.String("component", "htmlEngine"))}
}

// Convert implements converter.ConversionEngine.
func (e *HTMLEngine) Convert(ctx context.Context, path string, _ converter.ConversionSettings) (converter.EngineOutput, error) {
	data, err := readSource(ctx, path)
	if err != nil {
		return converter.EngineOutput{}, err
	}
	r, err := charset.NewReader(bytes.NewReader(data), "text/html")
	if err != nil {
		return converter.EngineOutput{}, converter.NewFatalError(path, fmt.Errorf("detecting html charset: %w", err))
	}
	doc, err := html.Parse(r)
	if err != nil {
		return converter.EngineOutput{}, converter.NewFatalError(path, fmt.Errorf("parsing html: %w", err))
	}

	w := &htmlWriter{}
	w.walk(doc)
	meta := map[string]string{converter.MetaEngine: "html"}
	if w.title != "" {
		meta["title"] = w.title
	}
	e.logger.Debug("HTML converted", slog.String("path", path))
	return converter.EngineOutput{Content: w.String(), Metadata: meta}, nil
}

type htmlWriter struct {
	blocks []string
	cur    strings.Builder
	title  string
	list   []atom.Atom // enclosing ul/ol, innermost last
}

func (w *htmlWriter) String() string {
	w.endBlock()
	return strings.Join(w.blocks, "\n\n")
}

func (w *htmlWriter) endBlock() {
	if text := strings.TrimSpace(w.cur.String()); text != "" {
		w.blocks = append(w.blocks, text)
	}
	w.cur.Reset()
}

func (w *htmlWriter) inline(n *html.Node) string {
	sub := &htmlWriter{list: w.list}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sub.walk(c)
	}
	parts := sub.blocks
	if tail := strings.TrimSpace(sub.cur.String()); tail != "" {
		parts = append(parts, sub.cur.String())
	}
	return strings.TrimSpace(strings.ReplaceAll(strings.Join(parts, " "), " \n", "\n"))
}

func (w *htmlWriter) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		w.cur.WriteString(collapseSpace.ReplaceAllString(n.Data, " "))
		return
	case html.ElementNode:
	default:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			w.walk(c)
		}
		return
	}

	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Noscript, atom.Template:
		return
	case atom.Title:
		w.title = strings.TrimSpace(textOf(n))
		return
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		w.endBlock()
		level := int(n.Data[1] - '0')
		w.blocks = append(w.blocks, strings.Repeat("#", level)+" "+w.inline(n))
		return
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Blockquote, atom.Table, atom.Tr:
		w.endBlock()
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			w.walk(c)
		}
		w.endBlock()
		return
	case atom.Ul, atom.Ol:
		w.endBlock()
		w.list = append(w.list, n.DataAtom)
		var items []string
		idx := 0
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode || c.DataAtom != atom.Li {
				continue
			}
			idx++
			marker := "-"
			if n.DataAtom == atom.Ol {
				marker = fmt.Sprintf("%d.", idx)
			}
			indent := strings.Repeat("  ", len(w.list)-1)
			items = append(items, indent+marker+" "+w.inline(c))
		}
		w.list = w.list[:len(w.list)-1]
		if len(items) > 0 {
			if len(w.list) > 0 {
				w.cur.WriteString("\n" + strings.Join(items, "\n"))
			} else {
				w.blocks = append(w.blocks, strings.Join(items, "\n"))
			}
		}
		return
	case atom.Pre:
		w.endBlock()
		var b strings.Builder
		writeFence(&b, "", strings.Trim(textOf(n), "\n"))
		w.blocks = append(w.blocks, b.String())
		return
	case atom.Br:
		w.cur.WriteString("  \n")
		return
	case atom.Td, atom.Th:
		w.cur.WriteString(w.inline(n) + " | ")
		return
	case atom.A:
		text := w.inline(n)
		if href := htmlAttr(n, "href"); href != "" && text != "" {
			fmt.Fprintf(&w.cur, "[%s](%s)", text, href)
		} else {
			w.cur.WriteString(text)
		}
		return
	case atom.Strong, atom.B:
		if text := w.inline(n); text != "" {
			w.cur.WriteString("**" + text + "**")
		}
		return
	case atom.Em, atom.I:
		if text := w.inline(n); text != "" {
			w.cur.WriteString("*" + text + "*")
		}
		return
	case atom.Code:
		w.cur.WriteString("`" + textOf(n) + "`")
		return
	case atom.Img:
		if alt := htmlAttr(n, "alt"); alt != "" {
			fmt.Fprintf(&w.cur, "![%s](%s)", alt, htmlAttr(n, "src"))
		}
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return b.String()
}

func htmlAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
