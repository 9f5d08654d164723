package extract

import (
	"bytes"
	"encoding/xml"
	"strings"
)

const maskedValue = "***"

// capture re-serializes one matched subtree, namespace-free, up to a byte limit.
// Past the limit it stops writing and closes the elements that were open.
type capture struct {
	index   int // document-order start index across all targets
	target  *Target
	ordinal int

	buf       bytes.Buffer
	limit     int
	open      []string
	depth     int
	truncated bool
	closers   string

	masks     map[string]bool
	maskDepth int
	masked    bool
}

func newCapture(index int, target *Target, ordinal, limit int, masks map[string]bool) *capture {
	return &capture{
		index:   index,
		target:  target,
		ordinal: ordinal,
		limit:   limit,
		masks:   masks,
	}
}

func (c *capture) startElement(t xml.StartElement) {
	c.depth++
	if c.maskDepth == 0 && c.masks[t.Name.Local] {
		c.maskDepth = c.depth
	}

	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(t.Name.Local)
	for _, a := range t.Attr {
		if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" {
			continue
		}
		value := a.Value
		if c.masks[a.Name.Local] || c.maskDepth > 0 {
			value = maskedValue
			c.masked = true
		}
		b.WriteByte(' ')
		b.WriteString(a.Name.Local)
		b.WriteString(`="`)
		b.WriteString(escape(value))
		b.WriteByte('"')
	}
	b.WriteByte('>')

	// The root tag is always kept so a truncated fragment stays well-formed
	if c.depth == 1 {
		c.buf.WriteString(b.String())
		c.open = append(c.open, t.Name.Local)
		return
	}
	if c.write(b.String()) {
		c.open = append(c.open, t.Name.Local)
	}
}

// endElement reports whether the capture's root element just closed
func (c *capture) endElement() bool {
	if c.depth == c.maskDepth {
		c.maskDepth = 0
	}
	c.depth--

	if !c.truncated && len(c.open) > 0 {
		name := c.open[len(c.open)-1]
		c.open = c.open[:len(c.open)-1]
		c.buf.WriteString("</" + name + ">")
	}

	if c.depth == 0 {
		if c.truncated {
			c.buf.WriteString(c.closers)
		}
		return true
	}
	return false
}

func (c *capture) charData(data []byte) {
	text := string(data)
	if c.maskDepth > 0 && strings.TrimSpace(text) != "" {
		text = maskedValue
		c.masked = true
	}
	c.write(escape(text))
}

// write appends s unless the limit is reached, in which case the capture is truncated
func (c *capture) write(s string) bool {
	if c.truncated {
		return false
	}
	if c.limit > 0 && c.buf.Len()+len(s) > c.limit {
		c.truncate()
		return false
	}
	c.buf.WriteString(s)
	return true
}

func (c *capture) truncate() {
	c.truncated = true
	var b strings.Builder
	for i := len(c.open) - 1; i >= 0; i-- {
		b.WriteString("</" + c.open[i] + ">")
	}
	c.closers = b.String()
	c.open = nil
}

func (c *capture) fragment() Fragment {
	return Fragment{
		Index:     c.index,
		Section:   c.target.Section,
		NodeType:  c.target.NodeType,
		Critical:  c.target.Critical,
		Ordinal:   c.ordinal,
		Text:      c.buf.String(),
		Truncated: c.truncated,
		Masked:    c.masked,
	}
}

var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

func escape(s string) string {
	return escaper.Replace(s)
}
