package extract

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"

	"github.com/ppiankov/patternlens/internal/model"
)

// Dialect is the detected schema version and message root of a document
type Dialect struct {
	Version     string
	Source      model.VersionSource
	Namespace   string
	MessageRoot string
}

// Resolved reports whether a version signal has been found
func (d *Dialect) Resolved() bool {
	return d.Version != ""
}

type dialectDetector struct {
	patterns       []*regexp.Regexp
	attributes     map[string]bool
	headers        map[string]bool
	defaultVersion string
	prefixes       []string
}

func newDialectDetector(cfg model.ExtractionConfig) (*dialectDetector, error) {
	d := &dialectDetector{
		attributes:     toSet(cfg.VersionAttributes),
		headers:        toSet(cfg.HeaderElements),
		defaultVersion: cfg.DefaultVersion,
		prefixes:       cfg.LegacyPrefixes,
	}
	for _, p := range cfg.VersionPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile version pattern %q: %w", p, err)
		}
		d.patterns = append(d.patterns, re)
	}
	return d, nil
}

// fromRoot applies the namespace and root attribute signals, in that order
func (d *dialectDetector) fromRoot(root xml.StartElement, dialect *Dialect) {
	dialect.MessageRoot = NormalizeSegment(root.Name.Local, d.prefixes)
	dialect.Namespace = root.Name.Space

	if v := d.fromNamespace(root.Name.Space); v != "" {
		dialect.Version = v
		dialect.Source = model.VersionFromNamespace
		return
	}

	for _, a := range root.Attr {
		if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" {
			continue
		}
		if d.attributes[a.Name.Local] {
			if v := normalizeVersion(strings.TrimSpace(a.Value)); v != "" {
				dialect.Version = v
				dialect.Source = model.VersionFromAttribute
				return
			}
		}
	}
}

func (d *dialectDetector) fromNamespace(uri string) string {
	if uri == "" {
		return ""
	}
	for _, re := range d.patterns {
		m := re.FindStringSubmatch(uri)
		switch {
		case m == nil:
			continue
		case len(m) >= 3:
			return shortenYear(m[1]) + "." + m[2]
		case len(m) == 2:
			return normalizeVersion(m[1])
		default:
			return normalizeVersion(m[0])
		}
	}
	return ""
}

// isHeader reports whether an element may carry the header version
func (d *dialectDetector) isHeader(local string) bool {
	return d.headers[local]
}

// fromHeader applies the header element signal
func (d *dialectDetector) fromHeader(text string, dialect *Dialect) bool {
	v := normalizeVersion(strings.TrimSpace(text))
	if v == "" {
		return false
	}
	dialect.Version = v
	dialect.Source = model.VersionFromHeader
	return true
}

// fallback applies the configured default version
func (d *dialectDetector) fallback(dialect *Dialect) {
	dialect.Version = d.defaultVersion
	dialect.Source = model.VersionFromDefault
}

var versionShape = regexp.MustCompile(`^(\d{1,4})\.(\d{1,2})`)

// normalizeVersion reduces "2017.2" or "17.2.0" to "17.2"; other values pass through
func normalizeVersion(v string) string {
	if m := versionShape.FindStringSubmatch(v); m != nil {
		return shortenYear(m[1]) + "." + m[2]
	}
	return v
}

func shortenYear(major string) string {
	if len(major) == 4 {
		return major[2:]
	}
	return major
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
