// Package query builds peer search queries from templates and produces the
// ordered fallback queries used when a search attempt yields nothing usable.
package query

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"resonance/internal/domain"
)

const (
	DefaultAlbumTemplate = "{artist} {album}"
	DefaultTrackTemplate = "{artist} {title}"
)

// Context carries the values substituted into templates.
type Context struct {
	Artist string
	Album  string
	Title  string
	Year   int
	Type   domain.TaskType
}

// ContextFromTask maps a task onto template values.
func ContextFromTask(task *domain.Task) Context {
	c := Context{Artist: task.Artist, Year: task.Year, Type: task.Type}
	if task.Type == domain.TaskTypeTrack {
		c.Title = task.Title
	} else {
		c.Album = task.Title
	}
	return c
}

var (
	whitespaceRe  = regexp.MustCompile(`\s+`)
	emptyDashRe   = regexp.MustCompile(`-(\s*-)+`)
	emptyGroupRe  = regexp.MustCompile(`\(\s*\)|\[\s*\]`)
	edgeDashRe    = regexp.MustCompile(`^[\s-]+|[\s-]+$`)
	nonAlnumRe    = regexp.MustCompile(`[^\p{L}\p{N}]+`)
	placeholderRe = regexp.MustCompile(`\{(artist|album|title|year)\}`)
)

// Builder renders queries using the configured templates and exclude terms.
type Builder struct {
	settings domain.QuerySettings
	excludes []*regexp.Regexp
}

func NewBuilder(settings domain.QuerySettings) *Builder {
	if strings.TrimSpace(settings.AlbumTemplate) == "" {
		settings.AlbumTemplate = DefaultAlbumTemplate
	}
	if strings.TrimSpace(settings.TrackTemplate) == "" {
		settings.TrackTemplate = DefaultTrackTemplate
	}
	b := &Builder{settings: settings}
	for _, term := range settings.ExcludeTerms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		// whole words only: "live" must not match inside "Alluvial"
		b.excludes = append(b.excludes, regexp.MustCompile(`(?i)(^|[^\p{L}\p{N}])`+regexp.QuoteMeta(term)+`([^\p{L}\p{N}]|$)`))
	}
	return b
}

// Build renders the primary query for the context.
func (b *Builder) Build(c Context) string {
	tmpl := b.settings.AlbumTemplate
	if c.Type == domain.TaskTypeTrack {
		tmpl = b.settings.TrackTemplate
	}
	return render(tmpl, c)
}

// Fallback returns the query for the given zero-based fallback index. Indices
// below the number of configured fallback templates render those templates in
// order; the next index yields the simplified primary query when simplify is
// set. ok is false once no fallbacks remain.
func (b *Builder) Fallback(c Context, attemptIndex int, simplify bool) (q string, ok bool) {
	if attemptIndex < 0 {
		return "", false
	}
	if attemptIndex < len(b.settings.FallbackTemplates) {
		return render(b.settings.FallbackTemplates[attemptIndex], c), true
	}
	if simplify && attemptIndex == len(b.settings.FallbackTemplates) {
		return b.Simplify(b.Build(c)), true
	}
	return "", false
}

// Simplify strips diacritics, replaces punctuation with spaces, lowercases,
// and removes exclude terms.
func (b *Builder) Simplify(q string) string {
	q = stripDiacritics(q)
	q = nonAlnumRe.ReplaceAllString(q, " ")
	q = strings.ToLower(q)
	q = b.removeExcludes(q)
	return collapse(q)
}

// Normalize collapses whitespace and removes exclude terms without folding
// case or diacritics.
func (b *Builder) Normalize(q string) string {
	return collapse(b.removeExcludes(collapse(q)))
}

func (b *Builder) removeExcludes(q string) string {
	for _, re := range b.excludes {
		for {
			next := re.ReplaceAllString(q, "$1$2")
			if next == q {
				break
			}
			q = next
		}
	}
	return q
}

func render(tmpl string, c Context) string {
	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		switch m {
		case "{artist}":
			return c.Artist
		case "{album}":
			return c.Album
		case "{title}":
			return c.Title
		case "{year}":
			if c.Year > 0 {
				return strconv.Itoa(c.Year)
			}
		}
		return ""
	})
	out = collapse(out)
	out = emptyGroupRe.ReplaceAllString(out, "")
	out = emptyDashRe.ReplaceAllString(out, "-")
	out = edgeDashRe.ReplaceAllString(out, "")
	return collapse(out)
}

func collapse(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

func stripDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
