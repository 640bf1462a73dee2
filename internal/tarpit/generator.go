// Package tarpit generates and slowly serves the labyrinth: deterministic
// Markov-chain HTML pages laced with links that lead only deeper into the
// labyrinth, streamed at a crawl.
package tarpit

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"html/template"
	"math/rand"
	"strings"

	"quagmire/internal/markov"
)

// Generator produces labyrinth pages. Pages are a pure function of the
// request path and the system seed: the same path always renders the same
// bytes, so crawlers cannot detect the trap by re-fetching.
type Generator struct {
	store        *markov.Store
	seed         string
	minWords     int
	maxWords     int
	linksPerPage int
	pathPrefix   string
}

// GeneratorOptions configures a Generator.
type GeneratorOptions struct {
	Seed         string
	MinWords     int
	MaxWords     int
	LinksPerPage int
	PathPrefix   string
}

// NewGenerator creates a page generator over the given chain.
func NewGenerator(store *markov.Store, opts GeneratorOptions) *Generator {
	return &Generator{
		store:        store,
		seed:         opts.Seed,
		minWords:     opts.MinWords,
		maxWords:     opts.MaxWords,
		linksPerPage: opts.LinksPerPage,
		pathPrefix:   strings.TrimSuffix(opts.PathPrefix, "/"),
	}
}

// Link is one outbound labyrinth reference.
type Link struct {
	Href string
	Text string
}

// Page is a generated labyrinth page.
type Page struct {
	Title      string
	Paragraphs []string
	Links      []Link
}

// rngFor derives the page RNG: the path digest is folded with the system
// seed so operators with different seeds serve different labyrinths for the
// same path.
func (g *Generator) rngFor(path string) *rand.Rand {
	pathHash := sha256.Sum256([]byte(path))
	digest := sha256.Sum256([]byte(g.seed + "-" + hex.EncodeToString(pathHash[:])))
	seed := int64(binary.BigEndian.Uint64(digest[:8]))
	return rand.New(rand.NewSource(seed))
}

// Page generates the labyrinth page for a request path.
func (g *Generator) Page(path string) (*Page, error) {
	rng := g.rngFor(path)

	title, err := g.sentence(rng, 3+rng.Intn(5))
	if err != nil {
		return nil, err
	}

	target := g.minWords
	if g.maxWords > g.minWords {
		target += rng.Intn(g.maxWords - g.minWords + 1)
	}

	paragraphs, err := g.prose(rng, target)
	if err != nil {
		return nil, err
	}

	links := make([]Link, 0, g.linksPerPage)
	for i := 0; i < g.linksPerPage; i++ {
		text, err := g.sentence(rng, 2+rng.Intn(3))
		if err != nil {
			return nil, err
		}
		links = append(links, Link{
			Href: fmt.Sprintf("%s/%s/%s", g.pathPrefix, g.slug(rng), g.slug(rng)),
			Text: strings.TrimSuffix(text, "."),
		})
	}

	return &Page{Title: strings.TrimSuffix(title, "."), Paragraphs: paragraphs, Links: links}, nil
}

// prose walks the chain until roughly target words have been emitted,
// breaking paragraphs at sentence boundaries.
func (g *Generator) prose(rng *rand.Rand, target int) ([]string, error) {
	var paragraphs []string
	var para []string
	sentenceLen := 0
	words := 0

	p1, p2 := int64(markov.EmptyID), int64(markov.EmptyID)
	for words < target {
		cands, err := g.store.Next(p1, p2)
		if err != nil {
			return nil, err
		}
		next := markov.Sample(cands, rng)
		if next == markov.EmptyID {
			if p1 == markov.EmptyID && p2 == markov.EmptyID {
				// No successors even from the boundary state: the chain is
				// untrained. Fill with generated slugs so the page still
				// renders instead of spinning on an empty successor set.
				word := g.slug(rng)
				if sentenceLen == 0 {
					word = capitalize(word)
				}
				para = append(para, word)
				sentenceLen++
				words++
				if sentenceLen >= 8+rng.Intn(5) {
					para[len(para)-1] += "."
					sentenceLen = 0
				}
				continue
			}
			// Sentence ended (or dead end): close it and restart from
			// the boundary state.
			if n := len(para); n > 0 && sentenceLen > 0 {
				para[n-1] += "."
			}
			sentenceLen = 0
			p1, p2 = markov.EmptyID, markov.EmptyID
			if len(para) >= 40+rng.Intn(30) {
				paragraphs = append(paragraphs, strings.Join(para, " "))
				para = nil
			}
			continue
		}

		word, err := g.store.Word(next)
		if err != nil {
			return nil, err
		}
		if sentenceLen == 0 {
			word = capitalize(word)
		}
		para = append(para, word)
		sentenceLen++
		words++
		p1, p2 = p2, next
	}

	if len(para) > 0 {
		if sentenceLen > 0 {
			para[len(para)-1] += "."
		}
		paragraphs = append(paragraphs, strings.Join(para, " "))
	}
	return paragraphs, nil
}

// sentence emits a short capitalized phrase of roughly n words.
func (g *Generator) sentence(rng *rand.Rand, n int) (string, error) {
	var out []string
	p1, p2 := int64(markov.EmptyID), int64(markov.EmptyID)
	for len(out) < n {
		cands, err := g.store.Next(p1, p2)
		if err != nil {
			return "", err
		}
		next := markov.Sample(cands, rng)
		if next == markov.EmptyID {
			if len(out) == 0 {
				// Empty chain; fall back to a slug so pages still render.
				return capitalize(g.slug(rng)), nil
			}
			break
		}
		word, err := g.store.Word(next)
		if err != nil {
			return "", err
		}
		out = append(out, word)
		p1, p2 = p2, next
	}
	return capitalize(strings.Join(out, " ")) + ".", nil
}

// slug derives a path segment from the RNG.
func (g *Generator) slug(rng *rand.Rand) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], rng.Uint32())
	return hex.EncodeToString(b[:])
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="robots" content="noindex, nofollow">
<title>{{.Title}}</title>
</head>
<body>
<h1>{{.Title}}</h1>
{{range .Paragraphs}}<p>{{.}}</p>
{{end}}<ul>
{{range .Links}}<li><a href="{{.Href}}">{{.Text}}</a></li>
{{end}}</ul>
</body>
</html>
`))

// HTML renders the page. Output is deterministic for a given Page.
func (p *Page) HTML() ([]byte, error) {
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, p); err != nil {
		return nil, fmt.Errorf("rendering page: %w", err)
	}
	return buf.Bytes(), nil
}
