package ingest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
)

// DefaultChunkSize is the target chunk length in characters.
const DefaultChunkSize = 1500

// maxJSONLLine bounds a single JSONL line. Records are capped well below
// this by the store's text limit.
const maxJSONLLine = 4 << 20

// SupportedExtensions lists the file types LoadFile understands.
var SupportedExtensions = []string{".jsonl", ".txt", ".md", ".markdown"}

// Supported reports whether path has an extension in exts, or in
// SupportedExtensions when exts is empty.
func Supported(path string, exts []string) bool {
	if len(exts) == 0 {
		exts = SupportedExtensions
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

// LoadJSONL reads one Input per line. Blank lines are skipped; a line that
// is not a JSON object fails with its line number.
func LoadJSONL(r io.Reader) ([]Input, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxJSONLLine)

	var out []Input
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var in Input
		if err := json.Unmarshal([]byte(raw), &in); err != nil {
			return nil, rerrors.New(rerrors.ErrCodeInvalidInput, fmt.Sprintf("line %d is not a valid record", line), err)
		}
		out = append(out, in)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read jsonl: %w", err)
	}
	return out, nil
}

// LoadFile reads path into inputs. JSONL records without a doc_source get
// the path; text and markdown files are chunked and tagged with the path as
// doc_source and the file type as doc_id.
func LoadFile(path string, chunkSize int) ([]Input, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".jsonl" {
		inputs, err := LoadJSONL(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		for i := range inputs {
			if inputs[i].DocSource == "" {
				inputs[i].DocSource = path
			}
		}
		return inputs, nil
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var chunks []string
	docType := strings.TrimPrefix(ext, ".")
	switch ext {
	case ".md", ".markdown":
		chunks = ChunkMarkdown(string(data), chunkSize)
		docType = "md"
	case ".txt":
		chunks = ChunkText(string(data), chunkSize)
	default:
		return nil, rerrors.ValidationError(fmt.Sprintf("unsupported file type %q", ext), nil).
			WithSuggestion("Supported types: " + strings.Join(SupportedExtensions, ", "))
	}

	inputs := make([]Input, len(chunks))
	for i, c := range chunks {
		inputs[i] = Input{Text: c, DocSource: path, DocID: docType}
	}
	return inputs, nil
}

var paragraphBreak = regexp.MustCompile(`\n\s*\n`)

// ChunkText splits text into chunks of at most maxChars characters. It packs
// whole paragraphs together where it can, splits long paragraphs at
// sentence ends, and cuts at whitespace only when a sentence is itself too
// long. maxChars <= 0 means DefaultChunkSize.
func ChunkText(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = DefaultChunkSize
	}

	var pieces []string
	for _, p := range paragraphBreak.Split(strings.ReplaceAll(text, "\r\n", "\n"), -1) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if runeLen(p) <= maxChars {
			pieces = append(pieces, p)
			continue
		}
		for _, s := range splitSentences(p) {
			pieces = append(pieces, splitHard(s, maxChars)...)
		}
	}
	return pack(pieces, maxChars)
}

// pack joins consecutive pieces with blank lines while they fit.
func pack(pieces []string, maxChars int) []string {
	var (
		chunks []string
		cur    strings.Builder
		curLen int
	)
	for _, p := range pieces {
		n := runeLen(p)
		if curLen > 0 && curLen+2+n > maxChars {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
		if curLen > 0 {
			cur.WriteString("\n\n")
			curLen += 2
		}
		cur.WriteString(p)
		curLen += n
	}
	if curLen > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// splitSentences breaks a paragraph after '.', '!' or '?' followed by
// whitespace.
func splitSentences(p string) []string {
	var out []string
	runes := []rune(p)
	start := 0
	for i := 0; i < len(runes)-1; i++ {
		if (runes[i] == '.' || runes[i] == '!' || runes[i] == '?') && unicode.IsSpace(runes[i+1]) {
			if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

// splitHard cuts s into pieces of at most maxChars runes, preferring the
// last whitespace inside each window.
func splitHard(s string, maxChars int) []string {
	runes := []rune(s)
	var out []string
	for len(runes) > maxChars {
		cut := maxChars
		for i := maxChars; i > maxChars/2; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
		if piece := strings.TrimSpace(string(runes[:cut])); piece != "" {
			out = append(out, piece)
		}
		runes = []rune(strings.TrimLeftFunc(string(runes[cut:]), unicode.IsSpace))
	}
	if piece := strings.TrimSpace(string(runes)); piece != "" {
		out = append(out, piece)
	}
	return out
}

func runeLen(s string) int { return len([]rune(s)) }

var (
	frontmatter = regexp.MustCompile(`(?s)\A---\n.*?\n---\n*`)
	header      = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*#*\s*$`)
)

// ChunkMarkdown chunks a markdown document section by section. Front matter
// is dropped, and each chunk of a section is prefixed with the section's
// header path (for example "Agreements > RCA") so that retrieved text keeps
// its place in the document.
func ChunkMarkdown(doc string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = DefaultChunkSize
	}
	doc = strings.ReplaceAll(doc, "\r\n", "\n")
	doc = frontmatter.ReplaceAllString(doc, "")

	type section struct {
		path string
		body strings.Builder
	}
	var (
		sections []*section
		trail    []string
		inFence  bool
	)
	cur := &section{}
	sections = append(sections, cur)

	for _, line := range strings.Split(doc, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
		}
		if m := header.FindStringSubmatch(line); m != nil && !inFence {
			level := len(m[1])
			if level > len(trail) {
				trail = append(trail, make([]string, level-len(trail))...)
			}
			trail = append(trail[:level-1], m[2])
			cur = &section{path: joinTrail(trail)}
			sections = append(sections, cur)
			continue
		}
		cur.body.WriteString(line)
		cur.body.WriteByte('\n')
	}

	var out []string
	for _, s := range sections {
		prefix := ""
		if s.path != "" {
			prefix = s.path + "\n\n"
		}
		budget := maxChars - runeLen(prefix)
		if budget < maxChars/2 {
			prefix, budget = "", maxChars
		}
		for _, c := range ChunkText(s.body.String(), budget) {
			out = append(out, prefix+c)
		}
	}
	return out
}

func joinTrail(trail []string) string {
	parts := make([]string, 0, len(trail))
	for _, t := range trail {
		if t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " > ")
}
