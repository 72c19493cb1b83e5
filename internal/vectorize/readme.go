package vectorize

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Headings that mark boilerplate sections carrying no descriptive signal.
// Matching is case-insensitive on the normalized heading text and covers the
// translations commonly seen in popular repositories.
var boilerplateHeadings = map[string]bool{
	// english
	"installation": true, "install": true, "installing": true, "setup": true,
	"getting started": true, "quick start": true, "quickstart": true,
	"contributing": true, "contribution": true, "contributors": true,
	"license": true, "licence": true, "licensing": true,
	"changelog": true, "change log": true, "release notes": true,
	"tests": true, "testing": true, "test": true,
	"development": true, "developing": true, "building": true, "build": true,
	"faq": true, "frequently asked questions": true,
	"donate": true, "donations": true, "sponsors": true, "sponsoring": true,
	"support": true, "supporting": true,
	"authors": true, "author": true, "maintainers": true, "credits": true,
	"acknowledgements": true, "acknowledgments": true, "thanks": true,
	"code of conduct": true, "security": true, "citation": true, "badges": true,
	// spanish / portuguese
	"instalación": true, "instalacion": true, "instalação": true,
	"licencia": true, "licença": true, "contribuir": true, "contribuciones": true,
	"agradecimientos": true, "agradecimentos": true,
	// french
	"licence d'utilisation": true, "contribution(s)": true, "remerciements": true,
	// german
	"lizenz": true, "mitwirken": true, "danksagung": true,
	// chinese / japanese / korean
	"安装": true, "安裝": true, "许可证": true, "許可證": true, "贡献": true, "貢獻": true,
	"インストール": true, "ライセンス": true, "貢献": true, "謝辞": true,
	"설치": true, "라이선스": true, "기여": true,
	// russian
	"установка": true, "лицензия": true, "вклад": true, "благодарности": true,
}

var (
	badgeImageRe  = regexp.MustCompile(`\[!\[[^\]]*\]\([^)]*\)\]\([^)]*\)|!\[[^\]]*\]\([^)]*\)`)
	htmlTagRe     = regexp.MustCompile(`<[^>]{1,200}>`)
	headingRe     = regexp.MustCompile(`^(#{1,6})\s*(.*)$`)
	multiBlankRe  = regexp.MustCompile(`\n{3,}`)
	trailingPunct = regexp.MustCompile(`[#*_\x60:\s]+$`)
)

const (
	minFilteredChars = 50
	rawFallbackChars = 200
	minIndexChars    = 10
)

// SummarizeReadme reduces a raw README to a short descriptive summary:
// boilerplate sections are dropped, badges and markup stripped, and the
// remainder truncated to maxChars. When filtering leaves too little, the
// first 200 characters of the raw text are used instead.
func SummarizeReadme(raw string, maxChars int) string {
	if maxChars <= 0 {
		maxChars = 500
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	filtered := dropBoilerplateSections(raw)
	filtered = stripMarkup(filtered)
	filtered = strings.TrimSpace(multiBlankRe.ReplaceAllString(filtered, "\n\n"))

	if utf8.RuneCountInString(filtered) < minFilteredChars {
		filtered = strings.TrimSpace(stripMarkup(raw))
		filtered = truncateRunes(filtered, rawFallbackChars)
	}

	return truncateRunes(filtered, maxChars)
}

// dropBoilerplateSections walks the document heading by heading and skips
// every section whose heading is on the deny list, including its body up to
// the next heading of the same or shallower depth.
func dropBoilerplateSections(raw string) string {
	lines := strings.Split(raw, "\n")
	var (
		out       []string
		skipDepth = 0 // 0 means not skipping
		inFence   = false
	)

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			if skipDepth == 0 {
				out = append(out, line)
			}
			continue
		}
		if inFence {
			if skipDepth == 0 {
				out = append(out, line)
			}
			continue
		}

		if m := headingRe.FindStringSubmatch(trimmed); m != nil {
			depth := len(m[1])
			if skipDepth > 0 && depth <= skipDepth {
				skipDepth = 0
			}
			if skipDepth == 0 && boilerplateHeadings[normalizeHeading(m[2])] {
				skipDepth = depth
				continue
			}
		}

		if skipDepth == 0 {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func normalizeHeading(heading string) string {
	heading = badgeImageRe.ReplaceAllString(heading, "")
	heading = trailingPunct.ReplaceAllString(heading, "")
	heading = strings.Trim(heading, "#*_` ")
	return strings.ToLower(strings.TrimSpace(heading))
}

// stripMarkup removes badges, images, html tags, code fences, and heading
// markers while keeping link text.
func stripMarkup(text string) string {
	text = badgeImageRe.ReplaceAllString(text, "")
	text = htmlTagRe.ReplaceAllString(text, "")

	var (
		out     []string
		inFence = false
	)
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		line = strings.TrimLeft(line, "# ")
		out = append(out, line)
	}
	text = strings.Join(out, "\n")

	// [text](url) -> text
	text = linkRe.ReplaceAllString(text, "$1")
	return text
}

var linkRe = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max]))
}
