package routing

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/Jasonzhangf/route-claudecode-sub016/internal/canonical"
)

// Routing categories.
const (
	CategoryDefault     = "default"
	CategoryThinking    = "thinking"
	CategoryLongContext = "longcontext"
	CategoryBackground  = "background"
	CategorySearch      = "search"
)

const DefaultLongContextThreshold = 60000

var defaultSearchKeywords = []string{
	"search",
	"look up",
	"google",
	"latest news",
	"current weather",
	"web result",
}

// Classifier buckets a request into a routing category. The precedence is a
// deliberate ordered fallback chain: explicit category, then tool presence,
// then aggregate length, then search keywords, then the background check,
// then thinking.
type Classifier struct {
	longContextThreshold int
	searchKeywords       []string
	countTokens          func(string) int
}

func NewClassifier(longContextThreshold int, searchKeywords []string) *Classifier {
	if longContextThreshold <= 0 {
		longContextThreshold = DefaultLongContextThreshold
	}
	if len(searchKeywords) == 0 {
		searchKeywords = defaultSearchKeywords
	}
	return &Classifier{
		longContextThreshold: longContextThreshold,
		searchKeywords:       searchKeywords,
		countTokens:          tiktokenCounter(),
	}
}

// tiktokenCounter returns a cl100k_base token counter, falling back to a
// bytes/4 estimate when the encoding is unavailable.
func tiktokenCounter() func(string) int {
	tke, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return func(text string) int { return len(text) / 4 }
	}
	return func(text string) int { return len(tke.Encode(text, nil, nil)) }
}

// Classify returns the request's routing category.
func (c *Classifier) Classify(req *canonical.Request) string {
	if req.Metadata.Category != "" {
		return req.Metadata.Category
	}

	if len(req.Tools) > 0 {
		return CategoryDefault
	}

	if c.countTokens(aggregateText(req)) > c.longContextThreshold {
		return CategoryLongContext
	}

	lowered := strings.ToLower(aggregateText(req))
	for _, kw := range c.searchKeywords {
		if strings.Contains(lowered, kw) {
			return CategorySearch
		}
	}

	if !req.Stream && len(req.Tools) == 0 {
		return CategoryBackground
	}

	return CategoryThinking
}

func aggregateText(req *canonical.Request) string {
	var sb strings.Builder
	sb.WriteString(req.System)
	for _, msg := range req.Messages {
		sb.WriteString(msg.Text())
	}
	return sb.String()
}
