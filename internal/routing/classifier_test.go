package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Jasonzhangf/route-claudecode-sub016/internal/canonical"
)

func newTestClassifier() *Classifier {
	c := NewClassifier(100, nil)
	// Deterministic counter: one token per character.
	c.countTokens = func(text string) int { return len(text) }
	return c
}

func textRequest(text string, stream bool) *canonical.Request {
	return &canonical.Request{
		Model:    "claude-3-5-sonnet",
		Messages: []canonical.Message{canonical.TextMessage(canonical.RoleUser, text)},
		Stream:   stream,
	}
}

func TestClassify_ExplicitCategoryWins(t *testing.T) {
	c := newTestClassifier()

	req := textRequest("search the web for the latest news", true)
	req.Metadata.Category = CategoryBackground

	assert.Equal(t, CategoryBackground, c.Classify(req))
}

func TestClassify_ToolsForceDefault(t *testing.T) {
	c := newTestClassifier()

	// Long text plus tools: the tool check sits above the length check.
	req := textRequest(string(make([]byte, 500)), true)
	req.Tools = []canonical.Tool{{Name: "get_weather"}}

	assert.Equal(t, CategoryDefault, c.Classify(req))
}

func TestClassify_LongContext(t *testing.T) {
	c := newTestClassifier()

	long := make([]rune, 200)
	for i := range long {
		long[i] = 'a'
	}
	req := textRequest(string(long), true)

	assert.Equal(t, CategoryLongContext, c.Classify(req))
}

func TestClassify_SystemCountsTowardLength(t *testing.T) {
	c := newTestClassifier()

	long := make([]rune, 200)
	for i := range long {
		long[i] = 'a'
	}
	req := textRequest("hi", true)
	req.System = string(long)

	assert.Equal(t, CategoryLongContext, c.Classify(req))
}

func TestClassify_SearchKeywords(t *testing.T) {
	c := newTestClassifier()

	req := textRequest("please Google the current weather in Berlin", true)
	assert.Equal(t, CategorySearch, c.Classify(req))
}

func TestClassify_BackgroundWhenNotStreaming(t *testing.T) {
	c := newTestClassifier()

	req := textRequest("summarize this paragraph", false)
	assert.Equal(t, CategoryBackground, c.Classify(req))
}

func TestClassify_ThinkingFallthrough(t *testing.T) {
	c := newTestClassifier()

	req := textRequest("walk me through this proof", true)
	assert.Equal(t, CategoryThinking, c.Classify(req))
}
