package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetFieldValue(t *testing.T) {
	source := map[string]any{
		"model": "claude-3",
		"config": map[string]any{
			"temperature": 0.7,
		},
		"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
			map[string]any{"role": "assistant", "content": "hello"},
		},
	}

	tests := []struct {
		path  string
		want  any
		found bool
	}{
		{"model", "claude-3", true},
		{"config.temperature", 0.7, true},
		{"messages[0].role", "user", true},
		{"messages[1].content", "hello", true},
		{"messages[2].role", nil, false},
		{"config.missing", nil, false},
		{"nope.deeper.still", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, found := GetFieldValue(source, tt.path)
			assert.Equal(t, tt.found, found)
			if tt.found {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestSetFieldValue_CreatesIntermediates(t *testing.T) {
	target := map[string]any{}

	require.NoError(t, SetFieldValue(target, "generationConfig.temperature", 0.5))

	gc, ok := target["generationConfig"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 0.5, gc["temperature"])
}

func TestSetFieldValue_ExtendsArrays(t *testing.T) {
	target := map[string]any{}

	require.NoError(t, SetFieldValue(target, "a.b[2].c", "deep"))

	arr, ok := GetFieldValue(target, "a.b")
	require.True(t, ok)
	require.Len(t, arr, 3)

	got, found := GetFieldValue(target, "a.b[2].c")
	require.True(t, found)
	assert.Equal(t, "deep", got)

	// Padding entries are empty objects, not nils.
	pad, found := GetFieldValue(target, "a.b[0]")
	require.True(t, found)
	assert.Equal(t, map[string]any{}, pad)
}

func TestSetFieldValue_OverwritesExisting(t *testing.T) {
	target := map[string]any{
		"messages": []any{map[string]any{"role": "user"}},
	}

	require.NoError(t, SetFieldValue(target, "messages[0].role", "assistant"))

	got, _ := GetFieldValue(target, "messages[0].role")
	assert.Equal(t, "assistant", got)
}

func TestSetAndGetRoundTrip(t *testing.T) {
	target := map[string]any{}

	paths := map[string]any{
		"systemInstruction.parts[0].text":       "be helpful",
		"tools[0].functionDeclarations":         []any{"a"},
		"toolConfig.functionCallingConfig.mode": "AUTO",
		"generationConfig.maxOutputTokens":      1024,
	}
	for path, value := range paths {
		require.NoError(t, SetFieldValue(target, path, value))
	}

	for path, want := range paths {
		got, found := GetFieldValue(target, path)
		require.True(t, found, path)
		assert.Equal(t, want, got, path)
	}
}
