package ai

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanTitle(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{raw: "Go Generics", want: "Go Generics"},
		{raw: "  \"Rust Lifetimes\"\n", want: "Rust Lifetimes"},
		{raw: "**Pasta Recipe**", want: "Pasta Recipe"},
		{raw: "# Travel Plans.", want: "Travel Plans"},
		{raw: "`kubectl` help", want: "kubectl help"},
		{raw: "", want: ""},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, CleanTitle(test.raw), test.raw)
	}
}

func TestCleanTitleBoundsLength(t *testing.T) {
	got := CleanTitle(strings.Repeat("word ", 40))
	assert.LessOrEqual(t, len([]rune(got)), maxTitleRunes)
}
