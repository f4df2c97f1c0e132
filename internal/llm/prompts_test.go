package llm

import (
	"strings"
	"testing"
)

func TestTranslateBlockPrompt(t *testing.T) {
	prompt := TranslateBlockPrompt("The Long Road", "French")
	if !strings.Contains(prompt, "<book_title>The Long Road</book_title>") {
		t.Errorf("missing book title tag:\n%s", prompt)
	}
	if !strings.Contains(prompt, "<target_language>French</target_language>") {
		t.Errorf("missing target language tag:\n%s", prompt)
	}
}

func TestTranslateBlockPrompt_EmptyTitle(t *testing.T) {
	prompt := TranslateBlockPrompt("", "French")
	if strings.Contains(prompt, "<book_title>") {
		t.Errorf("unexpected book title tag for empty title:\n%s", prompt)
	}
}

func TestSummarizeChapterPrompt(t *testing.T) {
	prompt := SummarizeChapterPrompt("The Long Road", "English")
	if !strings.Contains(prompt, "<target_language>English</target_language>") {
		t.Errorf("missing target language tag:\n%s", prompt)
	}
	if !strings.Contains(prompt, "key points") {
		t.Errorf("missing instructions:\n%s", prompt)
	}
}
