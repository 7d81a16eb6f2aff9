package ingestion

import (
	"sort"
	"strings"
	"unicode"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/knowledge-engine/backend/pkg/logger"
	"github.com/knowledge-engine/backend/pkg/utils"
)

// topicSampleChars caps how much text is tagged; the head of a document
// carries its subject.
const topicSampleChars = 5000

// ExtractTopics labels text with up to limit topics: named entities first,
// then the most frequent proper and common nouns.
func ExtractTopics(text string, limit int) []string {
	doc, err := prose.NewDocument(
		utils.TruncateRunes(text, topicSampleChars),
		prose.WithSegmentation(false),
	)
	if err != nil {
		logger.Warn("Topic extraction failed", zap.Error(err))
		return nil
	}

	seen := make(map[string]bool)
	var topics []string
	add := func(t string) bool {
		key := strings.ToLower(t)
		if seen[key] {
			return false
		}
		seen[key] = true
		topics = append(topics, t)
		return len(topics) >= limit
	}

	for _, ent := range doc.Entities() {
		if isTopic(ent.Text) && add(strings.TrimSpace(ent.Text)) {
			return topics
		}
	}

	counts := make(map[string]int)
	first := make(map[string]int)
	for i, tok := range doc.Tokens() {
		if !strings.HasPrefix(tok.Tag, "NN") || !isTopic(tok.Text) {
			continue
		}
		key := strings.ToLower(tok.Text)
		if _, ok := first[key]; !ok {
			first[key] = i
		}
		counts[key]++
	}

	nouns := make([]string, 0, len(counts))
	for k := range counts {
		nouns = append(nouns, k)
	}
	sort.Slice(nouns, func(a, b int) bool {
		if counts[nouns[a]] != counts[nouns[b]] {
			return counts[nouns[a]] > counts[nouns[b]]
		}
		return first[nouns[a]] < first[nouns[b]]
	})

	for _, n := range nouns {
		if counts[n] < 2 {
			break
		}
		if add(n) {
			break
		}
	}
	return topics
}

func isTopic(s string) bool {
	s = strings.TrimSpace(s)
	if len([]rune(s)) < 3 {
		return false
	}
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
