package main

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	// labelPattern matches a single anonymized answer label.
	labelPattern = regexp.MustCompile(`Response [A-Z]`)
	// numberedLabelPattern matches labels inside a numbered list entry.
	numberedLabelPattern = regexp.MustCompile(`\d+\.\s*Response [A-Z]`)
)

// AssignLabels maps the successful answers of a round to anonymized labels in
// order: the first success becomes "Response A", the second "Response B", and
// so on. Failed answers get no label. Returns the ordered label list and the
// label-to-model mapping; the mapping is generated once per turn and is the
// only place the anonymization can be undone.
func AssignLabels(answers []ModelAnswer) ([]string, map[string]string) {
	labels := make([]string, 0, len(answers))
	labelToModel := make(map[string]string, len(answers))
	for _, answer := range answers {
		if !answer.OK() {
			continue
		}
		label := "Response " + string(rune('A'+len(labels)))
		labels = append(labels, label)
		labelToModel[label] = answer.Model
	}
	return labels, labelToModel
}

// ParseRankingFromText extracts an ordered label list from a rater's
// free-form evaluation. The prompt asks for a "FINAL RANKING:" section with a
// numbered list; raters that drop the numbering or the header still parse
// through progressively looser fallbacks. Returns the labels in ranked order,
// or an empty slice when nothing matches.
func ParseRankingFromText(text string) []string {
	section := text
	if _, after, found := strings.Cut(text, "FINAL RANKING:"); found {
		section = after
	}

	if numbered := numberedLabelPattern.FindAllString(section, -1); len(numbered) > 0 {
		labels := make([]string, 0, len(numbered))
		for _, entry := range numbered {
			labels = append(labels, labelPattern.FindString(entry))
		}
		return labels
	}

	return labelPattern.FindAllString(section, -1)
}

// ValidateRanking checks a parsed ordering against the turn's label set:
// every reference must be a known label, nothing may repeat, and nothing may
// be omitted. Reports the first violation.
func ValidateRanking(parsed []string, labels []string) error {
	known := make(map[string]bool, len(labels))
	for _, label := range labels {
		known[label] = true
	}

	seen := make(map[string]bool, len(parsed))
	for _, label := range parsed {
		if !known[label] {
			return fmt.Errorf("unknown label %q", label)
		}
		if seen[label] {
			return fmt.Errorf("duplicate label %q", label)
		}
		seen[label] = true
	}

	if len(parsed) != len(labels) {
		return fmt.Errorf("ranking covers %d of %d labels", len(parsed), len(labels))
	}
	return nil
}

// AggregateRankings reduces the submissions of a turn to one standing per
// labeled model. Each position in a valid submission awards
// len(labels)-position points, so first place in a four-way round is worth 4;
// points are summed across raters. Submissions that failed or do not validate
// against the label set contribute nothing. Every labeled model appears in
// the result even when no valid submission ranked it. Ordering is by total
// score descending with ties broken by label order, which makes the result
// deterministic under any permutation of the submissions.
func AggregateRankings(submissions []RankingSubmission, labels []string, labelToModel map[string]string) []AggregateRanking {
	scores := make(map[string]int, len(labels))
	positions := make(map[string][]int, len(labels))

	for _, submission := range submissions {
		if !submission.OK() {
			continue
		}
		if ValidateRanking(submission.ParsedRanking, labels) != nil {
			continue
		}
		for i, label := range submission.ParsedRanking {
			scores[label] += len(labels) - i
			positions[label] = append(positions[label], i+1)
		}
	}

	aggregate := make([]AggregateRanking, 0, len(labels))
	for _, label := range labels {
		entry := AggregateRanking{
			Model:         labelToModel[label],
			Score:         scores[label],
			RankingsCount: len(positions[label]),
		}
		if len(positions[label]) > 0 {
			sum := 0
			for _, position := range positions[label] {
				sum += position
			}
			entry.AverageRank = float64(sum) / float64(len(positions[label]))
		}
		aggregate = append(aggregate, entry)
	}

	sort.SliceStable(aggregate, func(i, j int) bool {
		return aggregate[i].Score > aggregate[j].Score
	})
	return aggregate
}
