// Package markdown extracts and renders the structured sections of an
// assistant answer: summary, results table and business insights.
package markdown

import (
	"regexp"
	"strings"
)

// Section headings recognized in assistant answers.
const (
	HeadingSummary  = "Summary"
	HeadingResults  = "Results"
	HeadingInsights = "Business Insights"
)

var (
	headingPattern    = regexp.MustCompile(`^#{1,6}\s+(.+?)\s*$`)
	structuredHeading = regexp.MustCompile(`(?i)###\s+(Summary|Results|Business Insights)`)
)

// Sections holds the structured parts of an answer. Empty fields were not
// present or had no content.
type Sections struct {
	Summary          string
	ResultsMarkdown  string
	BusinessInsights string
}

// IsEmpty reports whether no section was found.
func (s Sections) IsEmpty() bool {
	return s.Summary == "" && s.ResultsMarkdown == "" && s.BusinessInsights == ""
}

type section int

const (
	sectionNone section = iota
	sectionSummary
	sectionResults
	sectionInsights
)

// Extract splits markdown into its summary, results and business insights
// sections. Headings may be markdown headings of any level or a bare line
// with the section name, matched case-insensitively. Text before the first
// recognized heading is dropped; other headings stay in the active section.
func Extract(md string) Sections {
	if strings.TrimSpace(md) == "" {
		return Sections{}
	}

	var buckets [4][]string
	current := sectionNone

	for _, line := range strings.Split(md, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if current != sectionNone {
				buckets[current] = append(buckets[current], "")
			}
			continue
		}

		if s := sectionFor(trimmed); s != sectionNone {
			current = s
			continue
		}
		if current != sectionNone {
			buckets[current] = append(buckets[current], line)
		}
	}

	join := func(s section) string {
		return strings.TrimSpace(strings.Join(buckets[s], "\n"))
	}
	return Sections{
		Summary:          join(sectionSummary),
		ResultsMarkdown:  join(sectionResults),
		BusinessInsights: join(sectionInsights),
	}
}

func sectionFor(line string) section {
	name := line
	if m := headingPattern.FindStringSubmatch(line); m != nil {
		name = m[1]
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "summary":
		return sectionSummary
	case "results":
		return sectionResults
	case "business insights":
		return sectionInsights
	}
	return sectionNone
}

// HasStructuredHeadings reports whether text contains an explicit level-three
// summary, results or business insights heading.
func HasStructuredHeadings(text string) bool {
	return structuredHeading.MatchString(text)
}
