package verify

import "strings"

// rewritePrefix opens every contradiction-aware rewrite.
const rewritePrefix = "Contradictions detected in the source material."

// RewriteAnswer restructures an answer whose verification found
// contradictions. The rewrite opens with a fixed notice and groups the
// claims into Supported, Conflicts, and Unsupported sections; empty
// sections are omitted. Conflicting claims carry their contradicting
// evidence snippet so the reader can see both sides.
func RewriteAnswer(claims []Claim) string {
	var supported, conflicts, unsupported []string
	for _, c := range claims {
		switch c.Verdict {
		case VerdictSupports, VerdictWeakSupport:
			supported = append(supported, "- "+c.Text)
		case VerdictContradicted, VerdictConflicting:
			line := "- " + c.Text
			if snippet := contradictingSnippet(c); snippet != "" {
				line += " (sources say: " + snippet + ")"
			}
			conflicts = append(conflicts, line)
		default:
			unsupported = append(unsupported, "- "+c.Text)
		}
	}

	var b strings.Builder
	b.WriteString(rewritePrefix)
	b.WriteString("\n")
	writeSection(&b, "Supported:", supported)
	writeSection(&b, "Conflicts:", conflicts)
	writeSection(&b, "Unsupported:", unsupported)
	return strings.TrimRight(b.String(), "\n")
}

func writeSection(b *strings.Builder, label string, lines []string) {
	if len(lines) == 0 {
		return
	}
	b.WriteString("\n")
	b.WriteString(label)
	b.WriteString("\n")
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\n")
	}
}

// contradictingSnippet returns the snippet of the claim's first
// contradicting evidence, truncated for display.
func contradictingSnippet(c Claim) string {
	for _, ev := range c.Evidence {
		if ev.Relation != "contradicts" || ev.Snippet == "" {
			continue
		}
		snippet := ev.Snippet
		if len(snippet) > 160 {
			snippet = strings.TrimSpace(snippet[:160]) + "..."
		}
		return snippet
	}
	return ""
}
