package answer

// SourceGroup collects a result's citations for one source, in the
// order they were cited.
type SourceGroup struct {
	SourceID  string     `json:"source_id"`
	Citations []Citation `json:"citations"`
}

// GroupBySource buckets citations by source, preserving both the order
// in which sources first appear and the citation order within each.
func GroupBySource(citations []Citation) []SourceGroup {
	index := map[string]int{}
	var groups []SourceGroup
	for _, c := range citations {
		i, ok := index[c.SourceID]
		if !ok {
			i = len(groups)
			index[c.SourceID] = i
			groups = append(groups, SourceGroup{SourceID: c.SourceID})
		}
		groups[i].Citations = append(groups[i].Citations, c)
	}
	return groups
}
