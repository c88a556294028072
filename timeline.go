package fablink

import "time"

// ============================================================================
// Timeline projection
// ============================================================================

// TimelineSection is a date band of consecutive messages, labelled "Today",
// "Yesterday", or a calendar date. A pure derived view: it carries no state
// of its own and is recomputed from the message sequence on demand.
type TimelineSection struct {
	Label    string
	Date     time.Time
	Messages []Message
}

// BuildTimeline groups an ordered message sequence into date bands relative
// to now. Messages keep their order; only the banding is derived.
func BuildTimeline(msgs []Message, now time.Time) []TimelineSection {
	var sections []TimelineSection
	for _, m := range msgs {
		day := m.CreatedAt.In(now.Location())
		day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, now.Location())

		if n := len(sections); n > 0 && sections[n-1].Date.Equal(day) {
			sections[n-1].Messages = append(sections[n-1].Messages, m)
			continue
		}
		sections = append(sections, TimelineSection{
			Label:    dateLabel(day, now),
			Date:     day,
			Messages: []Message{m},
		})
	}
	return sections
}

func dateLabel(day, now time.Time) string {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch {
	case day.Equal(today):
		return "Today"
	case day.Equal(today.AddDate(0, 0, -1)):
		return "Yesterday"
	default:
		return day.Format("January 2, 2006")
	}
}
