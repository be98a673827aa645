package warehouse

import (
	"strings"

	"githarvest/internal/etl/domain"
)

const eventColumns = "event_id, event_type, repo_id, repo_name, actor_id, actor_login, created_at, payload"

// buildQuery renders the window read as SQL with ? placeholders. The window
// is half-open and the ordering makes repeated reads deterministic
func buildQuery(table string, w domain.TimeWindow, f domain.Filters) (string, []any) {
	var b strings.Builder
	args := make([]any, 0, 4+len(f.EventTypes))

	b.WriteString("SELECT ")
	b.WriteString(eventColumns)
	b.WriteString(" FROM ")
	b.WriteString(table)
	b.WriteString(" WHERE created_at >= ? AND created_at < ?")
	args = append(args, w.Start.UTC(), w.End.UTC())

	if len(f.EventTypes) > 0 {
		b.WriteString(" AND event_type IN (")
		for i, et := range f.EventTypes {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, et)
		}
		b.WriteString(")")
	}
	if f.MinStars > 0 {
		b.WriteString(" AND repo_stars >= ?")
		args = append(args, f.MinStars)
	}
	if f.MinForks > 0 {
		b.WriteString(" AND repo_forks >= ?")
		args = append(args, f.MinForks)
	}

	b.WriteString(" ORDER BY created_at, event_id")
	return b.String(), args
}
