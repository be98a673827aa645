package orchestrator

import (
	"githarvest/internal/etl/domain"
)

// mergeRecords joins raw events with whatever enrichment succeeded. Every
// event yields a record; a metadata map is attached only when its entity
// resolved, so degraded batches still persist their events
func mergeRecords(w domain.TimeWindow, events []domain.RawEvent, res domain.EnrichResult) []domain.Record {
	out := make([]domain.Record, 0, len(events))
	for _, ev := range events {
		rec := domain.Record{
			EventID:     ev.EventID,
			WindowStart: w.Start.UTC(),
			EventType:   ev.EventType,
			RepoID:      ev.RepoID,
			RepoName:    ev.RepoName,
			ActorID:     ev.ActorID,
			ActorLogin:  ev.ActorLogin,
			OccurredAt:  ev.OccurredAt,
		}
		if ev.RepoID != 0 {
			if ent, ok := res.Entities[domain.EntityRef{Kind: domain.KindRepo, ID: ev.RepoID}]; ok {
				rec.RepoMeta = ent.CloneMetadata()
			}
		}
		if ev.ActorID != 0 {
			if ent, ok := res.Entities[domain.EntityRef{Kind: domain.KindActor, ID: ev.ActorID}]; ok {
				rec.ActorMeta = ent.CloneMetadata()
			}
		}
		out = append(out, rec)
	}
	return out
}
