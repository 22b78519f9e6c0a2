package search

import (
	"context"

	"github.com/rs/zerolog"
)

// Service tries Meilisearch first and falls back to Postgres FTS.
type Service struct {
	meili  *Meili
	pgfts  *PgFTS
	logger zerolog.Logger
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS, logger zerolog.Logger) *Service {
	return &Service{meili: meili, pgfts: pgfts, logger: logger}
}

func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn().Err(err).Msg("search: meilisearch error, falling back to pgfts")
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		s.logger.Error().Err(err).Msg("search: pgfts error")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexIdea pushes one idea into Meilisearch, fire-and-forget.
func (s *Service) IndexIdea(record IdeaRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexIdea(record); err != nil {
			s.logger.Warn().Err(err).Str("idea_id", record.ID).Msg("search: index idea")
		}
	}()
}

// DeleteIdea removes one idea from Meilisearch, fire-and-forget.
func (s *Service) DeleteIdea(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteIdea(id); err != nil {
			s.logger.Warn().Err(err).Str("idea_id", id).Msg("search: delete idea")
		}
	}()
}

// ReindexAllFromPG reloads every idea from Postgres into Meilisearch.
// Called at bootstrap so the index survives a wiped Meilisearch volume.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("search: reindex load failed")
		return
	}
	if err := s.meili.IndexIdeas(records); err != nil {
		s.logger.Error().Err(err).Msg("search: reindex failed")
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
