package stages

import (
	"context"
	"errors"

	"github.com/lernfeed/lernfeed/internal/batch"
	"github.com/lernfeed/lernfeed/internal/pipeline"
	"github.com/lernfeed/lernfeed/internal/telemetry"
)

// articleItems maps store candidates onto engine items, partitioned by
// publisher domain.
func articleItems(articles []pipeline.Article) []batch.Item {
	items := make([]batch.Item, 0, len(articles))
	for _, article := range articles {
		items = append(items, batch.Item{
			ID:        article.ID.String(),
			Partition: article.Domain,
			Payload:   article,
		})
	}
	return items
}

// insertTolerant runs an insert and tolerates a lost duplicate race: the row
// the other writer inserted is just as final.
func insertTolerant(ctx context.Context, stage string, insert func(context.Context) error) error {
	err := insert(ctx)
	if errors.Is(err, pipeline.ErrDuplicate) {
		telemetry.IncSinkDuplicate(stage)
		return nil
	}
	return err
}
