package registry

import (
	"time"

	"driftcast-live/internal/models"
)

// series is a bounded FIFO of raw counter captures. Once the cap is reached,
// the oldest point is dropped for each new sample. No smoothing or
// down-sampling: a bursty series self-truncates its effective time span.
type series struct {
	limit  int
	values []models.HistoryPoint
}

func newSeries(limit int) series {
	return series{limit: limit}
}

func (s *series) sample(now time.Time, count int) {
	s.values = append(s.values, models.HistoryPoint{Timestamp: now, Count: count})
	if over := len(s.values) - s.limit; over > 0 {
		s.values = append(s.values[:0], s.values[over:]...)
	}
}

func (s *series) points() []models.HistoryPoint {
	return append([]models.HistoryPoint(nil), s.values...)
}
