package store

import (
	"context"
	"strings"

	"github.com/theirongolddev/cdispatch/internal/apperr"
	"github.com/theirongolddev/cdispatch/internal/model"
)

func aggregateWhere(f model.AggregateFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.WorkspacePath != "" {
		where = append(where, "s.workspace_path = ?")
		args = append(args, f.WorkspacePath)
	}
	if f.Provider != "" {
		where = append(where, "s.provider = ?")
		args = append(args, f.Provider)
	}
	if !f.FromDate.IsZero() {
		where = append(where, "s.created_at >= ?")
		args = append(args, formatTime(f.FromDate))
	}
	if !f.ToDate.IsZero() {
		where = append(where, "s.created_at <= ?")
		args = append(args, formatTime(f.ToDate))
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

// GetAggregatedStats sums stats across the sessions matching f. Sessions
// without a stats row still count toward the session totals.
func (s *Store) GetAggregatedStats(ctx context.Context, f model.AggregateFilter) (model.AggregatedStats, error) {
	where, args := aggregateWhere(f)

	var agg model.AggregatedStats
	err := s.db.QueryRowContext(ctx, `SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN s.status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN s.status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(st.tokens_in), 0),
			COALESCE(SUM(st.tokens_out), 0),
			COALESCE(SUM(st.cost_estimate), 0.0),
			COALESCE(SUM(st.files_changed), 0),
			COALESCE(SUM(st.lines_added), 0),
			COALESCE(SUM(st.lines_removed), 0),
			COALESCE(SUM(st.duration_seconds), 0.0)
		FROM sessions s
		LEFT JOIN session_stats st ON st.session_id = s.id`+where, args...).Scan(
		&agg.TotalSessions, &agg.CompletedSessions, &agg.FailedSessions,
		&agg.TokensIn, &agg.TokensOut, &agg.TotalCost,
		&agg.FilesChanged, &agg.LinesAdded, &agg.LinesRemoved, &agg.DurationSeconds,
	)
	if err != nil {
		return model.AggregatedStats{}, apperr.Persistence("aggregate stats", err)
	}

	byProvider, err := s.providerBreakdown(ctx, where, args)
	if err != nil {
		return model.AggregatedStats{}, err
	}
	for i := range byProvider {
		if agg.TotalSessions > 0 {
			byProvider[i].SharePercent = float64(byProvider[i].Sessions) / float64(agg.TotalSessions) * 100
		}
	}
	agg.ByProvider = byProvider
	return agg, nil
}

func (s *Store) providerBreakdown(ctx context.Context, where string, args []any) ([]model.ProviderStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
			s.provider,
			COUNT(*),
			COALESCE(SUM(CASE WHEN s.status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(st.tokens_in), 0),
			COALESCE(SUM(st.tokens_out), 0),
			COALESCE(SUM(st.cost_estimate), 0.0) AS cost
		FROM sessions s
		LEFT JOIN session_stats st ON st.session_id = s.id`+where+`
		GROUP BY s.provider
		ORDER BY cost DESC, s.provider ASC`, args...)
	if err != nil {
		return nil, apperr.Persistence("aggregate stats", err)
	}
	defer func() { _ = rows.Close() }()

	out := []model.ProviderStats{}
	for rows.Next() {
		var ps model.ProviderStats
		if err := rows.Scan(&ps.Provider, &ps.Sessions, &ps.Completed,
			&ps.TokensIn, &ps.TokensOut, &ps.Cost); err != nil {
			return nil, apperr.Persistence("aggregate stats", err)
		}
		out = append(out, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("aggregate stats", err)
	}
	return out, nil
}
