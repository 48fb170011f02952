package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// ItemRepository handles database operations for items
type ItemRepository struct {
	db *DB
}

// NewItemRepository creates a new item repository
func NewItemRepository(db *DB) *ItemRepository {
	return &ItemRepository{db: db}
}

type itemRow struct {
	SourceID    string         `db:"source_id"`
	NaturalKey  string         `db:"natural_key"`
	Title       string         `db:"title"`
	URL         string         `db:"url"`
	PublishedAt sql.NullString `db:"published_at"`
	FetchedAt   string         `db:"fetched_at"`
	RawExtra    string         `db:"raw_extra"`
}

func (row itemRow) toItem() (Item, error) {
	item := Item{
		SourceID:   row.SourceID,
		NaturalKey: row.NaturalKey,
		Title:      row.Title,
		URL:        row.URL,
	}

	published, err := parseNullTime(row.PublishedAt)
	if err != nil {
		return Item{}, err
	}
	item.PublishedAt = published

	fetched, err := parseTime(row.FetchedAt)
	if err != nil {
		return Item{}, err
	}
	item.FetchedAt = fetched

	if row.RawExtra != "" && row.RawExtra != "{}" {
		if err := json.Unmarshal([]byte(row.RawExtra), &item.RawExtra); err != nil {
			return Item{}, fmt.Errorf("failed to decode raw_extra: %w", err)
		}
	}
	return item, nil
}

// PutIfAbsent inserts item unless (source_id, natural_key) is already stored.
// The check and the insert are one statement, so concurrent callers racing on
// the same key see exactly one Inserted.
func (r *ItemRepository) PutIfAbsent(ctx context.Context, item Item) (PutResult, error) {
	extra := "{}"
	if len(item.RawExtra) > 0 {
		data, err := json.Marshal(item.RawExtra)
		if err != nil {
			return AlreadyExists, fmt.Errorf("failed to encode raw_extra: %w", err)
		}
		extra = string(data)
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO items (source_id, natural_key, title, url, published_at, fetched_at, raw_extra)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_id, natural_key) DO NOTHING
	`, item.SourceID, item.NaturalKey, item.Title, item.URL,
		formatNullTime(item.PublishedAt), formatTime(item.FetchedAt), extra)
	if err != nil {
		return AlreadyExists, fmt.Errorf("failed to store item: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return AlreadyExists, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return AlreadyExists, nil
	}
	return Inserted, nil
}

func (r *ItemRepository) Exists(ctx context.Context, sourceID, naturalKey string) (bool, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(1) FROM items WHERE source_id = ? AND natural_key = ?`, sourceID, naturalKey)
	if err != nil {
		return false, fmt.Errorf("failed to check item: %w", err)
	}
	return n > 0, nil
}

// Query returns one page of items, newest first. Undated items sort after
// dated ones unless filter.UndatedFirst is set; ties fall back to fetched_at
// descending and then natural_key ascending.
func (r *ItemRepository) Query(ctx context.Context, filter ItemFilter) (*ItemPage, error) {
	var where []string
	var args []any

	if len(filter.SourceIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.SourceIDs)), ",")
		where = append(where, "source_id IN ("+placeholders+")")
		for _, id := range filter.SourceIDs {
			args = append(args, id)
		}
	}
	if filter.From != nil {
		where = append(where, "published_at >= ?")
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "published_at <= ?")
		args = append(args, formatTime(*filter.To))
	}
	if filter.MissingTitle {
		where = append(where, "title = ''")
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(1) FROM items"+clause, args...); err != nil {
		return nil, fmt.Errorf("failed to count items: %w", err)
	}

	nulls := "published_at IS NULL"
	if filter.UndatedFirst {
		nulls = "published_at IS NOT NULL"
	}

	offset := max(filter.Offset, 0)
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}

	query := `SELECT source_id, natural_key, title, url, published_at, fetched_at, raw_extra FROM items` +
		clause +
		` ORDER BY ` + nulls + `, published_at DESC, fetched_at DESC, natural_key ASC LIMIT ? OFFSET ?`

	var rows []itemRow
	if err := r.db.SelectContext(ctx, &rows, query, append(args, limit, offset)...); err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}

	items := make([]Item, 0, len(rows))
	for _, row := range rows {
		item, err := row.toItem()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	return &ItemPage{Items: items, Total: total, Offset: offset, Limit: filter.Limit}, nil
}

// CountBySource returns the number of stored items per source id.
func (r *ItemRepository) CountBySource(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		SourceID string `db:"source_id"`
		Count    int    `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT source_id, COUNT(1) AS n FROM items GROUP BY source_id`); err != nil {
		return nil, fmt.Errorf("failed to count items: %w", err)
	}

	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.SourceID] = row.Count
	}
	return counts, nil
}
