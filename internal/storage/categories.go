package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Category struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Color     int64     `json:"color"`
	Type      string    `json:"type"`
}

// CreateCategory inserts c. Names are unique; a collision fails with
// ErrDuplicate.
func (s *SQLiteStore) CreateCategory(ctx context.Context, c Category) (Category, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return Category{}, &PersistenceError{Op: "create category", Err: errors.New("name is required")}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO categories(name, created_at, color, type) VALUES(?, ?, ?, ?)`,
		c.Name, formatTime(c.CreatedAt), c.Color, c.Type,
	)
	if err != nil {
		return Category{}, persistErr(fmt.Sprintf("create category %q", c.Name), err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Category{}, persistErr("create category last insert id", err)
	}
	c.ID = id
	return c, nil
}

func (s *SQLiteStore) RenameCategory(ctx context.Context, id int64, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return &PersistenceError{Op: fmt.Sprintf("rename category %d", id), Err: errors.New("name is required")}
	}

	res, err := s.db.ExecContext(ctx, `UPDATE categories SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return persistErr(fmt.Sprintf("rename category %d", id), err)
	}
	return requireRow(res, fmt.Sprintf("rename category %d", id))
}

// DeleteCategory removes the category; recordings in it become uncategorized.
func (s *SQLiteStore) DeleteCategory(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM categories WHERE id = ?`, id)
	if err != nil {
		return persistErr(fmt.Sprintf("delete category %d", id), err)
	}
	return requireRow(res, fmt.Sprintf("delete category %d", id))
}

func (s *SQLiteStore) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at, color, type FROM categories ORDER BY name ASC`)
	if err != nil {
		return nil, persistErr("list categories", err)
	}
	defer func() { _ = rows.Close() }()

	categories := make([]Category, 0, 8)
	for rows.Next() {
		var c Category
		var createdAt string
		if err := rows.Scan(&c.ID, &c.Name, &createdAt, &c.Color, &c.Type); err != nil {
			return nil, persistErr("scan category", err)
		}
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, persistErr("parse category created_at", err)
		}
		categories = append(categories, c)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("iterate category rows", err)
	}
	return categories, nil
}
