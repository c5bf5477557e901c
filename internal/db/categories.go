package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const categoryColumns = `id, household_id, owner_id, name, color, visibility, caldav_connection_id, source, created_at, updated_at`

func scanCategory(scanner rowScanner) (*Category, error) {
	category := &Category{}
	var connectionID sql.NullString

	err := scanner.Scan(
		&category.ID, &category.HouseholdID, &category.OwnerID, &category.Name, &category.Color,
		&category.Visibility, &connectionID, &category.Source, &category.CreatedAt, &category.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan category: %w", err)
	}

	category.CalDAVConnectionID = connectionID.String
	return category, nil
}

// CreateCategory inserts a category. Names are unique per household.
func (db *DB) CreateCategory(category *Category) error {
	if category.ID == "" {
		category.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	category.CreatedAt = now
	category.UpdatedAt = now
	if category.Visibility == "" {
		category.Visibility = VisibilityHousehold
	}
	if category.Source == "" {
		category.Source = CategorySourceManual
	}

	query := `INSERT INTO categories (` + categoryColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.conn.Exec(query,
		category.ID, category.HouseholdID, category.OwnerID, category.Name, category.Color,
		category.Visibility, nullString(category.CalDAVConnectionID), category.Source,
		category.CreatedAt, category.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: category %q", ErrDuplicate, category.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to create category: %w", err)
	}

	return nil
}

// GetCategoryByID returns a category by ID.
func (db *DB) GetCategoryByID(id string) (*Category, error) {
	query := `SELECT ` + categoryColumns + ` FROM categories WHERE id = ?`
	return scanCategory(db.conn.QueryRow(query, id))
}

// GetCategoryByName returns the household's category with the given name.
func (db *DB) GetCategoryByName(householdID, name string) (*Category, error) {
	query := `SELECT ` + categoryColumns + ` FROM categories WHERE household_id = ? AND name = ?`
	return scanCategory(db.conn.QueryRow(query, householdID, name))
}

// GetCategoriesByConnection returns the categories bound to a connection.
func (db *DB) GetCategoriesByConnection(connectionID string) ([]*Category, error) {
	query := `SELECT ` + categoryColumns + ` FROM categories WHERE caldav_connection_id = ? ORDER BY name`

	rows, err := db.conn.Query(query, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	defer rows.Close()

	var categories []*Category
	for rows.Next() {
		category, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		categories = append(categories, category)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating categories: %w", err)
	}

	return categories, nil
}

// SetCategoryConnection binds a category to a CalDAV connection.
func (db *DB) SetCategoryConnection(categoryID, connectionID string) error {
	query := `UPDATE categories SET caldav_connection_id = ?, updated_at = ? WHERE id = ?`

	result, err := db.conn.Exec(query, nullString(connectionID), time.Now().UTC(), categoryID)
	if err != nil {
		return fmt.Errorf("failed to set category connection: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// CountCalDAVCategories counts the household's sync-created categories.
func (db *DB) CountCalDAVCategories(householdID string) (int, error) {
	query := `SELECT COUNT(*) FROM categories WHERE household_id = ? AND source = ?`

	var count int
	if err := db.conn.QueryRow(query, householdID, CategorySourceCalDAV).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count categories: %w", err)
	}

	return count, nil
}
