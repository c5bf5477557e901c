package calsync

import (
	"errors"
	"fmt"

	"github.com/antedwards/home-dashboard/internal/db"
)

// categoryPalette is cycled through for CalDAV categories created without
// a calendar color.
var categoryPalette = []string{
	"#3B82F6",
	"#10B981",
	"#F59E0B",
	"#EF4444",
	"#8B5CF6",
	"#EC4899",
	"#14B8A6",
	"#F97316",
}

// CategoryMapper maps remote calendar names to local categories.
type CategoryMapper struct {
	db *db.DB
}

// NewCategoryMapper creates a category mapper.
func NewCategoryMapper(database *db.DB) *CategoryMapper {
	return &CategoryMapper{db: database}
}

// FindOrCreate returns the household category named calendarName, creating
// a CalDAV-sourced one when none exists. An existing category that is not
// yet bound to a connection is bound to connectionID.
//
// Without a color, the palette entry is chosen by how many CalDAV
// categories the household already has, so assignment survives restarts.
func (m *CategoryMapper) FindOrCreate(householdID, ownerID, calendarName, connectionID, color string) (string, error) {
	category, err := m.db.GetCategoryByName(householdID, calendarName)
	if err == nil {
		if category.CalDAVConnectionID == "" && connectionID != "" {
			if err := m.db.SetCategoryConnection(category.ID, connectionID); err != nil {
				return "", fmt.Errorf("failed to bind category %q: %w", calendarName, err)
			}
		}
		return category.ID, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return "", err
	}

	if color == "" {
		count, err := m.db.CountCalDAVCategories(householdID)
		if err != nil {
			return "", err
		}
		color = categoryPalette[count%len(categoryPalette)]
	}

	category = &db.Category{
		HouseholdID:        householdID,
		OwnerID:            ownerID,
		Name:               calendarName,
		Color:              color,
		Visibility:         db.VisibilityHousehold,
		CalDAVConnectionID: connectionID,
		Source:             db.CategorySourceCalDAV,
	}
	if err := m.db.CreateCategory(category); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			existing, getErr := m.db.GetCategoryByName(householdID, calendarName)
			if getErr != nil {
				return "", getErr
			}
			return existing.ID, nil
		}
		return "", err
	}

	return category.ID, nil
}
