package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateHousehold creates a new household.
func (db *DB) CreateHousehold(name string) (*Household, error) {
	household := &Household{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}

	query := `INSERT INTO households (id, name, created_at) VALUES (?, ?, ?)`
	if _, err := db.conn.Exec(query, household.ID, household.Name, household.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to create household: %w", err)
	}

	return household, nil
}

// GetHousehold returns a household by ID.
func (db *DB) GetHousehold(id string) (*Household, error) {
	query := `SELECT id, name, created_at FROM households WHERE id = ?`

	household := &Household{}
	err := db.conn.QueryRow(query, id).Scan(&household.ID, &household.Name, &household.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get household: %w", err)
	}

	return household, nil
}

// CreateUser adds a member to a household.
func (db *DB) CreateUser(householdID, email, name string) (*User, error) {
	now := time.Now().UTC()
	user := &User{
		ID:          uuid.New().String(),
		HouseholdID: householdID,
		Email:       email,
		Name:        name,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	query := `INSERT INTO users (id, household_id, email, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := db.conn.Exec(query, user.ID, user.HouseholdID, user.Email, user.Name, user.CreatedAt, user.UpdatedAt)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: user %s", ErrDuplicate, email)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

// GetOrCreateUser returns an existing user by email or creates a new one
// together with a fresh household.
func (db *DB) GetOrCreateUser(email, name string) (*User, error) {
	user, err := db.GetUserByEmail(email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	householdName := name
	if householdName == "" {
		householdName = email
	}
	household, err := db.CreateHousehold(householdName + "'s household")
	if err != nil {
		return nil, err
	}

	return db.CreateUser(household.ID, email, name)
}

const userColumns = `id, household_id, email, name, created_at, updated_at`

func scanUser(scanner rowScanner) (*User, error) {
	user := &User{}
	err := scanner.Scan(&user.ID, &user.HouseholdID, &user.Email, &user.Name, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return user, nil
}

// GetUserByEmail returns a user by their email address, ignoring case.
func (db *DB) GetUserByEmail(email string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE lower(email) = ?`
	return scanUser(db.conn.QueryRow(query, strings.ToLower(email)))
}

// GetUserByID returns a user by their ID.
func (db *DB) GetUserByID(id string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ?`
	return scanUser(db.conn.QueryRow(query, id))
}

// GetHouseholdMembers returns every user in a household.
func (db *DB) GetHouseholdMembers(householdID string) ([]*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE household_id = ? ORDER BY name`

	rows, err := db.conn.Query(query, householdID)
	if err != nil {
		return nil, fmt.Errorf("failed to query household members: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating household members: %w", err)
	}

	return users, nil
}
