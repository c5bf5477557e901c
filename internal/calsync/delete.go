package calsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/antedwards/home-dashboard/internal/caldav"
)

// DeleteEvent deletes a household event, removing its remote objects
// first. If any remote delete fails the local event and its mappings are
// kept and ErrRemoteDeleteFailed is returned. A remote object that is
// already gone counts as deleted.
func (e *Engine) DeleteEvent(ctx context.Context, householdID, eventID string) error {
	if _, err := e.db.GetEventForHousehold(householdID, eventID); err != nil {
		return err
	}

	mappings, err := e.db.GetMappingsByEvent(eventID)
	if err != nil {
		return err
	}

	for _, mapping := range mappings {
		if mapping.ExternalURL == "" {
			continue
		}

		conn, err := e.db.GetConnectionByID(mapping.ConnectionID)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrRemoteDeleteFailed, err)
		}

		remote, err := e.openRemote(conn)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrRemoteDeleteFailed, err)
		}

		err = remote.DeleteObject(ctx, mapping.ExternalURL, mapping.ETag)
		if err != nil && !errors.Is(err, caldav.ErrNotFound) {
			e.logger.Error("remote delete failed", "event_id", eventID, "connection_id", conn.ID, "error", err)
			return fmt.Errorf("%w: %w", ErrRemoteDeleteFailed, err)
		}
	}

	return e.db.DeleteEvent(eventID)
}
