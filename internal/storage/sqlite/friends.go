package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmynk/tabsplit/internal/models"
	"github.com/mmynk/tabsplit/internal/storage"
)

// CreateFriend inserts a new friend into the directory.
func (s *SQLiteStore) CreateFriend(ctx context.Context, f *models.Friend) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt == 0 {
		f.CreatedAt = time.Now().Unix()
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO friends (id, owner_id, name, venmo_id, created_at) VALUES (?, ?, ?, ?, ?)",
		f.ID, f.OwnerID, f.Name, f.VenmoID, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create friend: %w", err)
	}
	return nil
}

// ListFriends returns the owner's friends ordered by name.
func (s *SQLiteStore) ListFriends(ctx context.Context, ownerID string) ([]*models.Friend, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, owner_id, name, venmo_id, created_at FROM friends WHERE owner_id = ? ORDER BY name",
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list friends: %w", err)
	}
	defer rows.Close()

	var friends []*models.Friend
	for rows.Next() {
		f := &models.Friend{}
		if err := rows.Scan(&f.ID, &f.OwnerID, &f.Name, &f.VenmoID, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan friend: %w", err)
		}
		friends = append(friends, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate friends: %w", err)
	}
	return friends, nil
}

// UpdateFriend updates a friend's name and Venmo handle.
func (s *SQLiteStore) UpdateFriend(ctx context.Context, f *models.Friend) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE friends SET name = ?, venmo_id = ? WHERE owner_id = ? AND id = ?",
		f.Name, f.VenmoID, f.OwnerID, f.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update friend: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteFriend removes a friend; squad memberships cascade.
func (s *SQLiteStore) DeleteFriend(ctx context.Context, ownerID, friendID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM friends WHERE owner_id = ? AND id = ?", ownerID, friendID)
	if err != nil {
		return fmt.Errorf("failed to delete friend: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// CreateSquad persists a squad and its member list.
func (s *SQLiteStore) CreateSquad(ctx context.Context, sq *models.Squad) error {
	if sq.ID == "" {
		sq.ID = uuid.New().String()
	}
	if sq.CreatedAt == 0 {
		sq.CreatedAt = time.Now().Unix()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO squads (id, owner_id, name, created_at) VALUES (?, ?, ?, ?)",
		sq.ID, sq.OwnerID, sq.Name, sq.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert squad: %w", err)
	}

	for i, friendID := range sq.FriendIDs {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO squad_members (squad_id, friend_id, position) VALUES (?, ?, ?)",
			sq.ID, friendID, i,
		)
		if err != nil {
			return fmt.Errorf("failed to insert squad member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListSquads returns the owner's squads with their members in insertion order.
func (s *SQLiteStore) ListSquads(ctx context.Context, ownerID string) ([]*models.Squad, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, owner_id, name, created_at FROM squads WHERE owner_id = ? ORDER BY name",
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list squads: %w", err)
	}

	var squads []*models.Squad
	for rows.Next() {
		sq := &models.Squad{}
		if err := rows.Scan(&sq.ID, &sq.OwnerID, &sq.Name, &sq.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan squad: %w", err)
		}
		squads = append(squads, sq)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate squads: %w", err)
	}

	for _, sq := range squads {
		memberRows, err := s.db.QueryContext(ctx,
			"SELECT friend_id FROM squad_members WHERE squad_id = ? ORDER BY position",
			sq.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to get squad members: %w", err)
		}
		for memberRows.Next() {
			var id string
			if err := memberRows.Scan(&id); err != nil {
				memberRows.Close()
				return nil, fmt.Errorf("failed to scan squad member: %w", err)
			}
			sq.FriendIDs = append(sq.FriendIDs, id)
		}
		memberRows.Close()
		if err := memberRows.Err(); err != nil {
			return nil, fmt.Errorf("failed to iterate squad members: %w", err)
		}
	}
	return squads, nil
}

// DeleteSquad removes a squad; friends are kept.
func (s *SQLiteStore) DeleteSquad(ctx context.Context, ownerID, squadID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM squads WHERE owner_id = ? AND id = ?", ownerID, squadID)
	if err != nil {
		return fmt.Errorf("failed to delete squad: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
