package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"

	"github.com/mmynk/tabsplit/internal/models"
	"github.com/mmynk/tabsplit/internal/storage"
)

func (s *Store) friends(ownerID string) *firestore.CollectionRef {
	return s.userDoc(ownerID).Collection(friendsCollection)
}

func (s *Store) squads(ownerID string) *firestore.CollectionRef {
	return s.userDoc(ownerID).Collection(squadsCollection)
}

// CreateFriend inserts a new friend into the directory.
func (s *Store) CreateFriend(ctx context.Context, f *models.Friend) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt == 0 {
		f.CreatedAt = time.Now().Unix()
	}
	data, err := toDoc(f)
	if err != nil {
		return err
	}
	if _, err := s.friends(f.OwnerID).Doc(f.ID).Create(ctx, data); err != nil {
		return fmt.Errorf("failed to create friend: %w", err)
	}
	return nil
}

// ListFriends returns the owner's friends ordered by name.
func (s *Store) ListFriends(ctx context.Context, ownerID string) ([]*models.Friend, error) {
	return listDocs[models.Friend](ctx, s.friends(ownerID).OrderBy("name", firestore.Asc))
}

// UpdateFriend updates a friend's name and Venmo handle.
func (s *Store) UpdateFriend(ctx context.Context, f *models.Friend) error {
	_, err := s.friends(f.OwnerID).Doc(f.ID).Update(ctx, []firestore.Update{
		{Path: "name", Value: f.Name},
		{Path: "venmoId", Value: f.VenmoID},
	})
	if isNotFound(err) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update friend: %w", err)
	}
	return nil
}

// DeleteFriend removes a friend and drops it from every squad that lists it.
func (s *Store) DeleteFriend(ctx context.Context, ownerID, friendID string) error {
	ref := s.friends(ownerID).Doc(friendID)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(ref); err != nil {
			if isNotFound(err) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("failed to get friend: %w", err)
		}
		squads, err := tx.Documents(s.squads(ownerID).Where("friendIds", "array-contains", friendID)).GetAll()
		if err != nil {
			return fmt.Errorf("failed to find squads: %w", err)
		}
		for _, snap := range squads {
			err := tx.Update(snap.Ref, []firestore.Update{
				{Path: "friendIds", Value: firestore.ArrayRemove(friendID)},
			})
			if err != nil {
				return err
			}
		}
		return tx.Delete(ref)
	})
}

// CreateSquad persists a squad and its member list.
func (s *Store) CreateSquad(ctx context.Context, sq *models.Squad) error {
	if sq.ID == "" {
		sq.ID = uuid.New().String()
	}
	if sq.CreatedAt == 0 {
		sq.CreatedAt = time.Now().Unix()
	}
	data, err := toDoc(sq)
	if err != nil {
		return err
	}
	if _, err := s.squads(sq.OwnerID).Doc(sq.ID).Create(ctx, data); err != nil {
		return fmt.Errorf("failed to create squad: %w", err)
	}
	return nil
}

// ListSquads returns the owner's squads ordered by name.
func (s *Store) ListSquads(ctx context.Context, ownerID string) ([]*models.Squad, error) {
	return listDocs[models.Squad](ctx, s.squads(ownerID).OrderBy("name", firestore.Asc))
}

// DeleteSquad removes a squad; friends are kept.
func (s *Store) DeleteSquad(ctx context.Context, ownerID, squadID string) error {
	ref := s.squads(ownerID).Doc(squadID)
	if _, err := ref.Get(ctx); err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("failed to get squad: %w", err)
	}
	if _, err := ref.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete squad: %w", err)
	}
	return nil
}
