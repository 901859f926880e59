package service

import (
	"context"
	"fmt"
	"strings"

	"connectrpc.com/connect"
	"github.com/mmynk/tabsplit/internal/middleware"
	"github.com/mmynk/tabsplit/internal/models"
	"github.com/mmynk/tabsplit/internal/storage"
)

type FriendRequest struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	VenmoID string `json:"venmoId,omitempty"`
}
type FriendResponse struct {
	Friend *models.Friend `json:"friend"`
}

type ListFriendsRequest struct{}
type ListFriendsResponse struct {
	Friends []*models.Friend `json:"friends"`
}

type DeleteFriendRequest struct {
	FriendID string `json:"friendId"`
}
type DeleteFriendResponse struct{}

type CreateSquadRequest struct {
	Name      string   `json:"name"`
	FriendIDs []string `json:"friendIds"`
}
type SquadResponse struct {
	Squad *models.Squad `json:"squad"`
}

type ListSquadsRequest struct{}
type ListSquadsResponse struct {
	Squads []*models.Squad `json:"squads"`
}

type DeleteSquadRequest struct {
	SquadID string `json:"squadId"`
}
type DeleteSquadResponse struct{}

// FriendService implements the Squad/Friends address book.
type FriendService struct {
	store storage.FriendStore
}

// NewFriendService creates a FriendService.
func NewFriendService(store storage.FriendStore) *FriendService {
	return &FriendService{store: store}
}

// CreateFriend adds a reusable person.
func (s *FriendService) CreateFriend(ctx context.Context, req *connect.Request[FriendRequest]) (*connect.Response[FriendResponse], error) {
	id, err := middleware.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Msg.Name)
	if name == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("name is required"))
	}
	f := &models.Friend{OwnerID: id.UserID, Name: name, VenmoID: strings.TrimSpace(req.Msg.VenmoID)}
	if err := s.store.CreateFriend(ctx, f); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&FriendResponse{Friend: f}), nil
}

// UpdateFriend renames a friend or changes their Venmo handle.
func (s *FriendService) UpdateFriend(ctx context.Context, req *connect.Request[FriendRequest]) (*connect.Response[FriendResponse], error) {
	id, err := middleware.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Msg.Name)
	if req.Msg.ID == "" || name == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("id and name are required"))
	}
	f := &models.Friend{ID: req.Msg.ID, OwnerID: id.UserID, Name: name, VenmoID: strings.TrimSpace(req.Msg.VenmoID)}
	if err := s.store.UpdateFriend(ctx, f); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&FriendResponse{Friend: f}), nil
}

// ListFriends returns the caller's friends.
func (s *FriendService) ListFriends(ctx context.Context, req *connect.Request[ListFriendsRequest]) (*connect.Response[ListFriendsResponse], error) {
	id, err := middleware.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	friends, err := s.store.ListFriends(ctx, id.UserID)
	if err != nil {
		return nil, toConnectError(err)
	}
	if friends == nil {
		friends = []*models.Friend{}
	}
	return connect.NewResponse(&ListFriendsResponse{Friends: friends}), nil
}

// DeleteFriend removes a friend and drops them from every squad.
func (s *FriendService) DeleteFriend(ctx context.Context, req *connect.Request[DeleteFriendRequest]) (*connect.Response[DeleteFriendResponse], error) {
	id, err := middleware.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteFriend(ctx, id.UserID, req.Msg.FriendID); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&DeleteFriendResponse{}), nil
}

// CreateSquad groups existing friends under a name.
func (s *FriendService) CreateSquad(ctx context.Context, req *connect.Request[CreateSquadRequest]) (*connect.Response[SquadResponse], error) {
	id, err := middleware.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Msg.Name)
	if name == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("name is required"))
	}

	friends, err := s.store.ListFriends(ctx, id.UserID)
	if err != nil {
		return nil, toConnectError(err)
	}
	known := make(map[string]bool, len(friends))
	for _, f := range friends {
		known[f.ID] = true
	}
	for _, fid := range req.Msg.FriendIDs {
		if !known[fid] {
			return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("friend %s not found", fid))
		}
	}

	sq := &models.Squad{OwnerID: id.UserID, Name: name, FriendIDs: req.Msg.FriendIDs}
	if err := s.store.CreateSquad(ctx, sq); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&SquadResponse{Squad: sq}), nil
}

// ListSquads returns the caller's squads.
func (s *FriendService) ListSquads(ctx context.Context, req *connect.Request[ListSquadsRequest]) (*connect.Response[ListSquadsResponse], error) {
	id, err := middleware.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	squads, err := s.store.ListSquads(ctx, id.UserID)
	if err != nil {
		return nil, toConnectError(err)
	}
	if squads == nil {
		squads = []*models.Squad{}
	}
	return connect.NewResponse(&ListSquadsResponse{Squads: squads}), nil
}

// DeleteSquad removes a squad. Its friends stay.
func (s *FriendService) DeleteSquad(ctx context.Context, req *connect.Request[DeleteSquadRequest]) (*connect.Response[DeleteSquadResponse], error) {
	id, err := middleware.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteSquad(ctx, id.UserID, req.Msg.SquadID); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&DeleteSquadResponse{}), nil
}
