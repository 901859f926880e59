package service

import (
	"context"
	"fmt"
	"log/slog"

	"connectrpc.com/connect"
	"github.com/mmynk/tabsplit/internal/billedit"
	"github.com/mmynk/tabsplit/internal/collab"
	"github.com/mmynk/tabsplit/internal/middleware"
	"github.com/mmynk/tabsplit/internal/models"
	"github.com/mmynk/tabsplit/internal/storage"
)

type CreateCollabRequest struct {
	DisplayName string `json:"displayName"`
}

type ShareRequest struct{}

type JoinRequest struct {
	SessionID   string `json:"sessionId"`
	ShareCode   string `json:"shareCode"`
	Link        string `json:"link"`
	DisplayName string `json:"displayName"`
}

// CollabRequest addresses a session the caller holds the code for.
type CollabRequest struct {
	SessionID string `json:"sessionId"`
	ShareCode string `json:"shareCode"`
}

type MutateCollabRequest struct {
	SessionID string `json:"sessionId"`
	ShareCode string `json:"shareCode"`
	Ops       []Op   `json:"ops"`
}

type EndRequest struct {
	SessionID string `json:"sessionId"`
}

// CollabResponse carries a collaborative session, its link and derived totals.
type CollabResponse struct {
	Session *models.CollaborativeSession `json:"session"`
	Link    string                       `json:"link"`
	Summary
}

// CollabService serves collaborative sessions.
type CollabService struct {
	store    storage.CollabStore
	friends  storage.FriendStore
	managers *Managers
	clients  *Clients
	baseURL  string
}

// NewCollabService creates a CollabService. baseURL prefixes share links.
func NewCollabService(store storage.CollabStore, friends storage.FriendStore, managers *Managers, clients *Clients, baseURL string) *CollabService {
	return &CollabService{store: store, friends: friends, managers: managers, clients: clients, baseURL: baseURL}
}

func (s *CollabService) response(cs *models.CollaborativeSession) *CollabResponse {
	return &CollabResponse{
		Session: cs,
		Link:    collab.ShareLink(s.baseURL, cs.ID, cs.ShareCode),
		Summary: summarize(cs.EditState),
	}
}

func participant(ctx context.Context) collab.Participant {
	id := middleware.IdentityFrom(ctx)
	return collab.Participant{UserID: id.UserID, Name: id.Name}
}

// authorize opens the session's client and checks the caller's share code.
func (s *CollabService) authorize(ctx context.Context, sessionID, shareCode string) (*collab.Client, error) {
	if sessionID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("session_id required"))
	}
	client, err := s.clients.Get(ctx, sessionID)
	if err != nil {
		return nil, toConnectError(err)
	}
	if collab.NormalizeShareCode(shareCode) != client.State().ShareCode {
		return nil, toConnectError(collab.ErrInvalidShareCode)
	}
	return client, nil
}

// Create starts an empty collaborative session with the caller as creator.
func (s *CollabService) Create(ctx context.Context, req *connect.Request[CreateCollabRequest]) (*connect.Response[CollabResponse], error) {
	p := participant(ctx)
	if p.Name == "" {
		p.Name = req.Msg.DisplayName
	}
	cs, err := collab.Create(ctx, s.store, p, models.EditState{})
	if err != nil {
		return nil, toConnectError(err)
	}
	slog.Info("Created collaborative session", "session_id", cs.ID, "creator_id", cs.CreatorID)
	return connect.NewResponse(s.response(cs)), nil
}

// Share copies the caller's active private session into a new collaborative session.
func (s *CollabService) Share(ctx context.Context, req *connect.Request[ShareRequest]) (*connect.Response[CollabResponse], error) {
	id, err := middleware.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	mgr, err := s.managers.Get(ctx, id.UserID)
	if err != nil {
		return nil, toConnectError(err)
	}
	cs, err := collab.Share(ctx, s.store, participant(ctx), mgr.State())
	if err != nil {
		return nil, toConnectError(err)
	}
	slog.Info("Shared private session", "session_id", cs.ID, "owner_id", id.UserID)
	return connect.NewResponse(s.response(cs)), nil
}

// Join validates the share code and adds the caller as a member. The session
// can be named by ID, by link or by code alone.
func (s *CollabService) Join(ctx context.Context, req *connect.Request[JoinRequest]) (*connect.Response[CollabResponse], error) {
	sessionID, code := req.Msg.SessionID, req.Msg.ShareCode
	if req.Msg.Link != "" {
		var err error
		sessionID, code, err = collab.ParseShareLink(req.Msg.Link)
		if err != nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		}
	}
	if sessionID == "" {
		found, err := collab.FindByShareCode(ctx, s.store, code)
		if err != nil {
			return nil, toConnectError(err)
		}
		sessionID = found.ID
	}

	cs, err := collab.Join(ctx, s.store, sessionID, code, participant(ctx), req.Msg.DisplayName)
	if err != nil {
		return nil, toConnectError(err)
	}
	slog.Info("Joined collaborative session", "session_id", cs.ID, "members", len(cs.Members))
	return connect.NewResponse(s.response(cs)), nil
}

// Get returns the current shared view.
func (s *CollabService) Get(ctx context.Context, req *connect.Request[CollabRequest]) (*connect.Response[CollabResponse], error) {
	client, err := s.authorize(ctx, req.Msg.SessionID, req.Msg.ShareCode)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(s.response(client.State())), nil
}

// Mutate applies edits to the shared state. Only changed fields are pushed,
// last writer wins per field.
func (s *CollabService) Mutate(ctx context.Context, req *connect.Request[MutateCollabRequest]) (*connect.Response[CollabResponse], error) {
	if len(req.Msg.Ops) == 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("at least one op is required"))
	}
	client, err := s.authorize(ctx, req.Msg.SessionID, req.Msg.ShareCode)
	if err != nil {
		return nil, err
	}

	var friends map[int][]models.Friend
	if needsFriends(req.Msg.Ops) {
		id, err := middleware.RequireUser(ctx)
		if err != nil {
			return nil, err
		}
		if friends, err = resolveFriends(ctx, s.friends, id.UserID, req.Msg.Ops); err != nil {
			return nil, toConnectError(err)
		}
	}

	updated, err := client.Edit(func(e *billedit.Editor) error {
		return applyOps(e, req.Msg.Ops, friends)
	})
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(s.response(updated)), nil
}

// End closes the session to edits. Only its identified creator may end it.
func (s *CollabService) End(ctx context.Context, req *connect.Request[EndRequest]) (*connect.Response[CollabResponse], error) {
	if req.Msg.SessionID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("session_id required"))
	}
	client, err := s.clients.Get(ctx, req.Msg.SessionID)
	if err != nil {
		return nil, toConnectError(err)
	}
	if err := client.End(ctx, middleware.GetUserID(ctx)); err != nil {
		return nil, toConnectError(err)
	}
	ended := client.State()
	if _, err := s.clients.Release(ctx, ended.ID, client); err != nil {
		slog.Warn("Failed to release collaborative client", "session_id", ended.ID, "error", err)
	}
	return connect.NewResponse(s.response(ended)), nil
}

// Watch streams every committed version of the session until it ends or the
// caller disconnects.
func (s *CollabService) Watch(ctx context.Context, req *connect.Request[CollabRequest], stream *connect.ServerStream[CollabResponse]) error {
	if req.Msg.SessionID == "" {
		return connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("session_id required"))
	}
	cs, err := s.store.GetCollabSession(ctx, req.Msg.SessionID)
	if err != nil {
		return toConnectError(err)
	}
	if collab.NormalizeShareCode(req.Msg.ShareCode) != cs.ShareCode {
		return toConnectError(collab.ErrInvalidShareCode)
	}

	sub, err := s.store.SubscribeCollabSession(ctx, req.Msg.SessionID)
	if err != nil {
		return toConnectError(err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case doc, ok := <-sub.Updates():
			if !ok {
				return nil
			}
			if err := stream.Send(s.response(doc)); err != nil {
				return err
			}
			if doc.Ended() {
				return nil
			}
		}
	}
}
