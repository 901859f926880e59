// Package service exposes tabsplit over Connect with a JSON codec.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/mmynk/tabsplit/internal/collab"
	"github.com/mmynk/tabsplit/internal/extract"
	"github.com/mmynk/tabsplit/internal/session"
	"github.com/mmynk/tabsplit/internal/storage"
	"github.com/mmynk/tabsplit/internal/storage/blob"
)

const (
	SessionServiceName = "tabsplit.v1.SessionService"
	CollabServiceName  = "tabsplit.v1.CollabService"
	FriendServiceName  = "tabsplit.v1.FriendService"
	ReceiptServiceName = "tabsplit.v1.ReceiptService"
)

// Procedure paths.
const (
	SessionGetActiveProcedure     = "/" + SessionServiceName + "/GetActive"
	SessionMutateProcedure        = "/" + SessionServiceName + "/Mutate"
	SessionBackgroundProcedure    = "/" + SessionServiceName + "/Background"
	SessionArchiveProcedure       = "/" + SessionServiceName + "/Archive"
	SessionResumeProcedure        = "/" + SessionServiceName + "/Resume"
	SessionDeleteProcedure        = "/" + SessionServiceName + "/Delete"
	SessionListSavedProcedure     = "/" + SessionServiceName + "/ListSaved"
	SessionUploadReceiptProcedure = "/" + SessionServiceName + "/UploadReceipt"

	CollabCreateProcedure = "/" + CollabServiceName + "/Create"
	CollabShareProcedure  = "/" + CollabServiceName + "/Share"
	CollabJoinProcedure   = "/" + CollabServiceName + "/Join"
	CollabGetProcedure    = "/" + CollabServiceName + "/Get"
	CollabMutateProcedure = "/" + CollabServiceName + "/Mutate"
	CollabEndProcedure    = "/" + CollabServiceName + "/End"
	CollabWatchProcedure  = "/" + CollabServiceName + "/Watch"

	FriendCreateFriendProcedure = "/" + FriendServiceName + "/CreateFriend"
	FriendUpdateFriendProcedure = "/" + FriendServiceName + "/UpdateFriend"
	FriendListFriendsProcedure  = "/" + FriendServiceName + "/ListFriends"
	FriendDeleteFriendProcedure = "/" + FriendServiceName + "/DeleteFriend"
	FriendCreateSquadProcedure  = "/" + FriendServiceName + "/CreateSquad"
	FriendListSquadsProcedure   = "/" + FriendServiceName + "/ListSquads"
	FriendDeleteSquadProcedure  = "/" + FriendServiceName + "/DeleteSquad"

	ReceiptExtractProcedure = "/" + ReceiptServiceName + "/Extract"
)

// Config wires a Server.
type Config struct {
	Store     storage.Store
	Blobs     blob.Store
	Extractor extract.Extractor

	Session session.Options
	Collab  collab.ClientOptions

	// PublicBaseURL prefixes share links.
	PublicBaseURL string
}

// Server owns the services and the live manager registries behind them.
type Server struct {
	Sessions *SessionService
	Collab   *CollabService
	Friends  *FriendService
	Receipts *ReceiptService

	managers *Managers
	clients  *Clients
}

// New creates a Server.
func New(cfg Config) *Server {
	managers := NewManagers(cfg.Store, cfg.Blobs, cfg.Session)
	clients := NewClients(cfg.Store, cfg.Collab)
	return &Server{
		Sessions: NewSessionService(managers, cfg.Store, cfg.Extractor),
		Collab:   NewCollabService(cfg.Store, cfg.Store, managers, clients, cfg.PublicBaseURL),
		Friends:  NewFriendService(cfg.Store),
		Receipts: NewReceiptService(cfg.Extractor),
		managers: managers,
		clients:  clients,
	}
}

func unary[Req, Res any](mux *http.ServeMux, procedure string, fn func(context.Context, *connect.Request[Req]) (*connect.Response[Res], error), opts []connect.HandlerOption) {
	mux.Handle(procedure, connect.NewUnaryHandler(procedure, fn, opts...))
}

// Register mounts every procedure on mux. opts typically carry interceptors.
func (s *Server) Register(mux *http.ServeMux, opts ...connect.HandlerOption) {
	opts = append([]connect.HandlerOption{WithJSON()}, opts...)

	unary(mux, SessionGetActiveProcedure, s.Sessions.GetActive, opts)
	unary(mux, SessionMutateProcedure, s.Sessions.Mutate, opts)
	unary(mux, SessionBackgroundProcedure, s.Sessions.Background, opts)
	unary(mux, SessionArchiveProcedure, s.Sessions.Archive, opts)
	unary(mux, SessionResumeProcedure, s.Sessions.Resume, opts)
	unary(mux, SessionDeleteProcedure, s.Sessions.Delete, opts)
	unary(mux, SessionListSavedProcedure, s.Sessions.ListSaved, opts)
	unary(mux, SessionUploadReceiptProcedure, s.Sessions.UploadReceipt, opts)

	unary(mux, CollabCreateProcedure, s.Collab.Create, opts)
	unary(mux, CollabShareProcedure, s.Collab.Share, opts)
	unary(mux, CollabJoinProcedure, s.Collab.Join, opts)
	unary(mux, CollabGetProcedure, s.Collab.Get, opts)
	unary(mux, CollabMutateProcedure, s.Collab.Mutate, opts)
	unary(mux, CollabEndProcedure, s.Collab.End, opts)
	mux.Handle(CollabWatchProcedure, connect.NewServerStreamHandler(CollabWatchProcedure, s.Collab.Watch, opts...))

	unary(mux, FriendCreateFriendProcedure, s.Friends.CreateFriend, opts)
	unary(mux, FriendUpdateFriendProcedure, s.Friends.UpdateFriend, opts)
	unary(mux, FriendListFriendsProcedure, s.Friends.ListFriends, opts)
	unary(mux, FriendDeleteFriendProcedure, s.Friends.DeleteFriend, opts)
	unary(mux, FriendCreateSquadProcedure, s.Friends.CreateSquad, opts)
	unary(mux, FriendListSquadsProcedure, s.Friends.ListSquads, opts)
	unary(mux, FriendDeleteSquadProcedure, s.Friends.DeleteSquad, opts)

	unary(mux, ReceiptExtractProcedure, s.Receipts.Extract, opts)
}

// ArchiveOwner archives an owner's session if it has been idle since cutoff,
// deciding through their live manager when one exists. It is the sweeper's
// archive hook.
func (s *Server) ArchiveOwner(ctx context.Context, ownerID string, cutoff time.Time) (bool, error) {
	return s.managers.Archive(ctx, ownerID, cutoff)
}

// EvictIdle closes managers and collaborative clients not used since cutoff.
// It is the sweeper's eviction hook.
func (s *Server) EvictIdle(ctx context.Context, cutoff time.Time) {
	clients := s.clients.EvictIdle(ctx, cutoff)
	managers := s.managers.EvictIdle(ctx, cutoff)
	if clients > 0 || managers > 0 {
		slog.Info("Evicted idle sessions from memory", "clients", clients, "managers", managers)
	}
}

// Close flushes every manager and client.
func (s *Server) Close(ctx context.Context) error {
	return errors.Join(s.clients.Close(ctx), s.managers.Close(ctx))
}
