package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"connectrpc.com/connect"
	"github.com/mmynk/tabsplit/internal/billedit"
	"github.com/mmynk/tabsplit/internal/extract"
	"github.com/mmynk/tabsplit/internal/middleware"
	"github.com/mmynk/tabsplit/internal/models"
	"github.com/mmynk/tabsplit/internal/storage"
)

type GetActiveRequest struct{}

// SessionResponse carries the owner's working session and its derived totals.
// Session is nil when the owner has nothing active.
type SessionResponse struct {
	Session *models.Session `json:"session"`
	Summary
	// Archived is set when GetActive found the owner idle past the timeout.
	Archived bool `json:"archived,omitempty"`
}

type MutateSessionRequest struct {
	Ops []Op `json:"ops"`
}

type BackgroundRequest struct{}
type BackgroundResponse struct{}

type ArchiveRequest struct{}
type ArchiveResponse struct {
	Archived *models.Session `json:"archived"`
}

type ResumeRequest struct {
	SessionID string `json:"sessionId"`
}

type DeleteRequest struct {
	SessionID string `json:"sessionId"`
}
type DeleteResponse struct{}

type ListSavedRequest struct{}
type ListSavedResponse struct {
	Sessions []*models.Session `json:"sessions"`
}

type UploadReceiptRequest struct {
	// DataURI is a base64 data URI such as data:image/jpeg;base64,...
	DataURI string `json:"dataUri"`
	// Extract also runs receipt extraction and loads the result into the bill.
	Extract bool `json:"extract"`
}
type UploadReceiptResponse struct {
	Image    *models.ReceiptImageRef `json:"image"`
	BillData *models.BillData        `json:"billData,omitempty"`
	SessionResponse
}

// SessionService serves an owner's private sessions.
type SessionService struct {
	managers  *Managers
	friends   storage.FriendStore
	extractor extract.Extractor
}

// NewSessionService creates a SessionService. extractor may be nil, in which
// case uploads cannot request extraction.
func NewSessionService(managers *Managers, friends storage.FriendStore, extractor extract.Extractor) *SessionService {
	return &SessionService{managers: managers, friends: friends, extractor: extractor}
}

func sessionResponse(s *models.Session) *SessionResponse {
	resp := &SessionResponse{Session: s}
	if s != nil {
		resp.Summary = summarize(s.EditState)
	} else {
		resp.Summary = summarize(models.EditState{})
	}
	return resp
}

func (s *SessionService) owner(ctx context.Context) (string, error) {
	id, err := middleware.RequireUser(ctx)
	if err != nil {
		return "", err
	}
	return id.UserID, nil
}

// GetActive returns the working session. Coming back after the idle timeout
// archives it first.
func (s *SessionService) GetActive(ctx context.Context, req *connect.Request[GetActiveRequest]) (*connect.Response[SessionResponse], error) {
	ownerID, err := s.owner(ctx)
	if err != nil {
		return nil, err
	}
	mgr, err := s.managers.Get(ctx, ownerID)
	if err != nil {
		return nil, toConnectError(err)
	}
	archived, err := mgr.EnterForeground(ctx)
	if err != nil {
		return nil, toConnectError(err)
	}
	resp := sessionResponse(mgr.State())
	resp.Archived = archived
	return connect.NewResponse(resp), nil
}

// Mutate applies a batch of edits atomically and schedules a debounced write.
func (s *SessionService) Mutate(ctx context.Context, req *connect.Request[MutateSessionRequest]) (*connect.Response[SessionResponse], error) {
	ownerID, err := s.owner(ctx)
	if err != nil {
		return nil, err
	}
	if len(req.Msg.Ops) == 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("at least one op is required"))
	}
	friends, err := resolveFriends(ctx, s.friends, ownerID, req.Msg.Ops)
	if err != nil {
		return nil, toConnectError(err)
	}
	mgr, err := s.managers.Get(ctx, ownerID)
	if err != nil {
		return nil, toConnectError(err)
	}

	updated, err := mgr.Edit(func(e *billedit.Editor) error {
		return applyOps(e, req.Msg.Ops, friends)
	})
	if err != nil {
		slog.Debug("Mutate rejected", "owner_id", ownerID, "error", err)
		return nil, toConnectError(err)
	}
	return connect.NewResponse(sessionResponse(updated)), nil
}

// Background flushes pending edits and starts the idle clock.
func (s *SessionService) Background(ctx context.Context, req *connect.Request[BackgroundRequest]) (*connect.Response[BackgroundResponse], error) {
	ownerID, err := s.owner(ctx)
	if err != nil {
		return nil, err
	}
	mgr, err := s.managers.Get(ctx, ownerID)
	if err != nil {
		return nil, toConnectError(err)
	}
	if err := mgr.EnterBackground(ctx); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&BackgroundResponse{}), nil
}

// Archive saves the active session and starts over.
func (s *SessionService) Archive(ctx context.Context, req *connect.Request[ArchiveRequest]) (*connect.Response[ArchiveResponse], error) {
	ownerID, err := s.owner(ctx)
	if err != nil {
		return nil, err
	}
	mgr, err := s.managers.Get(ctx, ownerID)
	if err != nil {
		return nil, toConnectError(err)
	}
	archived, err := mgr.ArchiveAndStartNew(ctx)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&ArchiveResponse{Archived: archived}), nil
}

// Resume makes a saved session active, archiving the current one.
func (s *SessionService) Resume(ctx context.Context, req *connect.Request[ResumeRequest]) (*connect.Response[SessionResponse], error) {
	ownerID, err := s.owner(ctx)
	if err != nil {
		return nil, err
	}
	if req.Msg.SessionID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("session_id required"))
	}
	mgr, err := s.managers.Get(ctx, ownerID)
	if err != nil {
		return nil, toConnectError(err)
	}
	resumed, err := mgr.Resume(ctx, req.Msg.SessionID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(sessionResponse(resumed)), nil
}

// Delete removes a session and its receipt image.
func (s *SessionService) Delete(ctx context.Context, req *connect.Request[DeleteRequest]) (*connect.Response[DeleteResponse], error) {
	ownerID, err := s.owner(ctx)
	if err != nil {
		return nil, err
	}
	if req.Msg.SessionID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("session_id required"))
	}
	mgr, err := s.managers.Get(ctx, ownerID)
	if err != nil {
		return nil, toConnectError(err)
	}
	if err := mgr.Delete(ctx, req.Msg.SessionID); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&DeleteResponse{}), nil
}

// ListSaved returns saved sessions, newest first.
func (s *SessionService) ListSaved(ctx context.Context, req *connect.Request[ListSavedRequest]) (*connect.Response[ListSavedResponse], error) {
	ownerID, err := s.owner(ctx)
	if err != nil {
		return nil, err
	}
	mgr, err := s.managers.Get(ctx, ownerID)
	if err != nil {
		return nil, toConnectError(err)
	}
	sessions, err := mgr.ListSaved(ctx)
	if err != nil {
		return nil, toConnectError(err)
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	return connect.NewResponse(&ListSavedResponse{Sessions: sessions}), nil
}

// UploadReceipt stores a receipt image on the active session, replacing the
// previous one. A failed extraction leaves the bill untouched.
func (s *SessionService) UploadReceipt(ctx context.Context, req *connect.Request[UploadReceiptRequest]) (*connect.Response[UploadReceiptResponse], error) {
	ownerID, err := s.owner(ctx)
	if err != nil {
		return nil, err
	}
	image, mimeType, err := extract.DecodeDataURI(req.Msg.DataURI)
	if err != nil {
		return nil, toConnectError(err)
	}
	if err := extract.ValidateImage(image, mimeType); err != nil {
		return nil, toConnectError(err)
	}
	if req.Msg.Extract && s.extractor == nil {
		return nil, connect.NewError(connect.CodeUnavailable, errors.New("receipt extraction is not configured"))
	}

	mgr, err := s.managers.Get(ctx, ownerID)
	if err != nil {
		return nil, toConnectError(err)
	}
	ref, err := mgr.ReplaceReceiptImage(ctx, image, mimeType)
	if err != nil {
		return nil, toConnectError(err)
	}

	resp := &UploadReceiptResponse{Image: ref}
	if req.Msg.Extract {
		data, err := s.extractor.Extract(ctx, image, mimeType)
		if err != nil {
			slog.Warn("Receipt extraction failed", "owner_id", ownerID, "kind", extract.KindOf(err), "error", err)
			return nil, toConnectError(err)
		}
		resp.BillData = data
		if _, err := mgr.Edit(func(e *billedit.Editor) error {
			e.LoadBillData(*data)
			return nil
		}); err != nil {
			return nil, toConnectError(err)
		}
	}
	resp.SessionResponse = *sessionResponse(mgr.State())
	return connect.NewResponse(resp), nil
}
