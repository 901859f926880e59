package service

import (
	"context"
	"errors"

	"connectrpc.com/connect"
	"github.com/mmynk/tabsplit/internal/extract"
	"github.com/mmynk/tabsplit/internal/middleware"
	"github.com/mmynk/tabsplit/internal/models"
)

type ExtractRequest struct {
	DataURI string `json:"dataUri"`
}
type ExtractResponse struct {
	BillData *models.BillData `json:"billData"`
}

// ReceiptService runs receipt extraction without touching any session.
type ReceiptService struct {
	extractor extract.Extractor
}

// NewReceiptService creates a ReceiptService. extractor may be nil.
func NewReceiptService(extractor extract.Extractor) *ReceiptService {
	return &ReceiptService{extractor: extractor}
}

// Extract turns a receipt image into bill data. Anonymous callers are
// rejected, since every call may be billed.
func (s *ReceiptService) Extract(ctx context.Context, req *connect.Request[ExtractRequest]) (*connect.Response[ExtractResponse], error) {
	if middleware.IdentityFrom(ctx).Anonymous() {
		return nil, toConnectError(&extract.Error{Kind: extract.Unauthenticated, Err: errors.New("sign in to scan receipts")})
	}
	if s.extractor == nil {
		return nil, connect.NewError(connect.CodeUnavailable, errors.New("receipt extraction is not configured"))
	}
	image, mimeType, err := extract.DecodeDataURI(req.Msg.DataURI)
	if err != nil {
		return nil, toConnectError(err)
	}
	data, err := s.extractor.Extract(ctx, image, mimeType)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&ExtractResponse{BillData: data}), nil
}
