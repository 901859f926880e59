package session

import (
	"github.com/mmynk/tabsplit/internal/models"
	"github.com/mmynk/tabsplit/internal/storage"
)

// Patch is a partial update of the active session. Unset fields are left as
// stored.
type Patch struct {
	storage.EditUpdate

	ReceiptImage      *models.ReceiptImageRef
	ClearReceiptImage bool
}

func (p Patch) empty() bool {
	return p.EditUpdate.Empty() && p.ReceiptImage == nil && !p.ClearReceiptImage
}

func (p *Patch) merge(next Patch) {
	p.EditUpdate.Merge(next.EditUpdate)
	if next.ClearReceiptImage {
		p.ReceiptImage, p.ClearReceiptImage = nil, true
	}
	if next.ReceiptImage != nil {
		ref := *next.ReceiptImage
		p.ReceiptImage, p.ClearReceiptImage = &ref, false
	}
}

func (p Patch) apply(s *models.Session) {
	p.EditUpdate.Apply(&s.EditState)
	if p.ClearReceiptImage {
		s.ReceiptImage = nil
	}
	if p.ReceiptImage != nil {
		ref := *p.ReceiptImage
		s.ReceiptImage = &ref
	}
}
