package storage

import (
	"testing"

	"github.com/mmynk/tabsplit/internal/models"
)

func TestHubPublishAndClose(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(&models.CollaborativeSession{ID: "c1", ShareCode: "AAAAAA"})

	first := <-sub.Updates()
	if first.ShareCode != "AAAAAA" {
		t.Fatalf("expected primed document, got %+v", first)
	}

	h.Publish(&models.CollaborativeSession{ID: "c1", EditState: models.EditState{CustomTip: "3"}})
	h.Publish(&models.CollaborativeSession{ID: "other"})
	got := <-sub.Updates()
	if got.CustomTip != "3" {
		t.Errorf("unexpected update %+v", got)
	}

	sub.Close()
	sub.Close()
	if _, ok := <-sub.Updates(); ok {
		t.Error("expected closed channel after Close")
	}
	if h.Subscribers("c1") != 0 {
		t.Errorf("subscriber not released")
	}
	h.Publish(&models.CollaborativeSession{ID: "c1"})
}

func TestHubSlowSubscriberKeepsNewest(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(&models.CollaborativeSession{ID: "c1"})
	defer sub.Close()

	for i := 0; i < 40; i++ {
		h.Publish(&models.CollaborativeSession{ID: "c1", EditState: models.EditState{CustomTax: string(rune('a' + i%26))}})
	}
	h.Publish(&models.CollaborativeSession{ID: "c1", EditState: models.EditState{CustomTax: "last"}})

	var last *models.CollaborativeSession
	for len(sub.Updates()) > 0 {
		last = <-sub.Updates()
	}
	if last == nil || last.CustomTax != "last" {
		t.Errorf("newest version was dropped: %+v", last)
	}
}
