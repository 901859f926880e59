package models

import (
	"encoding/json"
	"testing"
	"time"
)

func sampleEditState() EditState {
	bill := &Bill{
		Items: []BillItem{
			{ID: "i1", Name: "Pizza", Price: MustMoney("18.50")},
			{ID: "i2", Name: "Beer", Price: MustMoney("7")},
		},
		Tax: MustMoney("2.05"),
		Tip: MustMoney("4"),
	}
	bill.Recalculate()
	return EditState{
		Bill:           bill,
		Assignments:    Assignments{"i1": {"p1", "p2"}, "i2": {"p2"}},
		People:         []Person{{ID: "p1", Name: "Alice", VenmoID: "alice-v"}, {ID: "p2", Name: "Bob"}},
		CustomTip:      "5",
		AssignmentMode: AssignByItem,
	}
}

func assertEditStateEqual(t *testing.T, got, want EditState) {
	t.Helper()
	if len(got.Bill.Items) != len(want.Bill.Items) {
		t.Fatalf("items: got %d, want %d", len(got.Bill.Items), len(want.Bill.Items))
	}
	for i := range want.Bill.Items {
		g, w := got.Bill.Items[i], want.Bill.Items[i]
		if g.ID != w.ID || g.Name != w.Name || !g.Price.Equal(w.Price) {
			t.Errorf("item %d: got %+v, want %+v", i, g, w)
		}
	}
	if !got.Bill.Subtotal.Equal(want.Bill.Subtotal) || !got.Bill.Total.Equal(want.Bill.Total) {
		t.Errorf("totals: got %s/%s, want %s/%s", got.Bill.Subtotal, got.Bill.Total, want.Bill.Subtotal, want.Bill.Total)
	}
	if !got.Bill.Tax.Equal(want.Bill.Tax) || !got.Bill.Tip.Equal(want.Bill.Tip) {
		t.Errorf("tax/tip mismatch")
	}
	for item, ids := range want.Assignments {
		if len(got.Assignments[item]) != len(ids) {
			t.Errorf("assignments for %s: got %v, want %v", item, got.Assignments[item], ids)
		}
	}
	if len(got.People) != len(want.People) {
		t.Fatalf("people: got %d, want %d", len(got.People), len(want.People))
	}
	for i := range want.People {
		if got.People[i] != want.People[i] {
			t.Errorf("person %d: got %+v, want %+v", i, got.People[i], want.People[i])
		}
	}
	if got.CustomTip != want.CustomTip || got.AssignmentMode != want.AssignmentMode {
		t.Errorf("edit fields mismatch: got %+v", got)
	}
}

func TestBillRecalculate(t *testing.T) {
	b := &Bill{
		Items: []BillItem{{ID: "a", Name: "A", Price: MustMoney("0.1")}, {ID: "b", Name: "B", Price: MustMoney("0.2")}},
		Tax:   MustMoney("0.03"),
		Tip:   MustMoney("0.07"),
	}
	b.Recalculate()
	if !b.Subtotal.Equal(MustMoney("0.3")) {
		t.Errorf("subtotal = %s, want 0.3", b.Subtotal)
	}
	if !b.Total.Equal(MustMoney("0.4")) {
		t.Errorf("total = %s, want 0.4", b.Total)
	}
}

func TestParseMoney(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"12.50", "12.5", false},
		{" $4.99 ", "4.99", false},
		{"0", "0", false},
		{"", "", true},
		{"abc", "", true},
		{"-1", "", true},
		{"-", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMoney(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMoney(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(MustMoney(tt.want)) {
				t.Errorf("ParseMoney(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestAssignmentsSetSemantics(t *testing.T) {
	a := Assignments{}
	a.Add("i1", "p1")
	a.Add("i1", "p1")
	if len(a["i1"]) != 1 {
		t.Errorf("duplicate add: got %v", a["i1"])
	}
	a.Remove("i1", "p2")
	if len(a["i1"]) != 1 {
		t.Errorf("removing absent person changed set: %v", a["i1"])
	}
	a.Remove("i1", "p1")
	if _, ok := a["i1"]; ok {
		t.Errorf("expected empty key to be dropped, got %v", a)
	}
}

func TestSessionJSONRoundTrip(t *testing.T) {
	saved := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	original := &Session{
		ID:           "s1",
		OwnerID:      "u1",
		Status:       SessionSaved,
		SavedAt:      &saved,
		EditState:    sampleEditState(),
		ReceiptImage: &ReceiptImageRef{URL: "https://cdn/x.jpg", StorageKey: "receipts/u1/x.jpg"},
	}

	raw, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Session
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded.ID != original.ID || decoded.Status != original.Status || !decoded.SavedAt.Equal(saved) {
		t.Errorf("header mismatch: %+v", decoded)
	}
	if *decoded.ReceiptImage != *original.ReceiptImage {
		t.Errorf("receipt ref mismatch: %+v", decoded.ReceiptImage)
	}
	assertEditStateEqual(t, decoded.EditState, original.EditState)
}

func TestCollaborativeSessionJSONRoundTrip(t *testing.T) {
	joined := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	original := &CollaborativeSession{
		ID:        "c1",
		ShareCode: "ABC234",
		Members: []SessionMember{
			{UserID: "u1", Name: "Alice", JoinedAt: joined},
			{Name: "Guest", IsAnonymous: true, JoinedAt: joined},
		},
		Status:    CollabActive,
		CreatorID: "u1",
		EditState: sampleEditState(),
	}

	raw, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded CollaborativeSession
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ShareCode != "ABC234" || len(decoded.Members) != 2 || !decoded.Members[1].IsAnonymous {
		t.Errorf("collab header mismatch: %+v", decoded)
	}
	assertEditStateEqual(t, decoded.EditState, original.EditState)
}

func TestSessionClone(t *testing.T) {
	s := &Session{ID: "s1", EditState: sampleEditState()}
	c := s.Clone()
	c.Bill.Items[0].Name = "changed"
	c.Assignments["i1"][0] = "zzz"
	c.People[0].Name = "changed"
	if s.Bill.Items[0].Name != "Pizza" || s.Assignments["i1"][0] != "p1" || s.People[0].Name != "Alice" {
		t.Error("Clone shares memory with the original")
	}
}
