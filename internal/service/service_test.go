package service

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/mmynk/tabsplit/internal/auth"
	"github.com/mmynk/tabsplit/internal/collab"
	"github.com/mmynk/tabsplit/internal/extract"
	"github.com/mmynk/tabsplit/internal/middleware"
	"github.com/mmynk/tabsplit/internal/models"
	"github.com/mmynk/tabsplit/internal/session"
	"github.com/mmynk/tabsplit/internal/storage/blob"
	"github.com/mmynk/tabsplit/internal/storage/sqlite"
	"github.com/mmynk/tabsplit/internal/sweeper"
)

type fakeExtractor struct {
	mu    sync.Mutex
	data  *models.BillData
	err   error
	calls int
}

func (f *fakeExtractor) Extract(ctx context.Context, image []byte, mimeType string) (*models.BillData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

type testEnv struct {
	url       string
	jwt       *auth.JWTManager
	server    *Server
	store     *sqlite.SQLiteStore
	blobs     *blob.MemoryStore
	extractor *fakeExtractor
}

// setupTestServer starts the full RPC surface over a temp SQLite database.
// Private sessions only persist on explicit flushes.
func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	store, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	env := &testEnv{
		jwt:   auth.NewJWTManager("test-secret", time.Hour),
		store: store,
		blobs: blob.NewMemoryStore(),
		extractor: &fakeExtractor{data: &models.BillData{
			Items: []models.BillDataItem{
				{Name: "Ramen", Price: models.MustMoney("18")},
				{Name: "Gyoza", Price: models.MustMoney("7")},
			},
			Tax: models.MustMoney("2.5"),
		}},
	}
	env.server = New(Config{
		Store:         store,
		Blobs:         env.blobs,
		Extractor:     env.extractor,
		Session:       session.Options{Debounce: time.Hour},
		Collab:        collab.ClientOptions{Debounce: 10 * time.Millisecond},
		PublicBaseURL: "https://tabsplit.test",
	})

	mux := http.NewServeMux()
	env.server.Register(mux, connect.WithInterceptors(
		middleware.IdentityInterceptor(env.jwt),
		middleware.LoggingInterceptor(),
	))
	srv := httptest.NewServer(mux)
	env.url = srv.URL

	t.Cleanup(func() {
		srv.Close()
		if err := env.server.Close(context.Background()); err != nil {
			t.Errorf("failed to close server: %v", err)
		}
		store.Close()
	})
	return env
}

// caller identifies who a test request is sent as.
type caller struct {
	userID string
	name   string
}

var (
	alice = caller{userID: "user-alice", name: "Alice"}
	bob   = caller{userID: "user-bob", name: "Bob"}
	guest = caller{name: "Guest Carol"}
)

func (env *testEnv) request(t *testing.T, as caller, header http.Header) {
	t.Helper()
	if as.userID == "" {
		header.Set(middleware.DisplayNameHeader, as.name)
		return
	}
	token, err := env.jwt.Generate(as.userID, as.name)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	header.Set("Authorization", "Bearer "+token)
}

func call[Req, Res any](t *testing.T, env *testEnv, as caller, procedure string, msg *Req) (*Res, error) {
	t.Helper()
	client := connect.NewClient[Req, Res](http.DefaultClient, env.url+procedure, ClientJSON())
	req := connect.NewRequest(msg)
	env.request(t, as, req.Header())
	resp, err := client.CallUnary(context.Background(), req)
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func mustCall[Req, Res any](t *testing.T, env *testEnv, as caller, procedure string, msg *Req) *Res {
	t.Helper()
	res, err := call[Req, Res](t, env, as, procedure, msg)
	if err != nil {
		t.Fatalf("%s failed: %v", procedure, err)
	}
	return res
}

func expectCode(t *testing.T, err error, want connect.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v, got nil error", want)
	}
	if got := connect.CodeOf(err); got != want {
		t.Fatalf("expected %v, got %v (%v)", want, got, err)
	}
}

func mutate(t *testing.T, env *testEnv, as caller, ops ...Op) *SessionResponse {
	t.Helper()
	return mustCall[MutateSessionRequest, SessionResponse](t, env, as, SessionMutateProcedure, &MutateSessionRequest{Ops: ops})
}

func personID(t *testing.T, people []models.Person, name string) string {
	t.Helper()
	for _, p := range people {
		if p.Name == name {
			return p.ID
		}
	}
	t.Fatalf("person %s not found in %+v", name, people)
	return ""
}

func itemID(t *testing.T, bill *models.Bill, name string) string {
	t.Helper()
	if bill != nil {
		for _, it := range bill.Items {
			if it.Name == name {
				return it.ID
			}
		}
	}
	t.Fatalf("item %s not found", name)
	return ""
}

func totalFor(t *testing.T, totals []models.PersonTotal, name string) models.PersonTotal {
	t.Helper()
	for _, pt := range totals {
		if pt.Name == name {
			return pt
		}
	}
	t.Fatalf("no total for %s in %+v", name, totals)
	return models.PersonTotal{}
}

func dataURI(payload string) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte(payload))
}

func TestSessionService_ProportionalSplit(t *testing.T) {
	env := setupTestServer(t)

	resp := mutate(t, env, alice,
		Op{Type: OpAddPerson, Name: "Ann"},
		Op{Type: OpAddPerson, Name: "Ben", VenmoID: "ben-v"},
		Op{Type: OpAddItem, Name: "Steak", Price: "60"},
		Op{Type: OpAddItem, Name: "Salad", Price: "40"},
		Op{Type: OpSetTax, Amount: "10"},
		Op{Type: OpSetTip, Amount: "5"},
	)
	if resp.AllItemsAssigned {
		t.Error("expected unassigned items right after adding them")
	}
	if len(resp.Totals) != 0 {
		t.Errorf("expected no totals while items are unassigned, got %d", len(resp.Totals))
	}

	s := resp.Session
	resp = mutate(t, env, alice,
		Op{Type: OpSetAssignment, ItemID: itemID(t, s.Bill, "Steak"), PersonID: personID(t, s.People, "Ann"), Included: true},
		Op{Type: OpSetAssignment, ItemID: itemID(t, s.Bill, "Salad"), PersonID: personID(t, s.People, "Ben"), Included: true},
	)
	if !resp.AllItemsAssigned {
		t.Fatal("expected all items assigned")
	}
	if got := totalFor(t, resp.Totals, "Ann").Total; !got.Equal(models.MustMoney("69")) {
		t.Errorf("Ann total: expected 69, got %s", got)
	}
	if got := totalFor(t, resp.Totals, "Ben").Total; !got.Equal(models.MustMoney("46")) {
		t.Errorf("Ben total: expected 46, got %s", got)
	}
	if !resp.Session.Bill.Total.Equal(models.MustMoney("115")) {
		t.Errorf("bill total: expected 115, got %s", resp.Session.Bill.Total)
	}
}

func TestSessionService_CustomTipOverride(t *testing.T) {
	env := setupTestServer(t)

	resp := mutate(t, env, alice,
		Op{Type: OpAddItem, Name: "Pizza", Price: "20"},
		Op{Type: OpSetTip, Amount: "2"},
		Op{Type: OpSetCustomTip, Text: "4"},
	)
	if !resp.EffectiveTip.Equal(models.MustMoney("4")) {
		t.Errorf("expected custom tip 4, got %s", resp.EffectiveTip)
	}

	resp = mutate(t, env, alice, Op{Type: OpSetCustomTip, Text: "-"})
	if !resp.EffectiveTip.Equal(models.MustMoney("2")) {
		t.Errorf("expected fallback to extracted tip 2, got %s", resp.EffectiveTip)
	}
}

func TestSessionService_RejectedBatchChangesNothing(t *testing.T) {
	env := setupTestServer(t)
	mutate(t, env, alice, Op{Type: OpAddItem, Name: "Soup", Price: "8"})

	tests := []struct {
		name string
		ops  []Op
		code connect.Code
	}{
		{"negative price", []Op{{Type: OpAddItem, Name: "Bread", Price: "3"}, {Type: OpAddItem, Name: "Wine", Price: "-1"}}, connect.CodeInvalidArgument},
		{"empty name", []Op{{Type: OpAddItem, Name: "  ", Price: "3"}}, connect.CodeInvalidArgument},
		{"unknown item", []Op{{Type: OpEditItem, ItemID: "missing", Name: "X", Price: "1"}}, connect.CodeNotFound},
		{"unknown op", []Op{{Type: "explode"}}, connect.CodeInvalidArgument},
		{"bad mode", []Op{{Type: OpSetAssignmentMode, Mode: "diagonal"}}, connect.CodeInvalidArgument},
		{"no ops", nil, connect.CodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := call[MutateSessionRequest, SessionResponse](t, env, alice, SessionMutateProcedure, &MutateSessionRequest{Ops: tt.ops})
			expectCode(t, err, tt.code)

			got := mustCall[GetActiveRequest, SessionResponse](t, env, alice, SessionGetActiveProcedure, &GetActiveRequest{})
			if n := len(got.Session.Bill.Items); n != 1 {
				t.Errorf("expected bill to keep 1 item, got %d", n)
			}
		})
	}
}

func TestSessionService_RequiresUser(t *testing.T) {
	env := setupTestServer(t)

	_, err := call[GetActiveRequest, SessionResponse](t, env, guest, SessionGetActiveProcedure, &GetActiveRequest{})
	expectCode(t, err, connect.CodeUnauthenticated)

	client := connect.NewClient[GetActiveRequest, SessionResponse](http.DefaultClient, env.url+SessionGetActiveProcedure, ClientJSON())
	req := connect.NewRequest(&GetActiveRequest{})
	req.Header().Set("Authorization", "Bearer forged")
	_, err = client.CallUnary(context.Background(), req)
	expectCode(t, err, connect.CodeUnauthenticated)
}

func TestSessionService_ArchiveResumeDelete(t *testing.T) {
	env := setupTestServer(t)

	mutate(t, env, alice, Op{Type: OpAddItem, Name: "Tacos", Price: "12"})
	archived := mustCall[ArchiveRequest, ArchiveResponse](t, env, alice, SessionArchiveProcedure, &ArchiveRequest{})
	if archived.Archived == nil || archived.Archived.Status != models.SessionSaved {
		t.Fatalf("expected a saved session, got %+v", archived.Archived)
	}
	if archived.Archived.SavedAt == nil {
		t.Error("expected archive timestamp")
	}

	active := mustCall[GetActiveRequest, SessionResponse](t, env, alice, SessionGetActiveProcedure, &GetActiveRequest{})
	if active.Session != nil {
		t.Fatalf("expected no active session after archive, got %+v", active.Session)
	}

	mutate(t, env, alice, Op{Type: OpAddItem, Name: "Burrito", Price: "11"})
	resumed := mustCall[ResumeRequest, SessionResponse](t, env, alice, SessionResumeProcedure, &ResumeRequest{SessionID: archived.Archived.ID})
	if resumed.Session.ID != archived.Archived.ID || resumed.Session.Status != models.SessionActive {
		t.Fatalf("expected %s active, got %+v", archived.Archived.ID, resumed.Session)
	}
	itemID(t, resumed.Session.Bill, "Tacos")

	saved := mustCall[ListSavedRequest, ListSavedResponse](t, env, alice, SessionListSavedProcedure, &ListSavedRequest{})
	if len(saved.Sessions) != 1 {
		t.Fatalf("expected the burrito session saved, got %d sessions", len(saved.Sessions))
	}
	itemID(t, saved.Sessions[0].Bill, "Burrito")

	mustCall[DeleteRequest, DeleteResponse](t, env, alice, SessionDeleteProcedure, &DeleteRequest{SessionID: saved.Sessions[0].ID})
	saved = mustCall[ListSavedRequest, ListSavedResponse](t, env, alice, SessionListSavedProcedure, &ListSavedRequest{})
	if len(saved.Sessions) != 0 {
		t.Errorf("expected no saved sessions after delete, got %d", len(saved.Sessions))
	}

	_, err := call[ResumeRequest, SessionResponse](t, env, alice, SessionResumeProcedure, &ResumeRequest{})
	expectCode(t, err, connect.CodeInvalidArgument)
}

func TestSessionService_OwnersAreIsolated(t *testing.T) {
	env := setupTestServer(t)
	mutate(t, env, alice, Op{Type: OpAddItem, Name: "Noodles", Price: "9"})

	got := mustCall[GetActiveRequest, SessionResponse](t, env, bob, SessionGetActiveProcedure, &GetActiveRequest{})
	if got.Session != nil {
		t.Errorf("expected bob to have no session, got %+v", got.Session)
	}
}

func TestSessionService_UploadReceipt(t *testing.T) {
	env := setupTestServer(t)
	mutate(t, env, alice, Op{Type: OpAddPerson, Name: "Ann"}, Op{Type: OpSetSplitEvenly, On: true})

	resp := mustCall[UploadReceiptRequest, UploadReceiptResponse](t, env, alice, SessionUploadReceiptProcedure, &UploadReceiptRequest{
		DataURI: dataURI("jpeg-bytes"),
		Extract: true,
	})
	if resp.Image == nil || resp.Image.StorageKey == "" {
		t.Fatalf("expected an image reference, got %+v", resp.Image)
	}
	if _, err := env.blobs.Get(resp.Image.StorageKey); err != nil {
		t.Errorf("expected uploaded blob: %v", err)
	}
	if n := len(resp.Session.Bill.Items); n != 2 {
		t.Fatalf("expected 2 extracted items, got %d", n)
	}
	if !resp.AllItemsAssigned {
		t.Error("expected split evenly to assign extracted items")
	}
	if got := totalFor(t, resp.Totals, "Ann").Total; !got.Equal(models.MustMoney("27.5")) {
		t.Errorf("expected Ann to owe 27.5, got %s", got)
	}

	env.extractor.mu.Lock()
	env.extractor.err = &extract.Error{Kind: extract.ExtractionFailed, Err: errors.New("model timeout")}
	env.extractor.mu.Unlock()
	_, err := call[UploadReceiptRequest, UploadReceiptResponse](t, env, alice, SessionUploadReceiptProcedure, &UploadReceiptRequest{
		DataURI: dataURI("other-bytes"),
		Extract: true,
	})
	expectCode(t, err, connect.CodeUnavailable)

	active := mustCall[GetActiveRequest, SessionResponse](t, env, alice, SessionGetActiveProcedure, &GetActiveRequest{})
	itemID(t, active.Session.Bill, "Ramen")

	_, err = call[UploadReceiptRequest, UploadReceiptResponse](t, env, alice, SessionUploadReceiptProcedure, &UploadReceiptRequest{DataURI: "not-a-uri"})
	expectCode(t, err, connect.CodeInvalidArgument)
}

func TestCollabService_CreateJoinEdit(t *testing.T) {
	env := setupTestServer(t)

	created := mustCall[CreateCollabRequest, CollabResponse](t, env, alice, CollabCreateProcedure, &CreateCollabRequest{})
	cs := created.Session
	if cs.CreatorID != alice.userID || len(cs.Members) != 1 || cs.Members[0].Name != "Alice" {
		t.Fatalf("unexpected created session %+v", cs)
	}
	if created.Link == "" {
		t.Error("expected a share link")
	}

	joined := mustCall[JoinRequest, CollabResponse](t, env, guest, CollabJoinProcedure, &JoinRequest{Link: created.Link})
	if len(joined.Session.Members) != 2 || !joined.Session.Members[1].IsAnonymous || joined.Session.Members[1].Name != "Guest Carol" {
		t.Fatalf("unexpected members after join %+v", joined.Session.Members)
	}

	byCode := mustCall[JoinRequest, CollabResponse](t, env, bob, CollabJoinProcedure, &JoinRequest{ShareCode: cs.ShareCode})
	if byCode.Session.ID != cs.ID {
		t.Errorf("expected join by code to find %s, got %s", cs.ID, byCode.Session.ID)
	}

	_, err := call[JoinRequest, CollabResponse](t, env, bob, CollabJoinProcedure, &JoinRequest{SessionID: cs.ID, ShareCode: "ZZZZZZ"})
	expectCode(t, err, connect.CodePermissionDenied)

	edited := mustCall[MutateCollabRequest, CollabResponse](t, env, guest, CollabMutateProcedure, &MutateCollabRequest{
		SessionID: cs.ID,
		ShareCode: cs.ShareCode,
		Ops:       []Op{{Type: OpAddItem, Name: "Nachos", Price: "14"}},
	})
	itemID(t, edited.Session.Bill, "Nachos")

	got := mustCall[CollabRequest, CollabResponse](t, env, bob, CollabGetProcedure, &CollabRequest{SessionID: cs.ID, ShareCode: cs.ShareCode})
	itemID(t, got.Session.Bill, "Nachos")

	_, err = call[CollabRequest, CollabResponse](t, env, bob, CollabGetProcedure, &CollabRequest{SessionID: cs.ID, ShareCode: "WRONG1"})
	expectCode(t, err, connect.CodePermissionDenied)

	_, err = call[MutateCollabRequest, CollabResponse](t, env, guest, CollabMutateProcedure, &MutateCollabRequest{
		SessionID: cs.ID,
		ShareCode: cs.ShareCode,
		Ops:       []Op{{Type: OpAddFriends, FriendIDs: []string{"f1"}}},
	})
	expectCode(t, err, connect.CodeUnauthenticated)
}

func TestCollabService_End(t *testing.T) {
	env := setupTestServer(t)
	created := mustCall[CreateCollabRequest, CollabResponse](t, env, alice, CollabCreateProcedure, &CreateCollabRequest{})
	cs := created.Session

	for _, as := range []caller{bob, guest} {
		_, err := call[EndRequest, CollabResponse](t, env, as, CollabEndProcedure, &EndRequest{SessionID: cs.ID})
		expectCode(t, err, connect.CodePermissionDenied)
	}

	ended := mustCall[EndRequest, CollabResponse](t, env, alice, CollabEndProcedure, &EndRequest{SessionID: cs.ID})
	if !ended.Session.Ended() {
		t.Fatalf("expected ended session, got status %s", ended.Session.Status)
	}

	_, err := call[MutateCollabRequest, CollabResponse](t, env, alice, CollabMutateProcedure, &MutateCollabRequest{
		SessionID: cs.ID,
		ShareCode: cs.ShareCode,
		Ops:       []Op{{Type: OpAddItem, Name: "Late", Price: "1"}},
	})
	expectCode(t, err, connect.CodeFailedPrecondition)

	_, err = call[JoinRequest, CollabResponse](t, env, bob, CollabJoinProcedure, &JoinRequest{SessionID: cs.ID, ShareCode: cs.ShareCode})
	expectCode(t, err, connect.CodeFailedPrecondition)
}

func TestCollabService_ShareCopiesPrivateSession(t *testing.T) {
	env := setupTestServer(t)
	mutate(t, env, alice, Op{Type: OpAddItem, Name: "Pho", Price: "13"})

	shared := mustCall[ShareRequest, CollabResponse](t, env, alice, CollabShareProcedure, &ShareRequest{})
	itemID(t, shared.Session.Bill, "Pho")

	private := mustCall[GetActiveRequest, SessionResponse](t, env, alice, SessionGetActiveProcedure, &GetActiveRequest{})
	itemID(t, private.Session.Bill, "Pho")

	_, err := call[ShareRequest, CollabResponse](t, env, guest, CollabShareProcedure, &ShareRequest{})
	expectCode(t, err, connect.CodeUnauthenticated)
}

func TestCollabService_Watch(t *testing.T) {
	env := setupTestServer(t)
	created := mustCall[CreateCollabRequest, CollabResponse](t, env, alice, CollabCreateProcedure, &CreateCollabRequest{})
	cs := created.Session

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := connect.NewClient[CollabRequest, CollabResponse](http.DefaultClient, env.url+CollabWatchProcedure, ClientJSON())
	req := connect.NewRequest(&CollabRequest{SessionID: cs.ID, ShareCode: cs.ShareCode})
	env.request(t, bob, req.Header())
	stream, err := client.CallServerStream(ctx, req)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer stream.Close()

	if !stream.Receive() {
		t.Fatalf("expected the current document first: %v", stream.Err())
	}
	if stream.Msg().Session.ID != cs.ID {
		t.Fatalf("unexpected first document %+v", stream.Msg().Session)
	}

	mustCall[MutateCollabRequest, CollabResponse](t, env, alice, CollabMutateProcedure, &MutateCollabRequest{
		SessionID: cs.ID,
		ShareCode: cs.ShareCode,
		Ops:       []Op{{Type: OpAddItem, Name: "Dumplings", Price: "9"}},
	})

	var sawItem bool
	for !sawItem && stream.Receive() {
		if b := stream.Msg().Session.Bill; b != nil && len(b.Items) == 1 {
			sawItem = true
		}
	}
	if !sawItem {
		t.Fatalf("expected a pushed edit, stream ended: %v", stream.Err())
	}

	mustCall[EndRequest, CollabResponse](t, env, alice, CollabEndProcedure, &EndRequest{SessionID: cs.ID})
	var sawEnd bool
	for !sawEnd && stream.Receive() {
		sawEnd = stream.Msg().Session.Ended()
	}
	if !sawEnd {
		t.Errorf("expected the ended document before the stream closed: %v", stream.Err())
	}
}

func TestCollabService_WatchRejectsWrongCode(t *testing.T) {
	env := setupTestServer(t)
	created := mustCall[CreateCollabRequest, CollabResponse](t, env, alice, CollabCreateProcedure, &CreateCollabRequest{})

	client := connect.NewClient[CollabRequest, CollabResponse](http.DefaultClient, env.url+CollabWatchProcedure, ClientJSON())
	stream, err := client.CallServerStream(context.Background(), connect.NewRequest(&CollabRequest{SessionID: created.Session.ID, ShareCode: "NOPE22"}))
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer stream.Close()
	if stream.Receive() {
		t.Fatal("expected no documents for a wrong code")
	}
	expectCode(t, stream.Err(), connect.CodePermissionDenied)
}

func TestFriendService_SquadIntoSession(t *testing.T) {
	env := setupTestServer(t)

	dan := mustCall[FriendRequest, FriendResponse](t, env, alice, FriendCreateFriendProcedure, &FriendRequest{Name: "Dan", VenmoID: "dan-v"})
	eve := mustCall[FriendRequest, FriendResponse](t, env, alice, FriendCreateFriendProcedure, &FriendRequest{Name: "Eve"})

	_, err := call[FriendRequest, FriendResponse](t, env, alice, FriendCreateFriendProcedure, &FriendRequest{Name: " "})
	expectCode(t, err, connect.CodeInvalidArgument)

	_, err = call[CreateSquadRequest, SquadResponse](t, env, alice, FriendCreateSquadProcedure, &CreateSquadRequest{Name: "Lunch", FriendIDs: []string{"stranger"}})
	expectCode(t, err, connect.CodeNotFound)

	squad := mustCall[CreateSquadRequest, SquadResponse](t, env, alice, FriendCreateSquadProcedure, &CreateSquadRequest{
		Name:      "Lunch",
		FriendIDs: []string{dan.Friend.ID, eve.Friend.ID},
	})

	resp := mutate(t, env, alice, Op{Type: OpAddFriends, SquadID: squad.Squad.ID})
	if len(resp.Session.People) != 2 {
		t.Fatalf("expected 2 people from the squad, got %+v", resp.Session.People)
	}
	if resp.Session.People[0].VenmoID != "dan-v" {
		t.Errorf("expected Dan's Venmo handle to carry over, got %+v", resp.Session.People[0])
	}

	_, err = call[MutateSessionRequest, SessionResponse](t, env, alice, SessionMutateProcedure, &MutateSessionRequest{
		Ops: []Op{{Type: OpAddFriends, FriendIDs: []string{"stranger"}}},
	})
	expectCode(t, err, connect.CodeNotFound)

	renamed := mustCall[FriendRequest, FriendResponse](t, env, alice, FriendUpdateFriendProcedure, &FriendRequest{ID: eve.Friend.ID, Name: "Evelyn"})
	if renamed.Friend.Name != "Evelyn" {
		t.Errorf("expected renamed friend, got %+v", renamed.Friend)
	}

	mustCall[DeleteFriendRequest, DeleteFriendResponse](t, env, alice, FriendDeleteFriendProcedure, &DeleteFriendRequest{FriendID: dan.Friend.ID})
	friends := mustCall[ListFriendsRequest, ListFriendsResponse](t, env, alice, FriendListFriendsProcedure, &ListFriendsRequest{})
	if len(friends.Friends) != 1 || friends.Friends[0].Name != "Evelyn" {
		t.Errorf("expected only Evelyn left, got %+v", friends.Friends)
	}
	squads := mustCall[ListSquadsRequest, ListSquadsResponse](t, env, alice, FriendListSquadsProcedure, &ListSquadsRequest{})
	if len(squads.Squads) != 1 || len(squads.Squads[0].FriendIDs) != 1 {
		t.Errorf("expected the deleted friend dropped from the squad, got %+v", squads.Squads)
	}

	mustCall[DeleteSquadRequest, DeleteSquadResponse](t, env, alice, FriendDeleteSquadProcedure, &DeleteSquadRequest{SquadID: squad.Squad.ID})
	squads = mustCall[ListSquadsRequest, ListSquadsResponse](t, env, alice, FriendListSquadsProcedure, &ListSquadsRequest{})
	if len(squads.Squads) != 0 {
		t.Errorf("expected no squads after delete, got %d", len(squads.Squads))
	}

	others := mustCall[ListFriendsRequest, ListFriendsResponse](t, env, bob, FriendListFriendsProcedure, &ListFriendsRequest{})
	if len(others.Friends) != 0 {
		t.Errorf("expected bob to see no friends, got %d", len(others.Friends))
	}
}

func TestReceiptService_Extract(t *testing.T) {
	env := setupTestServer(t)

	_, err := call[ExtractRequest, ExtractResponse](t, env, guest, ReceiptExtractProcedure, &ExtractRequest{DataURI: dataURI("img")})
	expectCode(t, err, connect.CodeUnauthenticated)

	resp := mustCall[ExtractRequest, ExtractResponse](t, env, alice, ReceiptExtractProcedure, &ExtractRequest{DataURI: dataURI("img")})
	if len(resp.BillData.Items) != 2 || !resp.BillData.Tax.Equal(models.MustMoney("2.5")) {
		t.Errorf("unexpected bill data %+v", resp.BillData)
	}

	_, err = call[ExtractRequest, ExtractResponse](t, env, alice, ReceiptExtractProcedure, &ExtractRequest{DataURI: "data:text/plain;base64,aGk="})
	expectCode(t, err, connect.CodeInvalidArgument)
}

func TestServer_SweepKeepsForegroundEdits(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	mutate(t, env, alice, Op{Type: OpAddItem, Name: "Soup", Price: "6"})
	mustCall[BackgroundRequest, BackgroundResponse](t, env, alice, SessionBackgroundProcedure, &BackgroundRequest{})
	mustCall[GetActiveRequest, SessionResponse](t, env, alice, SessionGetActiveProcedure, &GetActiveRequest{})
	// Still inside the debounce window, so the stored row looks stale.
	mutate(t, env, alice, Op{Type: OpAddItem, Name: "Salad", Price: "9"})

	sw := sweeper.New(env.store, sweeper.Config{
		IdleTimeout: 20 * time.Minute,
		Archive:     env.server.ArchiveOwner,
		Clock:       func() time.Time { return time.Now().Add(time.Hour) },
	})
	res, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if res.Archived != 0 {
		t.Fatalf("expected the foreground session to be kept, got %+v", res)
	}
	active := mustCall[GetActiveRequest, SessionResponse](t, env, alice, SessionGetActiveProcedure, &GetActiveRequest{})
	if active.Session == nil {
		t.Fatal("expected the working copy to survive the sweep")
	}
	itemID(t, active.Session.Bill, "Salad")

	mustCall[BackgroundRequest, BackgroundResponse](t, env, alice, SessionBackgroundProcedure, &BackgroundRequest{})
	res, err = sw.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if res.Archived != 1 {
		t.Fatalf("expected the backgrounded session to be archived, got %+v", res)
	}
	saved := mustCall[ListSavedRequest, ListSavedResponse](t, env, alice, SessionListSavedProcedure, &ListSavedRequest{})
	if len(saved.Sessions) != 1 {
		t.Fatalf("expected one saved session, got %d", len(saved.Sessions))
	}
	itemID(t, saved.Sessions[0].Bill, "Soup")
	itemID(t, saved.Sessions[0].Bill, "Salad")

	archived, err := env.server.ArchiveOwner(ctx, "nobody", time.Now())
	if err != nil || archived {
		t.Errorf("expected archiving an owner without sessions to be a no-op, got %v, %v", archived, err)
	}
}

func TestServer_EndedCollabSessionsReleaseClients(t *testing.T) {
	env := setupTestServer(t)

	for i := 0; i < 5; i++ {
		created := mustCall[CreateCollabRequest, CollabResponse](t, env, alice, CollabCreateProcedure, &CreateCollabRequest{})
		cs := created.Session
		mustCall[CollabRequest, CollabResponse](t, env, alice, CollabGetProcedure, &CollabRequest{SessionID: cs.ID, ShareCode: cs.ShareCode})
		mustCall[EndRequest, CollabResponse](t, env, alice, CollabEndProcedure, &EndRequest{SessionID: cs.ID})
	}
	if n := env.server.clients.reg.len(); n != 0 {
		t.Errorf("expected ended sessions to release their clients, %d still open", n)
	}

	t.Run("ended elsewhere", func(t *testing.T) {
		created := mustCall[CreateCollabRequest, CollabResponse](t, env, alice, CollabCreateProcedure, &CreateCollabRequest{})
		cs := created.Session
		mustCall[CollabRequest, CollabResponse](t, env, alice, CollabGetProcedure, &CollabRequest{SessionID: cs.ID, ShareCode: cs.ShareCode})
		if _, err := env.store.EndCollabSession(context.Background(), cs.ID, time.Now()); err != nil {
			t.Fatalf("EndCollabSession failed: %v", err)
		}

		deadline := time.Now().Add(2 * time.Second)
		for env.server.clients.reg.len() != 0 {
			if time.Now().After(deadline) {
				t.Fatal("client was not released after the session ended")
			}
			time.Sleep(10 * time.Millisecond)
		}

		got := mustCall[CollabRequest, CollabResponse](t, env, alice, CollabGetProcedure, &CollabRequest{SessionID: cs.ID, ShareCode: cs.ShareCode})
		if !got.Session.Ended() {
			t.Error("expected Get to report the ended session")
		}
	})
}

func TestServer_EvictIdle(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	mutate(t, env, alice, Op{Type: OpAddItem, Name: "Curry", Price: "15"})
	created := mustCall[CreateCollabRequest, CollabResponse](t, env, bob, CollabCreateProcedure, &CreateCollabRequest{})
	cs := created.Session
	mustCall[CollabRequest, CollabResponse](t, env, bob, CollabGetProcedure, &CollabRequest{SessionID: cs.ID, ShareCode: cs.ShareCode})

	env.server.EvictIdle(ctx, time.Now().Add(-time.Hour))
	if env.server.managers.reg.len() != 1 || env.server.clients.reg.len() != 1 {
		t.Fatal("expected recently used entries to stay")
	}

	env.server.EvictIdle(ctx, time.Now().Add(time.Minute))
	if env.server.managers.reg.len() != 0 || env.server.clients.reg.len() != 0 {
		t.Fatalf("expected idle entries evicted, got %d managers and %d clients",
			env.server.managers.reg.len(), env.server.clients.reg.len())
	}

	// Eviction flushes the pending edit.
	stored, err := env.store.GetActiveSession(ctx, alice.userID)
	if err != nil {
		t.Fatalf("GetActiveSession failed: %v", err)
	}
	itemID(t, stored.Bill, "Curry")
}
