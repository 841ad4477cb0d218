package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jsusurcia/pryGobierno-sub000/model"
)

var testPDF = []byte("%PDF-1.4\nfake body\n%%EOF\n")

// stubAnnotator appends a marker per stamp instead of rendering anything.
type stubAnnotator struct {
	mu     sync.Mutex
	stamps []Stamp
	err    error
}

func (a *stubAnnotator) Validate(doc []byte) bool {
	return bytes.HasPrefix(doc, []byte("%PDF-"))
}

func (a *stubAnnotator) Annotate(doc []byte, stamp Stamp) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	a.stamps = append(a.stamps, stamp)
	out := append([]byte{}, doc...)
	return append(out, fmt.Sprintf("stamp slot=%d name=%s\n", stamp.Slot, stamp.DisplayName)...), nil
}

type mapDirectory struct {
	users map[string]model.UserProfile
	roles map[string]model.Role
}

func (d mapDirectory) ResolveUser(_ context.Context, id string) (model.UserProfile, error) {
	u, ok := d.users[id]
	if !ok {
		return model.UserProfile{}, ErrNotFound
	}
	return u, nil
}

func (d mapDirectory) ResolveRole(_ context.Context, id string) (model.Role, error) {
	r, ok := d.roles[id]
	if !ok {
		return model.Role{}, ErrNotFound
	}
	return r, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []model.Notification
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, n model.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func (r *recordingNotifier) count(userID, title string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.UserID == userID && s.Title == title {
			n++
		}
	}
	return n
}

type failingDownloads struct {
	*MemoryBlobStore
	err error
}

func (f failingDownloads) Download(context.Context, string) ([]byte, error) {
	return nil, f.err
}

type conflictingRepo struct {
	*MemoryStore
}

func (conflictingRepo) CommitSignature(context.Context, SignatureCommit) error {
	return ErrConflict
}

type fixture struct {
	svc       *SigningService
	store     *MemoryStore
	blobs     *MemoryBlobStore
	annotator *stubAnnotator
	notifier  *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := mapDirectory{
		users: map[string]model.UserProfile{
			"creator": {ID: "creator", DisplayName: "Carla Creator", RoleID: "clerk"},
			"notary":  {ID: "notary", DisplayName: "Nadia Notary", RoleID: "notary"},
			"u1":      {ID: "u1", DisplayName: "User One", RoleID: "clerk"},
			"u2":      {ID: "u2", DisplayName: "User Two", RoleID: "clerk"},
			"u3":      {ID: "u3", DisplayName: "User Three", RoleID: "director"},
			"u4":      {ID: "u4", DisplayName: "User Four"},
		},
		roles: map[string]model.Role{
			"clerk":    {ID: "clerk", Label: "Clerk"},
			"director": {ID: "director", Label: "Director", RequiresSeal: true},
			"notary":   {ID: "notary", Label: "Notary", RequiresSeal: true},
		},
	}

	f := &fixture{
		store:     NewMemoryStore(),
		blobs:     NewMemoryBlobStore(),
		annotator: &stubAnnotator{},
		notifier:  &recordingNotifier{},
	}
	f.svc = NewSigningService(f.store, f.blobs, f.annotator, dir, f.notifier)

	clock := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return f
}

func (f *fixture) create(t *testing.T, signers ...string) string {
	t.Helper()
	req := CreateContractRequest{
		Title:          "Supply agreement",
		Document:       testPDF,
		CreatorID:      "creator",
		SignatureImage: "sig-creator",
	}
	for i, id := range signers {
		req.Signers = append(req.Signers, model.Signer{UserID: id, Order: i + 1})
	}
	id, err := f.svc.CreateContract(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateContract failed: %v", err)
	}
	return id
}

func (f *fixture) sign(id, user string) error {
	req := SignRequest{ContractID: id, UserID: user, SignatureImage: "sig-" + user}
	if user == "u3" || user == "notary" {
		req.SealImage = "seal-" + user
	}
	return f.svc.SignContract(context.Background(), req)
}

func expectKind(t *testing.T, err error, want Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected %s error, got nil", want)
	}
	if got := KindOf(err); got != want {
		t.Fatalf("Expected %s error, got %s (%v)", want, got, err)
	}
}

func TestCreateContract(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "u1", "u2")

	c, err := f.store.GetContract(context.Background(), id)
	if err != nil {
		t.Fatalf("GetContract failed: %v", err)
	}
	if c.Status != model.StatusPending {
		t.Errorf("Expected status P, got %s", c.Status)
	}
	if c.CreatedBy != "creator" {
		t.Errorf("Expected creator, got %s", c.CreatedBy)
	}

	doc, err := f.blobs.Download(context.Background(), c.DocumentURL)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if !strings.Contains(string(doc), "stamp slot=0 name=Carla Creator") {
		t.Errorf("Expected creator stamp in slot 0, got %q", doc)
	}

	if got := f.notifier.count("u1", "Contract awaiting your signature"); got != 1 {
		t.Errorf("Expected 1 turn notification for u1, got %d", got)
	}
	if got := f.notifier.count("u2", "Contract awaiting your signature"); got != 0 {
		t.Errorf("Expected no turn notification for u2, got %d", got)
	}
}

func TestCreateContractValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateContractRequest)
	}{
		{"empty title", func(r *CreateContractRequest) { r.Title = "  " }},
		{"no signers", func(r *CreateContractRequest) { r.Signers = nil }},
		{"missing signature", func(r *CreateContractRequest) { r.SignatureImage = "" }},
		{"not a pdf", func(r *CreateContractRequest) { r.Document = []byte("hello") }},
		{"order gap", func(r *CreateContractRequest) { r.Signers[1].Order = 3 }},
		{"order zero", func(r *CreateContractRequest) { r.Signers[0].Order = 0 }},
		{"duplicate order", func(r *CreateContractRequest) { r.Signers[1].Order = 1 }},
		{"duplicate user", func(r *CreateContractRequest) { r.Signers[1].UserID = "u1" }},
		{"unknown signer", func(r *CreateContractRequest) { r.Signers[1].UserID = "ghost" }},
		{"unknown creator", func(r *CreateContractRequest) { r.CreatorID = "ghost" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := CreateContractRequest{
				Title:          "Lease",
				Document:       testPDF,
				CreatorID:      "creator",
				SignatureImage: "sig",
				Signers:        []model.Signer{{UserID: "u1", Order: 1}, {UserID: "u2", Order: 2}},
			}
			tt.mutate(&req)

			_, err := f.svc.CreateContract(context.Background(), req)
			expectKind(t, err, KindValidation)
			if f.store.Count() != 0 {
				t.Errorf("Expected no contract persisted, got %d", f.store.Count())
			}
			if f.blobs.Len() != 0 {
				t.Errorf("Expected no document uploaded, got %d", f.blobs.Len())
			}
		})
	}
}

func TestCreateContractRequiresCreatorSeal(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateContract(context.Background(), CreateContractRequest{
		Title:          "Deed",
		Document:       testPDF,
		CreatorID:      "notary",
		SignatureImage: "sig",
		Signers:        []model.Signer{{UserID: "u1", Order: 1}},
	})
	expectKind(t, err, KindValidation)
	if f.store.Count() != 0 {
		t.Errorf("Expected no contract persisted, got %d", f.store.Count())
	}

	id, err := f.svc.CreateContract(context.Background(), CreateContractRequest{
		Title:          "Deed",
		Document:       testPDF,
		CreatorID:      "notary",
		SignatureImage: "sig",
		SealImage:      "seal",
		Signers:        []model.Signer{{UserID: "u1", Order: 1}},
	})
	if err != nil {
		t.Fatalf("Expected create with seal to succeed: %v", err)
	}
	if id == "" {
		t.Error("Expected contract id")
	}
}

func TestSignOutOfTurn(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "u1", "u2", "u3")

	err := f.sign(id, "u2")
	expectKind(t, err, KindState)
	if Message(err) != "not your turn yet" {
		t.Errorf("Expected turn message, got %q", Message(err))
	}

	signers, _ := f.store.ListSigners(context.Background(), id)
	for _, a := range signers {
		if a.Signed {
			t.Errorf("Expected no signatures, %s is signed", a.UserID)
		}
	}
}

func TestSignInOrderFinalizes(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "u1", "u2", "u3")

	for i, user := range []string{"u1", "u2", "u3"} {
		c, _ := f.store.GetContract(context.Background(), id)
		if c.Status != model.StatusPending {
			t.Fatalf("Expected pending before signer %d, got %s", i+1, c.Status)
		}
		if err := f.sign(id, user); err != nil {
			t.Fatalf("Sign as %s failed: %v", user, err)
		}
	}

	c, _ := f.store.GetContract(context.Background(), id)
	if c.Status != model.StatusFinalized {
		t.Errorf("Expected finalized, got %s", c.Status)
	}
	for _, user := range []string{"u1", "u2", "u3"} {
		if got := f.notifier.count(user, "Contract finalized"); got != 1 {
			t.Errorf("Expected 1 finalized notification for %s, got %d", user, got)
		}
	}
	if got := f.notifier.count("creator", "Contract finalized"); got != 0 {
		t.Errorf("Expected creator not notified of finalization, got %d", got)
	}

	doc, _ := f.blobs.Download(context.Background(), c.DocumentURL)
	for slot, name := range []string{"Carla Creator", "User One", "User Two", "User Three"} {
		want := fmt.Sprintf("stamp slot=%d name=%s", slot, name)
		if !strings.Contains(string(doc), want) {
			t.Errorf("Expected %q in final document", want)
		}
	}

	expectKind(t, f.sign(id, "u3"), KindState)
}

func TestSignNotifiesNextSigner(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "u1", "u3")

	if err := f.sign(id, "u1"); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if got := f.notifier.count("u3", "Contract awaiting your signature"); got != 1 {
		t.Fatalf("Expected u3 to be notified once, got %d", got)
	}

	var msg string
	for _, n := range f.notifier.sent {
		if n.UserID == "u3" {
			msg = n.Message
			if n.RefType != model.RefTypeContract || n.RefID != id {
				t.Errorf("Expected contract reference, got %s/%s", n.RefType, n.RefID)
			}
		}
	}
	if !strings.Contains(msg, "as Director") {
		t.Errorf("Expected role label in message, got %q", msg)
	}
}

func TestRejectContract(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "u1", "u2", "u3")

	if err := f.sign(id, "u1"); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if err := f.svc.RejectContract(context.Background(), id, "u2", "incomplete data"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	c, _ := f.store.GetContract(context.Background(), id)
	if c.Status != model.StatusRejected {
		t.Errorf("Expected rejected, got %s", c.Status)
	}

	for _, user := range []string{"u1", "u3", "creator"} {
		if got := f.notifier.count(user, "Contract rejected"); got != 1 {
			t.Errorf("Expected 1 rejection notification for %s, got %d", user, got)
		}
	}
	if got := f.notifier.count("u2", "Contract rejected"); got != 0 {
		t.Errorf("Expected rejecter not notified, got %d", got)
	}

	h, err := f.svc.HistoryOf(context.Background(), id)
	if err != nil {
		t.Fatalf("HistoryOf failed: %v", err)
	}
	if len(h.Rejections) != 1 || h.Rejections[0].Reason != "incomplete data" {
		t.Errorf("Expected one rejection record, got %+v", h.Rejections)
	}
	if h.CurrentSigner != "" {
		t.Errorf("Expected no current signer, got %s", h.CurrentSigner)
	}
}

func TestRejectedContractIsFinal(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "u1", "u2", "u3")

	if err := f.svc.RejectContract(context.Background(), id, "u1", "wrong amount"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	for _, user := range []string{"u1", "u2", "u3", "creator"} {
		err := f.sign(id, user)
		expectKind(t, err, KindState)
		err = f.svc.RejectContract(context.Background(), id, user, "again")
		expectKind(t, err, KindState)
	}

	rejections, _ := f.store.ListRejections(context.Background(), id)
	if len(rejections) != 1 {
		t.Errorf("Expected 1 rejection record, got %d", len(rejections))
	}
}

func TestRejectValidation(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "u1", "u2")

	expectKind(t, f.svc.RejectContract(context.Background(), id, "u1", "   "), KindValidation)
	expectKind(t, f.svc.RejectContract(context.Background(), id, "u2", "too early"), KindState)
	expectKind(t, f.svc.RejectContract(context.Background(), id, "u4", "outsider"), KindState)
	expectKind(t, f.svc.RejectContract(context.Background(), "missing", "u1", "gone"), KindState)
}

func TestSignErrors(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "u3", "u1")

	err := f.svc.SignContract(context.Background(), SignRequest{ContractID: id, UserID: "u3"})
	expectKind(t, err, KindValidation)

	err = f.svc.SignContract(context.Background(), SignRequest{ContractID: id, UserID: "u3", SignatureImage: "sig"})
	expectKind(t, err, KindValidation)

	expectKind(t, f.sign(id, "u4"), KindState)
	expectKind(t, f.sign("missing", "u1"), KindState)

	if err := f.sign(id, "u3"); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	err = f.sign(id, "u3")
	expectKind(t, err, KindState)
	if Message(err) != "you have already signed this contract" {
		t.Errorf("Unexpected message %q", Message(err))
	}
}

// Every permutation of sign attempts succeeds exactly when the signer is next in order.
func TestTurnOrderPermutations(t *testing.T) {
	users := []string{"u1", "u2", "u4", "creator"}

	var permute func([]int, int, func([]int))
	permute = func(a []int, k int, visit func([]int)) {
		if k == len(a) {
			visit(append([]int{}, a...))
			return
		}
		for i := k; i < len(a); i++ {
			a[k], a[i] = a[i], a[k]
			permute(a, k+1, visit)
			a[k], a[i] = a[i], a[k]
		}
	}

	permute([]int{0, 1, 2, 3}, 0, func(seq []int) {
		f := newFixture(t)
		id := f.create(t, users...)

		signed := 0
		for _, idx := range seq {
			err := f.sign(id, users[idx])
			mayAct := idx == signed
			if mayAct && err != nil {
				t.Fatalf("seq %v: %s should sign, got %v", seq, users[idx], err)
			}
			if !mayAct {
				expectKind(t, err, KindState)
				continue
			}
			signed++

			c, _ := f.store.GetContract(context.Background(), id)
			finalized := c.Status == model.StatusFinalized
			if finalized != (signed == len(users)) {
				t.Fatalf("seq %v: after %d signatures status is %s", seq, signed, c.Status)
			}
		}
	})
}

func TestDownloadFailureLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "u1", "u2")
	before, _ := f.store.GetContract(context.Background(), id)

	f.svc.blobs = failingDownloads{MemoryBlobStore: f.blobs, err: errors.New("connection reset")}
	err := f.sign(id, "u1")
	expectKind(t, err, KindConnectivity)
	if !KindOf(err).Retryable() {
		t.Error("Expected connectivity errors to be retryable")
	}

	after, _ := f.store.GetContract(context.Background(), id)
	if after.DocumentURL != before.DocumentURL {
		t.Errorf("Expected document url unchanged, got %s", after.DocumentURL)
	}
	signers, _ := f.store.ListSigners(context.Background(), id)
	if signers[0].Signed {
		t.Error("Expected u1 to remain unsigned")
	}
}

func TestAnnotationFailure(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "u1")

	f.annotator.err = errors.New("bad image")
	expectKind(t, f.sign(id, "u1"), KindProcessing)

	c, _ := f.store.GetContract(context.Background(), id)
	if c.Status != model.StatusPending {
		t.Errorf("Expected pending, got %s", c.Status)
	}
}

func TestCommitConflict(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "u1")

	f.svc.repo = conflictingRepo{MemoryStore: f.store}
	uploads := f.blobs.Len()

	err := f.sign(id, "u1")
	expectKind(t, err, KindState)
	if f.blobs.Len() != uploads+1 {
		t.Errorf("Expected the signed document to be uploaded once, got %d new", f.blobs.Len()-uploads)
	}
}

func TestNotificationFailureDoesNotFailSign(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "u1", "u2")

	f.notifier.err = errors.New("inbox down")
	if err := f.sign(id, "u1"); err != nil {
		t.Fatalf("Expected sign to succeed, got %v", err)
	}
}

func TestConcurrentSignsSingleWinner(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "u1", "u2")

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.sign(id, "u1")
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		if KindOf(err) != KindState {
			t.Errorf("Expected state error, got %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("Expected exactly 1 successful sign, got %d", ok)
	}
	if f.svc.locks.size() != 0 {
		t.Errorf("Expected locks released, %d held", f.svc.locks.size())
	}
}

func TestListings(t *testing.T) {
	f := newFixture(t)
	first := f.create(t, "u1", "u2")
	second := f.create(t, "u2", "u1")

	if err := f.sign(first, "u1"); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	ctx := context.Background()
	pending, err := f.svc.PendingForUser(ctx, "u2")
	if err != nil {
		t.Fatalf("PendingForUser failed: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("Expected 2 contracts awaiting u2, got %d", len(pending))
	}

	pending, _ = f.svc.PendingForUser(ctx, "u1")
	if len(pending) != 0 {
		t.Errorf("Expected nothing awaiting u1, got %d", len(pending))
	}

	signed, _ := f.svc.SignedByUser(ctx, "u1")
	if len(signed) != 1 || signed[0].ID != first {
		t.Errorf("Expected u1 to have signed %s, got %+v", first, signed)
	}

	created, _ := f.svc.CreatedByUser(ctx, "creator")
	if len(created) != 2 || created[0].ID != second {
		t.Errorf("Expected 2 created contracts newest first, got %+v", created)
	}

	all, _ := f.svc.AllContracts(ctx)
	if len(all) != 2 {
		t.Errorf("Expected 2 contracts, got %d", len(all))
	}

	none, _ := f.svc.CreatedByUser(ctx, "u4")
	if none == nil || len(none) != 0 {
		t.Errorf("Expected empty non-nil list, got %#v", none)
	}

	h, err := f.svc.HistoryOf(ctx, first)
	if err != nil {
		t.Fatalf("HistoryOf failed: %v", err)
	}
	if h.CurrentSigner != "u2" {
		t.Errorf("Expected current signer u2, got %q", h.CurrentSigner)
	}
	if len(h.Signers) != 2 || !h.Signers[0].Signed || h.Signers[0].SignedAt == nil {
		t.Errorf("Expected first signer settled, got %+v", h.Signers)
	}

	_, err = f.svc.HistoryOf(ctx, "missing")
	expectKind(t, err, KindState)
}

func TestDocumentAccess(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "u1")

	link, err := f.svc.DocumentLink(context.Background(), id)
	if err != nil {
		t.Fatalf("DocumentLink failed: %v", err)
	}
	if link != "" {
		t.Errorf("Expected no presigned link from memory store, got %s", link)
	}

	doc, err := f.svc.Document(context.Background(), id)
	if err != nil {
		t.Fatalf("Document failed: %v", err)
	}
	if !bytes.HasPrefix(doc, testPDF) {
		t.Error("Expected stored document to start with the uploaded pdf")
	}

	_, err = f.svc.Document(context.Background(), "missing")
	expectKind(t, err, KindState)
}
