package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jsusurcia/pryGobierno-sub000/model"
	"github.com/jsusurcia/pryGobierno-sub000/pkg/logger"
)

// SigningService runs the sequential signing workflow. It is the only writer
// of contracts, signer assignments and rejection records.
//
// Mutations on one contract are serialized in-process by a per-contract lock;
// across processes the repository's compare-and-set commits keep a single
// active turn.
type SigningService struct {
	repo      Repository
	blobs     BlobStore
	annotator Annotator
	directory Directory
	notifier  Notifier
	locks     *keyedMutex
	now       func() time.Time
	newID     func() string
}

func NewSigningService(repo Repository, blobs BlobStore, annotator Annotator, directory Directory, notifier Notifier) *SigningService {
	return &SigningService{
		repo:      repo,
		blobs:     blobs,
		annotator: annotator,
		directory: directory,
		notifier:  notifier,
		locks:     newKeyedMutex(),
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// CreateContractRequest carries everything needed to start a circulation.
type CreateContractRequest struct {
	Title          string
	Description    string
	Document       []byte
	CreatorID      string
	Signers        []model.Signer
	SignatureImage string
	SealImage      string
}

// SignRequest is one signer's signature submission.
type SignRequest struct {
	ContractID     string
	UserID         string
	SignatureImage string
	SealImage      string
}

// CreateContract stamps the creator's signature, stores the document and
// opens the circulation with the signer at order 1.
func (s *SigningService) CreateContract(ctx context.Context, req CreateContractRequest) (string, error) {
	const op = "CreateContract"

	title := strings.TrimSpace(req.Title)
	if title == "" {
		return "", validationError(op, "a title is required")
	}
	if len(req.Signers) == 0 {
		return "", validationError(op, "at least one signer is required")
	}
	if err := validateSigners(req.Signers); err != nil {
		return "", validationError(op, err.Error())
	}
	if strings.TrimSpace(req.SignatureImage) == "" {
		return "", validationError(op, "your signature is required to create a contract")
	}
	if !s.annotator.Validate(req.Document) {
		return "", validationError(op, "the document is not a valid PDF")
	}

	creator, role, err := s.resolveUser(ctx, op, req.CreatorID)
	if err != nil {
		return "", err
	}
	if role.RequiresSeal && strings.TrimSpace(req.SealImage) == "" {
		return "", validationError(op, fmt.Sprintf("your role (%s) requires an institutional seal", role.Label))
	}
	for _, signer := range req.Signers {
		if _, _, err := s.resolveUser(ctx, op, signer.UserID); err != nil {
			return "", err
		}
	}

	id := s.newID()
	ctx = logger.WithContractID(ctx, id)
	now := s.now()

	annotated, err := s.annotator.Annotate(req.Document, Stamp{
		SignatureImage: req.SignatureImage,
		SealImage:      req.SealImage,
		DisplayName:    creator.DisplayName,
		Slot:           0,
		SignedAt:       now,
	})
	if err != nil {
		return "", processingError(op, "could not stamp your signature on the document", err)
	}

	url, err := s.blobs.Upload(ctx, documentFilename(id, 0), annotated)
	if err != nil {
		return "", connectivityError(op, "document storage is unavailable, please retry", err)
	}

	contract := model.Contract{
		ID:          id,
		Title:       title,
		Description: strings.TrimSpace(req.Description),
		DocumentURL: url,
		Status:      model.StatusPending,
		CreatedBy:   req.CreatorID,
		CreatedAt:   now,
	}
	assignments := make([]model.SignerAssignment, len(req.Signers))
	for i, signer := range req.Signers {
		assignments[i] = model.SignerAssignment{ContractID: id, UserID: signer.UserID, Order: signer.Order}
	}
	model.SortByOrder(assignments)

	if err := s.repo.CreateContract(ctx, contract, assignments); err != nil {
		logger.Warn(ctx, "uploaded document left orphaned", "url", url, "error", err)
		return "", connectivityError(op, "could not save the contract, please retry", err)
	}

	logger.Info(ctx, "contract created", "signers", len(assignments))
	s.notifyTurn(ctx, contract, assignments[0])
	return id, nil
}

// SignContract stamps the signer's image onto the current document and
// advances the circulation, finalizing it after the last signer.
func (s *SigningService) SignContract(ctx context.Context, req SignRequest) error {
	const op = "SignContract"

	if strings.TrimSpace(req.SignatureImage) == "" {
		return validationError(op, "a signature image is required")
	}

	unlock := s.locks.Lock(req.ContractID)
	defer unlock()
	ctx = logger.WithContractID(ctx, req.ContractID)

	contract, signers, mine, err := s.loadTurn(ctx, op, req.ContractID, req.UserID)
	if err != nil {
		return err
	}

	user, role, err := s.resolveUser(ctx, op, req.UserID)
	if err != nil {
		return err
	}
	if role.RequiresSeal && strings.TrimSpace(req.SealImage) == "" {
		return validationError(op, fmt.Sprintf("your role (%s) requires an institutional seal", role.Label))
	}

	doc, err := s.blobs.Download(ctx, contract.DocumentURL)
	if err != nil {
		return connectivityError(op, "could not retrieve the current document, please retry", err)
	}

	now := s.now()
	annotated, err := s.annotator.Annotate(doc, Stamp{
		SignatureImage: req.SignatureImage,
		SealImage:      req.SealImage,
		DisplayName:    user.DisplayName,
		Slot:           mine.Order,
		SignedAt:       now,
	})
	if err != nil {
		return processingError(op, "could not stamp your signature on the document", err)
	}

	url, err := s.blobs.Upload(ctx, documentFilename(contract.ID, mine.Order), annotated)
	if err != nil {
		return connectivityError(op, "document storage is unavailable, please retry", err)
	}

	next, hasNext := model.NextAfter(signers, mine.Order)
	err = s.repo.CommitSignature(ctx, SignatureCommit{
		ContractID:  contract.ID,
		UserID:      req.UserID,
		ExpectedURL: contract.DocumentURL,
		DocumentURL: url,
		SignedAt:    now,
		Finalize:    !hasNext,
	})
	if err != nil {
		logger.Warn(ctx, "signed document left orphaned", "url", url, "error", err)
		return commitError(op, err)
	}
	contract.DocumentURL = url

	if !hasNext {
		contract.Status = model.StatusFinalized
		logger.Info(ctx, "contract finalized", "last_order", mine.Order)
		s.notifyFinalized(ctx, contract, signers)
		return nil
	}

	logger.Info(ctx, "contract signed", "order", mine.Order, "next_order", next.Order)
	s.notifyTurn(ctx, contract, next)
	return nil
}

// RejectContract stops the circulation. Only the signer whose turn it is may reject.
func (s *SigningService) RejectContract(ctx context.Context, contractID, userID, reason string) error {
	const op = "RejectContract"

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return validationError(op, "a rejection reason is required")
	}

	unlock := s.locks.Lock(contractID)
	defer unlock()
	ctx = logger.WithContractID(ctx, contractID)

	contract, signers, _, err := s.loadTurn(ctx, op, contractID, userID)
	if err != nil {
		return err
	}

	err = s.repo.CommitRejection(ctx, RejectionCommit{
		ContractID: contractID,
		UserID:     userID,
		Reason:     reason,
		RejectedAt: s.now(),
	})
	if err != nil {
		return commitError(op, err)
	}

	logger.Info(ctx, "contract rejected", "rejected_by", userID)

	name := userID
	if u, err := s.directory.ResolveUser(ctx, userID); err == nil {
		name = u.DisplayName
	}
	message := fmt.Sprintf("%s rejected %q: %s", name, contract.Title, reason)
	for _, recipient := range rejectionRecipients(contract, signers, userID) {
		s.notify(ctx, recipient, "Contract rejected", message, contract.ID)
	}
	return nil
}

// loadTurn reads the aggregate and checks that userID may act on it now.
func (s *SigningService) loadTurn(ctx context.Context, op, contractID, userID string) (model.Contract, []model.SignerAssignment, model.SignerAssignment, error) {
	var none model.SignerAssignment

	contract, err := s.repo.GetContract(ctx, contractID)
	if errors.Is(err, ErrNotFound) {
		return model.Contract{}, nil, none, stateError(op, "contract not found")
	}
	if err != nil {
		return model.Contract{}, nil, none, connectivityError(op, "could not load the contract, please retry", err)
	}

	switch contract.Status {
	case model.StatusFinalized:
		return contract, nil, none, stateError(op, "this contract has already been finalized")
	case model.StatusRejected:
		return contract, nil, none, stateError(op, "this contract has been rejected")
	}

	signers, err := s.repo.ListSigners(ctx, contractID)
	if err != nil {
		return contract, nil, none, connectivityError(op, "could not load the contract signers, please retry", err)
	}

	idx := indexOfSigner(signers, userID)
	if idx < 0 {
		return contract, signers, none, stateError(op, "you are not a signer of this contract")
	}
	mine := signers[idx]
	switch {
	case mine.Signed:
		return contract, signers, mine, stateError(op, "you have already signed this contract")
	case mine.Rejected:
		return contract, signers, mine, stateError(op, "you have already rejected this contract")
	case !model.MayAct(signers, mine.Order):
		return contract, signers, mine, stateError(op, "not your turn yet")
	}
	return contract, signers, mine, nil
}

// resolveUser looks up a user and their role. A missing role means no seal is needed.
func (s *SigningService) resolveUser(ctx context.Context, op, userID string) (model.UserProfile, model.Role, error) {
	user, err := s.directory.ResolveUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return model.UserProfile{}, model.Role{}, validationError(op, fmt.Sprintf("unknown user %q", userID))
	}
	if err != nil {
		return model.UserProfile{}, model.Role{}, connectivityError(op, "the user directory is unavailable, please retry", err)
	}
	if user.RoleID == "" {
		return user, model.Role{}, nil
	}

	role, err := s.directory.ResolveRole(ctx, user.RoleID)
	if errors.Is(err, ErrNotFound) {
		logger.Warn(ctx, "user has unknown role", "user", userID, "role", user.RoleID)
		return user, model.Role{ID: user.RoleID}, nil
	}
	if err != nil {
		return user, model.Role{}, connectivityError(op, "the user directory is unavailable, please retry", err)
	}
	return user, role, nil
}

func commitError(op string, err error) error {
	switch {
	case errors.Is(err, ErrConflict):
		return stateError(op, "the contract changed while you were working on it; refresh and try again")
	case errors.Is(err, ErrNotFound):
		return stateError(op, "contract not found")
	default:
		return connectivityError(op, "could not save your changes, please retry", err)
	}
}

func (s *SigningService) notifyTurn(ctx context.Context, contract model.Contract, a model.SignerAssignment) {
	message := fmt.Sprintf("It is your turn to sign %q.", contract.Title)
	if user, err := s.directory.ResolveUser(ctx, a.UserID); err == nil && user.RoleID != "" {
		if role, err := s.directory.ResolveRole(ctx, user.RoleID); err == nil && role.Label != "" {
			message = fmt.Sprintf("It is your turn to sign %q as %s.", contract.Title, role.Label)
		}
	}
	s.notify(ctx, a.UserID, "Contract awaiting your signature", message, contract.ID)
}

func (s *SigningService) notifyFinalized(ctx context.Context, contract model.Contract, signers []model.SignerAssignment) {
	message := fmt.Sprintf("All participants have signed %q.", contract.Title)
	for _, a := range signers {
		s.notify(ctx, a.UserID, "Contract finalized", message, contract.ID)
	}
}

// notify is best effort: failures are logged and never reach the caller.
func (s *SigningService) notify(ctx context.Context, userID, title, message, contractID string) {
	n := model.Notification{
		UserID:    userID,
		Title:     title,
		Message:   message,
		RefType:   model.RefTypeContract,
		RefID:     contractID,
		CreatedAt: s.now(),
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		logger.Warn(ctx, "notification failed", "recipient", userID, "error", err)
	}
}

// rejectionRecipients lists every assignment holder plus the creator, once
// each, without the rejecter.
func rejectionRecipients(contract model.Contract, signers []model.SignerAssignment, rejecter string) []string {
	seen := map[string]bool{rejecter: true}
	var out []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, a := range signers {
		add(a.UserID)
	}
	add(contract.CreatedBy)
	return out
}

// validateSigners checks that orders are exactly 1..N and users are distinct.
func validateSigners(signers []model.Signer) error {
	orders := make(map[int]bool, len(signers))
	users := make(map[string]bool, len(signers))
	for _, s := range signers {
		if strings.TrimSpace(s.UserID) == "" {
			return errors.New("every signer needs a user id")
		}
		if s.Order < 1 || s.Order > len(signers) {
			return fmt.Errorf("signer order %d is out of range 1..%d", s.Order, len(signers))
		}
		if orders[s.Order] {
			return fmt.Errorf("signer order %d is used more than once", s.Order)
		}
		if users[s.UserID] {
			return fmt.Errorf("user %q appears more than once in the signer list", s.UserID)
		}
		orders[s.Order] = true
		users[s.UserID] = true
	}
	return nil
}

func documentFilename(contractID string, order int) string {
	return fmt.Sprintf("%s/signed-%d.pdf", contractID, order)
}

// PendingForUser lists pending contracts where it is userID's turn.
func (s *SigningService) PendingForUser(ctx context.Context, userID string) ([]model.Contract, error) {
	return s.list(ctx, "PendingForUser", ContractFilter{AwaitingUser: userID})
}

// CreatedByUser lists contracts userID created.
func (s *SigningService) CreatedByUser(ctx context.Context, userID string) ([]model.Contract, error) {
	return s.list(ctx, "CreatedByUser", ContractFilter{CreatedBy: userID})
}

// SignedByUser lists contracts userID has signed.
func (s *SigningService) SignedByUser(ctx context.Context, userID string) ([]model.Contract, error) {
	return s.list(ctx, "SignedByUser", ContractFilter{SignedBy: userID})
}

// AllContracts lists every contract, newest first.
func (s *SigningService) AllContracts(ctx context.Context) ([]model.Contract, error) {
	return s.list(ctx, "AllContracts", ContractFilter{})
}

func (s *SigningService) list(ctx context.Context, op string, f ContractFilter) ([]model.Contract, error) {
	contracts, err := s.repo.ListContracts(ctx, f)
	if err != nil {
		return nil, connectivityError(op, "could not load contracts, please retry", err)
	}
	if contracts == nil {
		contracts = []model.Contract{}
	}
	return contracts, nil
}

// HistoryOf returns the contract with its ordered signers and rejection log.
func (s *SigningService) HistoryOf(ctx context.Context, contractID string) (model.ContractHistory, error) {
	const op = "HistoryOf"

	contract, err := s.repo.GetContract(ctx, contractID)
	if errors.Is(err, ErrNotFound) {
		return model.ContractHistory{}, stateError(op, "contract not found")
	}
	if err != nil {
		return model.ContractHistory{}, connectivityError(op, "could not load the contract, please retry", err)
	}
	signers, err := s.repo.ListSigners(ctx, contractID)
	if err != nil {
		return model.ContractHistory{}, connectivityError(op, "could not load the contract signers, please retry", err)
	}
	rejections, err := s.repo.ListRejections(ctx, contractID)
	if err != nil {
		return model.ContractHistory{}, connectivityError(op, "could not load the rejection history, please retry", err)
	}

	h := model.ContractHistory{Contract: contract, Signers: signers, Rejections: rejections}
	if h.Rejections == nil {
		h.Rejections = []model.RejectionRecord{}
	}
	if contract.Status == model.StatusPending {
		if current, ok := model.CurrentTurn(signers); ok {
			h.CurrentSigner = current.UserID
		}
	}
	return h, nil
}

// Notifications returns userID's inbox, newest first.
func (s *SigningService) Notifications(ctx context.Context, userID string) ([]model.Notification, error) {
	list, err := s.repo.ListNotifications(ctx, userID)
	if err != nil {
		return nil, connectivityError("Notifications", "could not load notifications, please retry", err)
	}
	if list == nil {
		list = []model.Notification{}
	}
	return list, nil
}

// DocumentLink returns a short-lived direct link to the current document, or
// "" when the blob store cannot presign.
func (s *SigningService) DocumentLink(ctx context.Context, contractID string) (string, error) {
	const op = "DocumentLink"

	contract, err := s.contractForRead(ctx, op, contractID)
	if err != nil {
		return "", err
	}
	p, ok := s.blobs.(Presigner)
	if !ok {
		return "", nil
	}
	link, err := p.PresignURL(ctx, contract.DocumentURL)
	if IsPermanent(err) {
		return "", nil
	}
	if err != nil {
		return "", connectivityError(op, "could not create a download link, please retry", err)
	}
	return link, nil
}

// Document returns the bytes of the current document version.
func (s *SigningService) Document(ctx context.Context, contractID string) ([]byte, error) {
	const op = "Document"

	contract, err := s.contractForRead(ctx, op, contractID)
	if err != nil {
		return nil, err
	}
	data, err := s.blobs.Download(ctx, contract.DocumentURL)
	if err != nil {
		return nil, connectivityError(op, "could not retrieve the document, please retry", err)
	}
	return data, nil
}

func (s *SigningService) contractForRead(ctx context.Context, op, contractID string) (model.Contract, error) {
	contract, err := s.repo.GetContract(ctx, contractID)
	if errors.Is(err, ErrNotFound) {
		return model.Contract{}, stateError(op, "contract not found")
	}
	if err != nil {
		return model.Contract{}, connectivityError(op, "could not load the contract, please retry", err)
	}
	return contract, nil
}
