package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jsusurcia/pryGobierno-sub000/middleware"
	"github.com/jsusurcia/pryGobierno-sub000/model"
	"github.com/jsusurcia/pryGobierno-sub000/service"
)

// ContractService is the slice of the signing workflow the HTTP layer drives.
type ContractService interface {
	CreateContract(ctx context.Context, req service.CreateContractRequest) (string, error)
	SignContract(ctx context.Context, req service.SignRequest) error
	RejectContract(ctx context.Context, contractID, userID, reason string) error

	PendingForUser(ctx context.Context, userID string) ([]model.Contract, error)
	CreatedByUser(ctx context.Context, userID string) ([]model.Contract, error)
	SignedByUser(ctx context.Context, userID string) ([]model.Contract, error)
	AllContracts(ctx context.Context) ([]model.Contract, error)
	HistoryOf(ctx context.Context, contractID string) (model.ContractHistory, error)

	DocumentLink(ctx context.Context, contractID string) (string, error)
	Document(ctx context.Context, contractID string) ([]byte, error)
	Notifications(ctx context.Context, userID string) ([]model.Notification, error)
}

type ContractHandler struct {
	svc            ContractService
	maxUploadBytes int64
}

func NewContractHandler(svc ContractService, maxUploadMB int) *ContractHandler {
	if maxUploadMB <= 0 {
		maxUploadMB = 20
	}
	return &ContractHandler{
		svc:            svc,
		maxUploadBytes: int64(maxUploadMB) << 20,
	}
}

// Create handles the multipart contract upload and starts the circulation
func (h *ContractHandler) Create(c *gin.Context) {
	userID := middleware.GetUserID(c)

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		badRequest(c, "No file provided")
		return
	}
	defer file.Close()

	if ext := strings.ToLower(filepath.Ext(header.Filename)); ext != ".pdf" {
		badRequest(c, "Only PDF files are allowed")
		return
	}
	if header.Size > h.maxUploadBytes {
		badRequest(c, fmt.Sprintf("File exceeds the %d MB limit", h.maxUploadBytes>>20))
		return
	}

	doc, err := io.ReadAll(io.LimitReader(file, h.maxUploadBytes+1))
	if err != nil {
		badRequest(c, "Failed to read file")
		return
	}
	if int64(len(doc)) > h.maxUploadBytes {
		badRequest(c, fmt.Sprintf("File exceeds the %d MB limit", h.maxUploadBytes>>20))
		return
	}

	var signers []model.Signer
	if raw := c.PostForm("signers"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &signers); err != nil {
			badRequest(c, "signers must be a JSON list of {\"user_id\", \"order\"}")
			return
		}
	}

	id, err := h.svc.CreateContract(c.Request.Context(), service.CreateContractRequest{
		Title:          c.PostForm("title"),
		Description:    c.PostForm("description"),
		Document:       doc,
		CreatorID:      userID,
		Signers:        signers,
		SignatureImage: c.PostForm("signature"),
		SealImage:      c.PostForm("seal"),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":     id,
		"status": model.StatusPending,
	})
}

type signRequest struct {
	Signature string `json:"signature" form:"signature"`
	Seal      string `json:"seal" form:"seal"`
}

// Sign records the caller's signature on the contract
func (h *ContractHandler) Sign(c *gin.Context) {
	var req signRequest
	if err := c.ShouldBind(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}

	err := h.svc.SignContract(c.Request.Context(), service.SignRequest{
		ContractID:     c.Param("id"),
		UserID:         middleware.GetUserID(c),
		SignatureImage: req.Signature,
		SealImage:      req.Seal,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Contract signed"})
}

type rejectRequest struct {
	Reason string `json:"reason" form:"reason"`
}

// Reject stops the circulation with the caller's reason
func (h *ContractHandler) Reject(c *gin.Context) {
	var req rejectRequest
	if err := c.ShouldBind(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}

	if err := h.svc.RejectContract(c.Request.Context(), c.Param("id"), middleware.GetUserID(c), req.Reason); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Contract rejected"})
}

// List returns every contract
func (h *ContractHandler) List(c *gin.Context) {
	h.listWith(c, func(ctx context.Context, _ string) ([]model.Contract, error) {
		return h.svc.AllContracts(ctx)
	})
}

// Pending returns contracts waiting for the caller's signature
func (h *ContractHandler) Pending(c *gin.Context) {
	h.listWith(c, h.svc.PendingForUser)
}

// Created returns contracts the caller created
func (h *ContractHandler) Created(c *gin.Context) {
	h.listWith(c, h.svc.CreatedByUser)
}

// Signed returns contracts the caller has signed
func (h *ContractHandler) Signed(c *gin.Context) {
	h.listWith(c, h.svc.SignedByUser)
}

func (h *ContractHandler) listWith(c *gin.Context, list func(context.Context, string) ([]model.Contract, error)) {
	contracts, err := list(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	result := make([]gin.H, len(contracts))
	for i, contract := range contracts {
		result[i] = contractView(contract)
	}

	c.JSON(http.StatusOK, gin.H{"contracts": result})
}

func contractView(contract model.Contract) gin.H {
	return gin.H{
		"id":           contract.ID,
		"title":        contract.Title,
		"description":  contract.Description,
		"status":       contract.Status,
		"status_label": contract.Status.Label(),
		"created_by":   contract.CreatedBy,
		"created_at":   contract.CreatedAt.Format(time.RFC3339),
	}
}

// History returns the contract with its signers and rejection log
func (h *ContractHandler) History(c *gin.Context) {
	history, err := h.svc.HistoryOf(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"contract":       contractView(history.Contract),
		"signers":        history.Signers,
		"rejections":     history.Rejections,
		"current_signer": history.CurrentSigner,
	})
}

// Document redirects to a presigned link when the store supports it and
// streams the current PDF otherwise
func (h *ContractHandler) Document(c *gin.Context) {
	id := c.Param("id")

	link, err := h.svc.DocumentLink(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if link != "" {
		c.Redirect(http.StatusFound, link)
		return
	}

	data, err := h.svc.Document(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", id+".pdf"))
	c.Data(http.StatusOK, "application/pdf", data)
}

// Notifications returns the caller's inbox, newest first
func (h *ContractHandler) Notifications(c *gin.Context) {
	list, err := h.svc.Notifications(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"notifications": list})
}
