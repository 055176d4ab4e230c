package controllers

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cppla/ecoreceipt/models"
	"github.com/cppla/ecoreceipt/services/apperr"
	"github.com/cppla/ecoreceipt/services/gamification"
	"github.com/cppla/ecoreceipt/services/pipeline"
	"github.com/cppla/ecoreceipt/services/store"
	"github.com/cppla/ecoreceipt/utils"
)

// ReceiptProcessor runs an upload through the pipeline.
type ReceiptProcessor interface {
	Process(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// ReceiptStore is the read and delete side of receipt persistence.
type ReceiptStore interface {
	GetReceiptsByUser(ctx context.Context, userID uint, p store.Pagination, f store.Filters) (*store.ReceiptPage, error)
	GetReceipt(ctx context.Context, receiptID, userID uint) (*models.Receipt, error)
	DeleteReceipt(ctx context.Context, receiptID, userID uint) (*models.Receipt, error)
}

// ReceiptController serves receipt upload, listing and deletion.
type ReceiptController struct {
	pipeline ReceiptProcessor
	store    ReceiptStore
	gamifier pipeline.Gamifier
	maxBytes int64
}

func NewReceiptController(p ReceiptProcessor, s ReceiptStore, g pipeline.Gamifier, maxImageBytes int64) *ReceiptController {
	return &ReceiptController{pipeline: p, store: s, gamifier: g, maxBytes: maxImageBytes}
}

type processRequest struct {
	ImageURL   string `json:"imageUrl"`
	ImageBytes []byte `json:"imageBytes"`
	ImageType  string `json:"imageType"`
	FileName   string `json:"fileName"`
}

// Process accepts a multipart "image" file or a JSON body carrying either
// base64 imageBytes or an imageUrl.
func (r *ReceiptController) Process(ctx *gin.Context) {
	userID, ok := currentUser(ctx)
	if !ok {
		return
	}

	req := pipeline.Request{UserID: userID, RequestID: ctx.GetString(utils.ContextRequestIDKey)}
	var err error
	if strings.HasPrefix(ctx.ContentType(), "multipart/") {
		err = r.bindMultipart(ctx, &req)
	} else {
		err = r.bindJSON(ctx, &req)
	}
	if err != nil {
		respondError(ctx, err)
		return
	}

	result, err := r.pipeline.Process(ctx.Request.Context(), req)
	if err != nil {
		respondError(ctx, err)
		return
	}
	utils.Respond(ctx, http.StatusCreated, utils.JSONResponse{Success: true, Code: 0, Message: "receipt processed", Data: result})
}

func (r *ReceiptController) bindMultipart(ctx *gin.Context, req *pipeline.Request) error {
	fh, err := ctx.FormFile("image")
	if err != nil {
		if isBodyTooLarge(err) {
			return apperr.ErrImageTooLarge
		}
		return apperr.Validation("image", "multipart field is required")
	}
	if r.maxBytes > 0 && fh.Size > r.maxBytes {
		return apperr.ErrImageTooLarge
	}
	data, err := readPart(fh)
	if err != nil {
		return apperr.Validation("image", "could not read upload")
	}
	req.Image = data
	req.FileName = utils.SanitizeText(fh.Filename)
	req.ImageType = fh.Header.Get("Content-Type")
	if req.ImageType == "" || req.ImageType == "application/octet-stream" {
		req.ImageType = http.DetectContentType(data)
	}
	return nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (r *ReceiptController) bindJSON(ctx *gin.Context, req *pipeline.Request) error {
	var body processRequest
	if err := ctx.ShouldBindJSON(&body); err != nil {
		if isBodyTooLarge(err) {
			return apperr.ErrImageTooLarge
		}
		return apperr.Validation("body", "invalid request payload")
	}
	body.ImageURL = strings.TrimSpace(body.ImageURL)
	if len(body.ImageBytes) == 0 && body.ImageURL == "" {
		return apperr.Validation("image", "imageBytes or imageUrl is required")
	}
	req.Image = body.ImageBytes
	req.ImageURL = body.ImageURL
	req.ImageType = strings.TrimSpace(body.ImageType)
	if req.ImageType == "" && len(req.Image) > 0 {
		req.ImageType = http.DetectContentType(req.Image)
	}
	req.FileName = utils.SanitizeText(body.FileName)
	return nil
}

// List returns a page of the caller's receipts, newest first.
func (r *ReceiptController) List(ctx *gin.Context) {
	userID, ok := currentUser(ctx)
	if !ok {
		return
	}
	page, err := intQuery(ctx, "page", 1)
	if err != nil {
		respondError(ctx, err)
		return
	}
	limit, err := intQuery(ctx, "limit", store.DefaultLimit)
	if err != nil {
		respondError(ctx, err)
		return
	}
	from, err := timeQuery(ctx, "from", false)
	if err != nil {
		respondError(ctx, err)
		return
	}
	to, err := timeQuery(ctx, "to", true)
	if err != nil {
		respondError(ctx, err)
		return
	}

	out, err := r.store.GetReceiptsByUser(ctx.Request.Context(), userID,
		store.Pagination{Page: page, Limit: limit},
		store.Filters{From: from, To: to, Merchant: utils.SanitizeText(ctx.Query("merchant"))})
	if err != nil {
		respondError(ctx, err)
		return
	}
	utils.Success(ctx, out)
}

// Get returns one receipt with its items.
func (r *ReceiptController) Get(ctx *gin.Context) {
	userID, ok := currentUser(ctx)
	if !ok {
		return
	}
	id, err := idParam(ctx, "id")
	if err != nil {
		respondError(ctx, err)
		return
	}
	receipt, err := r.store.GetReceipt(ctx.Request.Context(), id, userID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	utils.Success(ctx, receipt)
}

// Delete removes a receipt and recomputes the owner's gamification counters.
// Completed achievements are kept.
func (r *ReceiptController) Delete(ctx *gin.Context) {
	userID, ok := currentUser(ctx)
	if !ok {
		return
	}
	id, err := idParam(ctx, "id")
	if err != nil {
		respondError(ctx, err)
		return
	}
	deleted, err := r.store.DeleteReceipt(ctx.Request.Context(), id, userID)
	if err != nil {
		respondError(ctx, err)
		return
	}

	if r.gamifier != nil {
		gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx.Request.Context()), 10*time.Second)
		defer cancel()
		if _, err := r.gamifier.Process(gctx, gamification.Event{
			Type:      gamification.EventReceiptDeleted,
			UserID:    userID,
			ReceiptID: deleted.ID,
		}); err != nil {
			utils.Logger.Warn("recompute after delete failed",
				zap.Uint("user_id", userID), zap.Uint("receipt_id", deleted.ID), zap.Error(err))
		}
	}
	utils.Success(ctx, gin.H{"deleted": deleted.ID})
}
