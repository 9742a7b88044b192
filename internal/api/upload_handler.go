package api

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/contact-bulk-upload-api/internal/config"
	"github.com/contact-bulk-upload-api/internal/models"
	"github.com/contact-bulk-upload-api/internal/progress"
	"github.com/contact-bulk-upload-api/internal/service"
	"github.com/contact-bulk-upload-api/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SessionHeader carries the client session identity
const SessionHeader = "X-Session-ID"

// multipartOverhead is the slack allowed on top of the file size for the
// multipart envelope
const multipartOverhead = 1 << 20

// UploadHandler handles the contact bulk upload endpoints
type UploadHandler struct {
	services *service.Services
	cfg      *config.Config
	log      zerolog.Logger
}

// NewUploadHandler creates a new UploadHandler
func NewUploadHandler(services *service.Services, cfg *config.Config, log zerolog.Logger) *UploadHandler {
	return &UploadHandler{
		services: services,
		cfg:      cfg,
		log:      log.With().Str("handler", "upload").Logger(),
	}
}

// Upload handles POST /contacts/bulk-upload-advanced
func (h *UploadHandler) Upload(c *gin.Context) {
	ctx := c.Request.Context()
	maxSize := h.cfg.Import.MaxUploadSize

	organizationID := c.Query("organizationId")
	if organizationID == "" {
		organizationID = c.PostForm("organizationId")
	}
	if organizationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "organizationId is required"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize+multipartOverhead)

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": tooLargeMessage(maxSize)})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	defer file.Close()

	if header.Size > maxSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": tooLargeMessage(maxSize)})
		return
	}

	if ext := strings.ToLower(filepath.Ext(header.Filename)); ext != ".csv" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only .csv files are accepted"})
		return
	}

	// Save uploaded file
	uploadDir := h.cfg.Import.UploadDir
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		h.log.Error().Err(err).Msg("Failed to create upload directory")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save file"})
		return
	}

	fileID := uuid.NewString()
	filePath := filepath.Join(uploadDir, fileID+".csv")

	written, err := saveUpload(filePath, file)
	if err != nil {
		os.Remove(filePath)
		h.log.Error().Err(err).Str("file_id", fileID).Msg("Failed to save upload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save file"})
		return
	}

	req := &models.ImportRequest{
		FileID:         fileID,
		SessionID:      sessionID(c),
		OrganizationID: organizationID,
		FileName:       header.Filename,
		FilePath:       filePath,
		FileSize:       written,
	}

	job, err := h.services.Import.Submit(ctx, req)
	if err != nil {
		os.Remove(filePath)

		var busy *session.BusyError
		switch {
		case errors.As(err, &busy):
			c.JSON(http.StatusConflict, gin.H{
				"error":       session.ErrSessionBusy.Error(),
				"activeJobId": busy.ActiveJobID,
			})
		case errors.Is(err, service.ErrNotRunning):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		default:
			h.log.Error().Err(err).Str("file_id", fileID).Msg("Failed to create import job")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create import job"})
		}
		return
	}

	h.log.Info().
		Str("job_id", job.ID).
		Str("file_id", fileID).
		Str("organization_id", organizationID).
		Str("file", header.Filename).
		Int64("size_bytes", written).
		Msg("Upload accepted")

	c.JSON(http.StatusAccepted, gin.H{
		"fileId":  job.FileID,
		"jobId":   job.ID,
		"stage":   job.Stage,
		"message": job.Message,
		"topic":   progress.Topic(job.FileID),
	})
}

// Cancel handles DELETE /contacts/cancel-bulk-upload/:jobId
func (h *UploadHandler) Cancel(c *gin.Context) {
	jobID := c.Param("jobId")

	cancelled, err := h.services.Import.Cancel(c.Request.Context(), jobID)
	if err != nil {
		h.jobError(c, jobID, err, "failed to cancel upload")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobId":     jobID,
		"cancelled": cancelled,
	})
}

// ResetSession handles DELETE /contacts/bulk-upload-session
func (h *UploadHandler) ResetSession(c *gin.Context) {
	id := sessionID(c)

	jobID, err := h.services.Import.ResetSession(c.Request.Context(), id)
	if err != nil {
		h.log.Error().Err(err).Str("session_id", id).Msg("Failed to reset session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reset session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId":      id,
		"cancelledJobId": jobID,
	})
}

// GetStatus handles GET /contacts/bulk-upload/:jobId
func (h *UploadHandler) GetStatus(c *gin.Context) {
	jobID := c.Param("jobId")

	job, err := h.services.Job.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.jobError(c, jobID, err, "failed to get job status")
		return
	}

	c.JSON(http.StatusOK, job)
}

// GetErrors handles GET /contacts/bulk-upload/:jobId/errors
func (h *UploadHandler) GetErrors(c *gin.Context) {
	jobID := c.Param("jobId")

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	rowErrors, err := h.services.Job.GetJobErrors(c.Request.Context(), jobID, limit)
	if err != nil {
		h.jobError(c, jobID, err, "failed to get errors")
		return
	}

	if c.Query("format") == "csv" {
		c.Header("Content-Type", "text/csv")
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=errors_%s.csv", jobID))
		c.Status(http.StatusOK)
		if err := writeErrorsCSV(c.Writer, rowErrors); err != nil {
			h.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to stream errors")
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobId":      jobID,
		"errorCount": len(rowErrors),
		"errors":     rowErrors,
	})
}

// jobError maps a job lookup failure to a response
func (h *UploadHandler) jobError(c *gin.Context, jobID string, err error, msg string) {
	if errors.Is(err, service.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	h.log.Error().Err(err).Str("job_id", jobID).Msg(msg)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}

func saveUpload(path string, src io.Reader) (int64, error) {
	dst, err := os.Create(path)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	return n, err
}

// writeErrorsCSV streams row errors, flushing every 500 records
func writeErrorsCSV(w io.Writer, rowErrors []models.RowError) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"row", "field", "message", "value"}); err != nil {
		return err
	}
	for i, e := range rowErrors {
		if err := writer.Write([]string{strconv.Itoa(e.Row), e.Field, e.Message, e.Value}); err != nil {
			return err
		}
		if (i+1)%500 == 0 {
			writer.Flush()
		}
	}
	writer.Flush()
	return writer.Error()
}

func tooLargeMessage(maxSize int64) string {
	return fmt.Sprintf("file too large, max size is %d MB", maxSize/(1024*1024))
}
