package server

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/arnvptl/BlueLock/internal/models"
	"github.com/arnvptl/BlueLock/pkg/geometry"
	"github.com/arnvptl/BlueLock/pkg/ledger"
	"github.com/arnvptl/BlueLock/pkg/pipeline"
	"github.com/arnvptl/BlueLock/pkg/raster"
)

// uploadExtensions are the file types accepted by the upload endpoints
var uploadExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".tif":  true,
	".tiff": true,
}

// creditRequest is the body of /mint-credits and /register-project
type creditRequest struct {
	AnalysisResults  *models.AnalysisResult `json:"analysis_results"`
	RecipientAddress string                 `json:"recipient_address"`
	MRVDataID        string                 `json:"mrv_data_id"`
	ProjectType      string                 `json:"project_type"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services": gin.H{
			"drone_analysis_api": "healthy",
			"ledger":             s.currentLedgerStatus(),
			"classifier":         s.analyzer.ClassifierAvailable(),
		},
		"config": gin.H{
			"max_upload_mb":      s.cfg.Server.MaxUploadMB,
			"allowed_extensions": allowedExtensions(),
			"classifier_enabled": s.cfg.Classifier.Enabled,
			"ledger_enabled":     s.ledger != nil,
			"outbox_pending":     s.outboxPending(),
		},
	})
}

func (s *Server) handleAnalyze(c *gin.Context) {
	file, err := c.FormFile("image")
	if err != nil {
		if isTooLarge(err) {
			abortWithError(c, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		abortWithError(c, http.StatusBadRequest, "no image file provided")
		return
	}
	if file.Filename == "" {
		abortWithError(c, http.StatusBadRequest, "no image file selected")
		return
	}
	if !isAllowedUpload(file.Filename) {
		abortWithError(c, http.StatusBadRequest, "file type not allowed, allowed types: "+strings.Join(allowedExtensions(), ", "))
		return
	}

	meta, err := parseMetadata(c)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := meta.Validate(); err != nil {
		abortWithError(c, http.StatusBadRequest, err.Error())
		return
	}

	path, err := s.saveUpload(c, file)
	if err != nil {
		s.logger.WithError(err).Error("failed to store upload")
		abortWithError(c, http.StatusInternalServerError, "failed to store upload")
		return
	}
	s.logger.WithField("file", filepath.Base(path)).Info("image uploaded")

	res, err := s.analyzer.AnalyzeFile(path, meta)
	if err != nil {
		status, msg := analysisErrorStatus(err)
		s.logger.WithField("file", filepath.Base(path)).WithError(err).Warn("analysis failed")
		abortWithError(c, status, msg)
		return
	}

	ledgerResp := s.submitMRV(c.Request.Context(), res)
	s.publish(res)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "drone image analysis completed successfully",
		"data": gin.H{
			"analysis_id":          res.ID,
			"image_filename":       filepath.Base(path),
			"analysis":             res,
			"visualization_url":    visualizationURL(res),
			"ledger_response":      ledgerResp,
			"processing_timestamp": res.ProcessedAt.Format(time.RFC3339),
		},
	})
}

func (s *Server) handleAnalyzeBatch(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		if isTooLarge(err) {
			abortWithError(c, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		abortWithError(c, http.StatusBadRequest, "no image files provided")
		return
	}
	files := form.File["images"]
	if len(files) == 0 {
		abortWithError(c, http.StatusBadRequest, "no image files provided")
		return
	}

	now := time.Now().UTC()
	req := pipeline.BatchRequest{
		BatchID:   c.DefaultPostForm("batch_id", "BATCH_"+now.Format("20060102_150405")),
		DroneID:   c.PostForm("drone_id"),
		ProjectID: c.DefaultPostForm("project_id", "DRONE_BATCH_ANALYSIS"),
	}
	log := s.logger.WithField("batch_id", req.BatchID)

	var skipped []string
	for _, file := range files {
		if !isAllowedUpload(file.Filename) {
			log.WithField("file", file.Filename).Warn("skipping file with invalid extension")
			skipped = append(skipped, file.Filename)
			continue
		}
		path, err := s.saveUpload(c, file)
		if err != nil {
			log.WithField("file", file.Filename).WithError(err).Error("failed to store upload")
			skipped = append(skipped, file.Filename)
			continue
		}
		req.Items = append(req.Items, pipeline.BatchItem{Source: path})
	}

	batch, err := s.analyzer.AnalyzeBatch(req)
	if errors.Is(err, pipeline.ErrNoImagesProcessed) || len(req.Items) == 0 {
		abortWithError(c, http.StatusBadRequest, "no images were successfully processed")
		return
	}
	if err != nil {
		log.WithError(err).Error("batch analysis failed")
		abortWithError(c, http.StatusInternalServerError, "batch analysis failed")
		return
	}

	var ledgerResp any = gin.H{"status": ledgerDisabled}
	if s.ledger != nil {
		resp, err := s.ledger.SubmitBatch(c.Request.Context(), batch)
		if err != nil {
			ledgerResp = gin.H{"status": "queued", "error": err.Error()}
		} else {
			ledgerResp = resp
		}
	}
	processed := make([]string, 0, len(batch.Results))
	for _, res := range batch.Results {
		processed = append(processed, res.Source)
		s.publish(res)
	}

	log.WithField("processed", batch.ImagesProcessed()).Info("batch analysis completed")
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "batch analysis completed successfully",
		"data": gin.H{
			"batch_id":               batch.BatchID,
			"total_images_processed": batch.ImagesProcessed(),
			"total_images_received":  len(files),
			"processed_files":        processed,
			"skipped_files":          skipped,
			"failures":               batch.Failures,
			"batch_statistics": gin.H{
				"total_co2_sequestered_tons":  batch.TotalCO2Tons,
				"average_vegetation_coverage": batch.AvgCoverage,
				"processing_timestamp":        time.Now().UTC().Format(time.RFC3339),
			},
			"results":         batch.Results,
			"ledger_response": ledgerResp,
		},
	})
}

func (s *Server) handleMintCredits(c *gin.Context) {
	req, ok := s.bindCreditRequest(c)
	if !ok {
		return
	}

	resp, err := s.ledger.MintCredits(c.Request.Context(),
		ledger.NewMintRequest(req.AnalysisResults, req.RecipientAddress, req.MRVDataID))
	if err != nil {
		s.logger.WithError(err).Error("failed to mint credits")
		abortWithError(c, http.StatusBadGateway, "failed to mint carbon credits")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "carbon credits minted successfully",
		"data":    resp,
	})
}

func (s *Server) handleRegisterProject(c *gin.Context) {
	req, ok := s.bindCreditRequest(c)
	if !ok {
		return
	}

	resp, err := s.ledger.RegisterProject(c.Request.Context(),
		ledger.NewProjectRegistration(req.AnalysisResults, req.ProjectType))
	if err != nil {
		s.logger.WithError(err).Error("failed to register project")
		abortWithError(c, http.StatusBadGateway, "failed to register project")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "project registered successfully",
		"data":    resp,
	})
}

func (s *Server) handleProjectCredits(c *gin.Context) {
	if !s.requireLedger(c) {
		return
	}
	resp, err := s.ledger.ProjectCredits(c.Request.Context(), c.Param("project_id"))
	if err != nil {
		s.logger.WithError(err).Error("failed to get project credits")
		abortWithError(c, http.StatusBadGateway, "failed to get project credits")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": resp})
}

func (s *Server) handleTotalSupply(c *gin.Context) {
	if !s.requireLedger(c) {
		return
	}
	resp, err := s.ledger.TotalSupply(c.Request.Context())
	if err != nil {
		s.logger.WithError(err).Error("failed to get total supply")
		abortWithError(c, http.StatusBadGateway, "failed to get total supply")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": resp})
}

func (s *Server) handleVisualization(c *gin.Context) {
	name := c.Param("filename")
	if name != filepath.Base(name) || !strings.EqualFold(filepath.Ext(name), ".png") {
		abortWithError(c, http.StatusBadRequest, "invalid visualization name")
		return
	}

	path := filepath.Join(s.cfg.Output.ProcessedDir, name)
	if _, err := os.Stat(path); err != nil {
		abortWithError(c, http.StatusNotFound, "visualization not found")
		return
	}
	c.File(path)
}

func (s *Server) bindCreditRequest(c *gin.Context) (creditRequest, bool) {
	var req creditRequest
	if !s.requireLedger(c) {
		return req, false
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "no data provided")
		return req, false
	}
	if req.AnalysisResults == nil {
		abortWithError(c, http.StatusBadRequest, "analysis results required")
		return req, false
	}
	return req, true
}

func (s *Server) requireLedger(c *gin.Context) bool {
	if s.ledger == nil {
		abortWithError(c, http.StatusServiceUnavailable, "ledger is not configured")
		return false
	}
	return true
}

// submitMRV uploads the MRV record and returns what the client should see.
// Ledger failures never fail the analysis request.
func (s *Server) submitMRV(ctx context.Context, res *models.AnalysisResult) any {
	if s.ledger == nil {
		return gin.H{"status": ledgerDisabled}
	}
	resp, err := s.ledger.SubmitMRV(ctx, res)
	if err != nil {
		return gin.H{"status": "queued", "error": err.Error()}
	}
	return resp
}

func (s *Server) publish(res *models.AnalysisResult) {
	if err := s.publisher.Publish(res); err != nil {
		s.logger.WithFields(logrus.Fields{"analysis_id": res.ID}).WithError(err).Warn("failed to publish result")
	}
}

func (s *Server) outboxPending() int {
	if s.ledger == nil {
		return 0
	}
	return s.ledger.Outbox().Len()
}

// saveUpload stores an uploaded file under a unique name in the upload dir.
func (s *Server) saveUpload(c *gin.Context, file *multipart.FileHeader) (string, error) {
	if err := os.MkdirAll(s.cfg.Output.UploadDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}
	name := fmt.Sprintf("%s_%s", uuid.NewString()[:8], sanitizeFilename(file.Filename))
	path := filepath.Join(s.cfg.Output.UploadDir, name)
	if err := c.SaveUploadedFile(file, path); err != nil {
		return "", err
	}
	return path, nil
}

func analysisErrorStatus(err error) (int, string) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Error()
	case errors.Is(err, raster.ErrImageLoad):
		return http.StatusUnprocessableEntity, "image could not be decoded"
	case errors.Is(err, geometry.ErrInvalidGeometry):
		return http.StatusUnprocessableEntity, "invalid flight geometry"
	default:
		return http.StatusInternalServerError, "internal server error during image analysis"
	}
}

func visualizationURL(res *models.AnalysisResult) string {
	if res.VisualizationPath == "" {
		return ""
	}
	return "/visualization/" + filepath.Base(res.VisualizationPath)
}

func isAllowedUpload(name string) bool {
	return uploadExtensions[strings.ToLower(filepath.Ext(name))]
}

func allowedExtensions() []string {
	return []string{"png", "jpg", "jpeg", "tiff", "tif"}
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

// sanitizeFilename keeps letters, digits, dot, dash and underscore.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			return r
		case r == ' ':
			return '_'
		}
		return -1
	}, name)
	out = strings.TrimLeft(out, ".")
	if out == "" {
		return "upload"
	}
	return out
}
