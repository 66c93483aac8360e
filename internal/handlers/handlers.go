package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/example/image-validity/internal/archive"
	"github.com/example/image-validity/internal/drive"
	"github.com/example/image-validity/internal/excel"
	"github.com/example/image-validity/internal/imageprocessor"
	"github.com/example/image-validity/internal/usecase"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Options carries the handler collaborators beyond the core use case. Nil
// fields disable the corresponding routes.
type Options struct {
	Excel   *excel.Processor
	Auth    gin.HandlerFunc
	Metrics http.Handler
	WebDir  string
	Version string
}

type driveRequest struct {
	DriveURL string `json:"drive_url" binding:"required"`
}

type driveBatchRequest struct {
	DriveURLs []string `json:"drive_urls" binding:"required"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.ValidationUseCase, opts Options) {
	version := opts.Version
	if version == "" {
		version = "1.0.0"
	}

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message":        "Image Validity API",
			"version":        version,
			"threshold":      uc.Threshold(),
			"max_batch_size": uc.MaxBatchSize(),
			"endpoints": gin.H{
				"POST /validate":                       "Upload a single image for validation",
				"POST /validate_multiple":              "Upload multiple images for validation",
				"POST /validate_google_drive":          "Validate an image behind a Google Drive link",
				"POST /validate_google_drive_multiple": "Validate multiple Google Drive links",
				"POST /process_excel":                  "Score the images referenced by a spreadsheet",
				"POST /upload_zip":                     "Validate every image in a zip archive",
				"GET /health":                          "Health check endpoint",
			},
		})
	})

	router.GET("/health", func(c *gin.Context) {
		loaded := uc.ModelsLoaded()
		status := "healthy"
		if !loaded {
			status = "unhealthy"
		}
		c.JSON(http.StatusOK, gin.H{"status": status, "models_loaded": loaded})
	})

	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	if opts.WebDir != "" {
		router.StaticFile("/app", filepath.Join(opts.WebDir, "index.html"))
	}

	router.POST("/validate", func(c *gin.Context) {
		filename, data, ok := readUpload(c, "file")
		if !ok {
			return
		}

		requestID, result, err := uc.ValidateImage(c.Request.Context(), usecase.ImageInput{
			Filename: filename,
			Data:     data,
			Source:   usecase.SourceUpload,
		})
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.Header("X-Request-ID", requestID)
		c.JSON(http.StatusOK, result)
	})

	router.POST("/validate_multiple", func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			abortUpload(c, err)
			return
		}
		files := form.File["files"]
		if len(files) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "at least one file is required"})
			return
		}

		inputs := make([]usecase.ImageInput, 0, len(files))
		for _, header := range files {
			data, err := readFileHeader(header)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"detail": fmt.Sprintf("failed to read %s", header.Filename)})
				return
			}
			inputs = append(inputs, usecase.ImageInput{
				Filename: header.Filename,
				Data:     data,
				Source:   usecase.SourceUpload,
			})
		}

		requestID, batch, err := uc.ValidateBatch(c.Request.Context(), inputs)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.Header("X-Request-ID", requestID)
		c.JSON(http.StatusOK, batch)
	})

	router.POST("/validate_google_drive", func(c *gin.Context) {
		var req driveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "drive_url is required"})
			return
		}

		requestID, result, err := uc.ValidateDriveURL(c.Request.Context(), req.DriveURL)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.Header("X-Request-ID", requestID)
		c.JSON(http.StatusOK, result)
	})

	router.POST("/validate_google_drive_multiple", func(c *gin.Context) {
		var req driveBatchRequest
		if err := c.ShouldBindJSON(&req); err != nil || len(req.DriveURLs) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "drive_urls is required"})
			return
		}

		requestID, batch, err := uc.ValidateDriveURLs(c.Request.Context(), req.DriveURLs)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.Header("X-Request-ID", requestID)
		c.JSON(http.StatusOK, batch)
	})

	router.POST("/upload_zip", func(c *gin.Context) {
		_, data, ok := readUpload(c, "file")
		if !ok {
			return
		}

		requestID, batch, err := uc.ValidateArchive(c.Request.Context(), data)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.Header("X-Request-ID", requestID)
		c.JSON(http.StatusOK, batch)
	})

	if opts.Excel != nil {
		router.POST("/process_excel", func(c *gin.Context) {
			filename, data, ok := readUpload(c, "file")
			if !ok {
				return
			}

			out, err := opts.Excel.Process(c.Request.Context(), data, c.PostForm("image_column"))
			if err != nil {
				abortWithError(c, err)
				return
			}

			download := "validated_" + path.Base(filename)
			c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", download))
			c.Data(http.StatusOK, xlsxContentType, out)
		})
	}

	protected := router.Group("/")
	if opts.Auth != nil {
		protected.Use(opts.Auth)
	}

	protected.GET("/results/:request_id", func(c *gin.Context) {
		requestID := c.Param("request_id")
		records, err := uc.GetResults(c.Request.Context(), requestID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		if len(records) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"detail": "request not found"})
			return
		}

		results := make([]gin.H, 0, len(records))
		for _, record := range records {
			results = append(results, gin.H{
				"filename":       record.Filename,
				"source":         record.Source,
				"validity_score": record.Score,
				"is_valid":       record.IsValid,
				"message":        record.Message,
				"file_id":        record.FileID,
				"drive_url":      record.DriveURL,
				"created_at":     record.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{"request_id": requestID, "results": results})
	})

	protected.GET("/stats", func(c *gin.Context) {
		summary, err := uc.GetStatsSummary(c.Request.Context())
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

// NewExcelValidator adapts the validation use case to the spreadsheet
// processor's per-cell contract.
func NewExcelValidator(uc *usecase.ValidationUseCase) excel.Validator {
	return excelValidator{uc: uc}
}

type excelValidator struct {
	uc *usecase.ValidationUseCase
}

func (v excelValidator) Validate(ctx context.Context, filename string, data []byte) (*excel.Result, error) {
	_, result, err := v.uc.ValidateImage(ctx, usecase.ImageInput{
		Filename: filename,
		Data:     data,
		Source:   usecase.SourceSpreadsheet,
	})
	if err != nil {
		return nil, err
	}
	return &excel.Result{
		Score:   result.ValidityScore,
		IsValid: result.IsValid,
		Message: result.Message,
	}, nil
}

// readUpload pulls one uploaded file out of the multipart form, translating
// failures into the response contract.
func readUpload(c *gin.Context, field string) (string, []byte, bool) {
	header, err := c.FormFile(field)
	if err != nil {
		abortUpload(c, err)
		return "", nil, false
	}

	data, err := readFileHeader(header)
	if err != nil {
		abortUpload(c, err)
		return "", nil, false
	}
	return header.Filename, data, true
}

func readFileHeader(header *multipart.FileHeader) ([]byte, error) {
	file, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

// abortUpload distinguishes an oversized body from a missing or unreadable
// file field.
func abortUpload(c *gin.Context, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"detail": "uploaded file is too large"})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"detail": "file upload is required"})
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{"detail": err.Error()})
}

// errorStatus maps domain errors onto the response contract: user errors
// are 400, upstream fetch failures 502, missing models 503, anything else
// 500.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, imageprocessor.ErrUnsupportedFormat),
		errors.Is(err, usecase.ErrBatchTooLarge),
		errors.Is(err, drive.ErrInvalidURL),
		errors.Is(err, archive.ErrInvalidArchive),
		errors.Is(err, archive.ErrTooManyEntries),
		errors.Is(err, excel.ErrInvalidWorkbook),
		errors.Is(err, excel.ErrBadImageColumn):
		return http.StatusBadRequest
	case errors.Is(err, drive.ErrRemoteFetch):
		return http.StatusBadGateway
	case errors.Is(err, usecase.ErrModelsNotLoaded),
		errors.Is(err, usecase.ErrHistoryDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
