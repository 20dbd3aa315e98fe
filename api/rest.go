package api

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"waste-inference-service/data"
	"waste-inference-service/metrics"
	"waste-inference-service/model"
	"waste-inference-service/service"
	"waste-inference-service/storage"
)

// Options tunes the REST server.
type Options struct {
	BodyLimitMB int
	CORSOrigins string
}

type AnalysesResponse struct {
	Data     []data.Analysis `json:"data"`
	Total    int64           `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

// NewApp builds the Fiber app with every route registered.
func NewApp(inferenceService *service.InferenceService, recorder *metrics.Recorder, logger *zap.Logger, opts Options) *fiber.App {
	if opts.BodyLimitMB <= 0 {
		opts.BodyLimitMB = 10
	}
	if opts.CORSOrigins == "" {
		opts.CORSOrigins = "*"
	}

	app := fiber.New(fiber.Config{
		AppName:               "waste-inference-service",
		BodyLimit:             opts.BodyLimitMB * 1024 * 1024,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{AllowOrigins: opts.CORSOrigins}))
	app.Use(requestLogger(logger))

	app.Post("/process-waste", HandleProcessWaste(inferenceService))
	app.Get("/health", HandleHealth(inferenceService))
	app.Get("/model-info", HandleModelInfo(inferenceService))
	app.Get("/processed/:filename", HandleImage(inferenceService, storage.Processed))
	app.Get("/uploads/:filename", HandleImage(inferenceService, storage.Uploads))
	app.Get("/locations", HandleLocations(inferenceService))
	app.Get("/analyses", HandleListAnalyses(inferenceService))
	app.Get("/analyses/:id", HandleGetAnalysis(inferenceService))
	app.Delete("/analyses/:id", HandleDeleteAnalysis(inferenceService))
	if recorder != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(recorder.Registry(), promhttp.HandlerOpts{})))
	}

	return app
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func requestLogger(logger *zap.Logger) fiber.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		if err != nil {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		logger.Info("request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		)
		return err
	}
}

func HandleProcessWaste(inferenceService *service.InferenceService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		file, err := c.FormFile("image")
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "No image file provided",
			})
		}
		if file.Filename == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "No file selected",
			})
		}
		if !inferenceService.ModelLoaded() {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "YOLO model not loaded",
			})
		}

		lat, lng, err := parseLocation(c.FormValue("latitude"), c.FormValue("longitude"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid coordinates",
			})
		}

		fileContent, err := file.Open()
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to open file",
			})
		}
		defer fileContent.Close()

		buffer := make([]byte, file.Size)
		if _, err := io.ReadFull(fileContent, buffer); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to read file",
			})
		}

		summary, err := inferenceService.Process(c.UserContext(), service.Upload{
			Filename:  file.Filename,
			Content:   buffer,
			Latitude:  lat,
			Longitude: lng,
			Address:   strings.TrimSpace(c.FormValue("address")),
		})
		if err != nil {
			status, msg := processError(err)
			return c.Status(status).JSON(fiber.Map{"error": msg})
		}
		return c.JSON(summary)
	}
}

func processError(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrNoImage):
		return fiber.StatusBadRequest, "No file selected"
	case errors.Is(err, service.ErrUnsupportedImage):
		return fiber.StatusBadRequest, "Only JPEG and PNG images are allowed"
	case errors.Is(err, service.ErrInvalidLocation):
		return fiber.StatusBadRequest, "Invalid coordinates"
	case errors.Is(err, model.ErrModelNotLoaded):
		return fiber.StatusInternalServerError, "YOLO model not loaded"
	default:
		return fiber.StatusInternalServerError, fmt.Sprintf("Image processing failed: %v", err)
	}
}

// parseLocation treats blank fields as absent.
func parseLocation(latRaw, lngRaw string) (*float64, *float64, error) {
	parse := func(raw string) (*float64, error) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return nil, nil
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("parse coordinate %q: %w", raw, err)
		}
		return &v, nil
	}
	lat, err := parse(latRaw)
	if err != nil {
		return nil, nil, err
	}
	lng, err := parse(lngRaw)
	if err != nil {
		return nil, nil, err
	}
	return lat, lng, nil
}

func HandleHealth(inferenceService *service.InferenceService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(inferenceService.Health())
	}
}

func HandleModelInfo(inferenceService *service.InferenceService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		info, err := inferenceService.ModelInfo()
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Model not loaded",
			})
		}
		return c.JSON(info)
	}
}

// HandleImage serves a stored image. The route parameter arrives escaped, so
// "processed_my%20photo.jpg" names "processed_my photo.jpg".
func HandleImage(inferenceService *service.InferenceService, kind storage.Kind) fiber.Handler {
	return func(c *fiber.Ctx) error {
		filename := c.Params("filename")
		if unescaped, err := url.PathUnescape(filename); err == nil {
			filename = unescaped
		}
		path, err := inferenceService.ImagePath(kind, filename)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidName) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
					"error": "Image not found: " + filename,
				})
			}
			return err
		}
		c.Type(filepath.Ext(path))
		return c.Response().SendFile(path)
	}
}

func HandleLocations(inferenceService *service.InferenceService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		locations, err := inferenceService.Locations(c.UserContext())
		if err != nil {
			return err
		}
		return c.JSON(locations)
	}
}

func HandleListAnalyses(inferenceService *service.InferenceService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		pagination := data.Pagination{
			Page:     c.QueryInt("page", 1),
			PageSize: c.QueryInt("page_size", 10),
		}.Normalize()

		analyses, total, err := inferenceService.Analyses(c.UserContext(), pagination)
		if err != nil {
			return err
		}
		if analyses == nil {
			analyses = []data.Analysis{}
		}
		return c.JSON(AnalysesResponse{
			Data:     analyses,
			Total:    total,
			Page:     pagination.Page,
			PageSize: pagination.PageSize,
		})
	}
}

func HandleGetAnalysis(inferenceService *service.InferenceService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		analysis, err := inferenceService.Analysis(c.UserContext(), c.Params("id"))
		if errors.Is(err, data.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Analysis not found",
			})
		}
		if err != nil {
			return err
		}
		return c.JSON(analysis)
	}
}

func HandleDeleteAnalysis(inferenceService *service.InferenceService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := inferenceService.DeleteAnalysis(c.UserContext(), c.Params("id"))
		if errors.Is(err, data.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Analysis not found",
			})
		}
		if err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}
