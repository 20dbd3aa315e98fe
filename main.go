package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"waste-inference-service/api"
	"waste-inference-service/config"
	"waste-inference-service/data"
	"waste-inference-service/logging"
	"waste-inference-service/metrics"
	"waste-inference-service/model"
	"waste-inference-service/service"
	"waste-inference-service/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadEnv(); err != nil {
		return err
	}
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.UploadDir, cfg.ProcessedDir)
	if err != nil {
		return err
	}

	db, err := data.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	segmenter := loadSegmenter(ctx, cfg, logger)
	recorder := metrics.NewRecorder()
	inferenceService := service.NewInferenceService(segmenter, store, data.NewAnalysisRepository(db), recorder, logger)
	defer inferenceService.Close()

	restServer := api.NewApp(inferenceService, recorder, logger, api.Options{
		BodyLimitMB: cfg.UploadLimit,
		CORSOrigins: cfg.CORSOrigins,
	})
	grpcOptions := append(api.ServerOptions(logger), grpc.MaxRecvMsgSize(cfg.UploadLimit*1024*1024+1024))
	grpcServer := grpc.NewServer(grpcOptions...)
	api.RegisterWasteInferenceServer(grpcServer, api.NewWasteInferenceServer(inferenceService, cfg.UploadLimit*1024*1024, logger))

	g, gctx := errgroup.WithContext(ctx)

	if cfg.GRPCAddress != "" {
		g.Go(func() error {
			lis, err := net.Listen("tcp", cfg.GRPCAddress)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCAddress, err)
			}
			logger.Info("starting gRPC server", zap.String("address", cfg.GRPCAddress))
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("failed to serve gRPC: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("starting Fiber server",
			zap.String("address", cfg.HTTPAddress),
			zap.Bool("model_loaded", inferenceService.ModelLoaded()),
		)
		if err := restServer.Listen(cfg.HTTPAddress); err != nil {
			return fmt.Errorf("failed to serve Fiber: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		grpcServer.GracefulStop()
		return restServer.ShutdownWithTimeout(10 * time.Second)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// loadSegmenter never fails: without a model the service still starts and
// reports model_loaded=false.
func loadSegmenter(ctx context.Context, cfg *config.Config, logger *zap.Logger) model.Segmenter {
	switch cfg.ModelBackend {
	case "onnx":
		seg, err := model.NewONNXSegmenter(model.ONNXConfig{
			ModelPath:     cfg.ModelPath,
			LibraryPath:   cfg.ONNXLibrary,
			InputSize:     cfg.InputSize,
			Classes:       cfg.Classes,
			ConfThreshold: cfg.ConfThreshold,
			IOUThreshold:  cfg.IOUThreshold,
			PoolSize:      cfg.SessionPool,
		})
		if err != nil {
			logger.Error("failed to load YOLO model", zap.String("path", cfg.ModelPath), zap.Error(err))
			return nil
		}
		logger.Info("YOLO model loaded", zap.String("path", cfg.ModelPath), zap.Strings("classes", cfg.Classes))
		return seg
	case "remote":
		return model.NewRemoteSegmenter(ctx, model.RemoteConfig{
			BaseURL:    cfg.RemoteURL,
			Timeout:    cfg.RemoteTimeout,
			HealthWait: 10 * time.Second,
			Classes:    cfg.Classes,
		}, logger)
	default:
		logger.Warn("model backend disabled, uploads will be refused")
		return nil
	}
}
