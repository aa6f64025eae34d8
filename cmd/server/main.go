package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MettaSurendhar/Met-Image-Classy/internal/config"
	"github.com/MettaSurendhar/Met-Image-Classy/internal/handlers"
	"github.com/MettaSurendhar/Met-Image-Classy/internal/imagesrc"
	"github.com/MettaSurendhar/Met-Image-Classy/internal/model"
	"github.com/MettaSurendhar/Met-Image-Classy/internal/session"
)

var cfg config.Config

func main() {
	if err := config.LoadEnv(); err != nil && !errors.Is(err, config.ErrEnvFileNotFound) {
		log.Printf("Warning: Error loading .env file: %v", err)
	}
	cfg = config.Load()
	imagesrc.SetMaxPixels(cfg.MaxPixels)

	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "classy",
		Short:        "Classify images with a pretrained ONNX model",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.ModelPath, "model", cfg.ModelPath, "path to the ONNX model")
	flags.StringVar(&cfg.MetadataPath, "metadata", cfg.MetadataPath, "path to the model metadata JSON")
	flags.StringVar(&cfg.LibraryPath, "ort-lib", cfg.LibraryPath, "path to the onnxruntime shared library")
	flags.DurationVar(&cfg.FetchTimeout, "fetch-timeout", cfg.FetchTimeout, "timeout for downloading image URLs")

	root.AddCommand(serveCmd(), classifyCmd())
	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and page",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&cfg.Port, "port", cfg.Port, "port to listen on")
	return cmd
}

func loadFunc() model.LoadFunc {
	return func(ctx context.Context) (model.Classifier, error) {
		log.Printf("Loading model from: %s", cfg.ModelPath)
		server, err := model.NewServer(model.ServerConfig{
			ModelPath:    resolve(cfg.ModelPath),
			MetadataPath: resolve(cfg.MetadataPath),
			LibraryPath:  cfg.LibraryPath,
		})
		if err != nil {
			return nil, err
		}
		log.Printf("Model loaded: %s", cfg.ModelPath)
		log.Printf("Classes: %d", len(server.Metadata.Classes))
		return server, nil
	}
}

// resolve makes relative paths work when started from cmd/server.
func resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	wd, err := os.Getwd()
	if err != nil {
		return path
	}
	if filepath.Base(wd) == "server" {
		return filepath.Join(wd, "../..", path)
	}
	return path
}

func serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	loader := model.NewLoader(loadFunc())
	loader.Start(ctx)
	defer loader.Close()

	fetcher := imagesrc.NewFetcher(cfg.FetchTimeout, cfg.MaxFetchBytes, cfg.AllowPrivateFetch)
	sessions := session.NewManager(session.Deps{
		Models: loader,
		Prober: fetcher,
		Blobs:  imagesrc.NewBlobStore(),
	}, cfg.SessionTTL)
	go sessions.RunSweeper(ctx, time.Minute)

	handler := handlers.NewHandler(loader, sessions, fetcher, cfg.MaxUploadBytes)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handlers.EnableCORS(cfg.CORSOrigin, mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server starting on port %d", cfg.Port)
		log.Println("Endpoints:")
		log.Println("  GET  /                        - Page")
		log.Println("  GET  /health                  - Health check")
		log.Println("  POST /sessions                - Start a session")
		log.Println("  POST /sessions/{id}/file      - Select an uploaded file")
		log.Println("  POST /sessions/{id}/url       - Select an image URL")
		log.Println("  POST /sessions/{id}/identify  - Classify the selection")
		log.Println("  POST /sessions/{id}/cancel    - Clear the selection")
		log.Println("  POST /predict                 - Raw array prediction")
		log.Println("  POST /predict/image           - Predict from image upload")
		log.Println("  POST /predict/url             - Predict from image URL")
		log.Printf("Upload test: curl -X POST -F \"image=@cat.jpg\" http://localhost:%d/predict/image", cfg.Port)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	log.Println("Server gracefully stopped")
	return nil
}
