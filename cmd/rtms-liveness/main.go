package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/moveris/rtms-liveness/internal/api"
	"github.com/moveris/rtms-liveness/internal/config"
	"github.com/moveris/rtms-liveness/internal/logging"
	"github.com/moveris/rtms-liveness/internal/moveris"
	"github.com/moveris/rtms-liveness/internal/results"
	"github.com/moveris/rtms-liveness/internal/session"
	"github.com/moveris/rtms-liveness/internal/vision"
	"github.com/moveris/rtms-liveness/internal/webhook"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "rtms-liveness",
	Short: "Real-time liveness detection for Zoom meetings",
	Long: `rtms-liveness receives Zoom RTMS video streams and checks each
participant's liveness with the Moveris API.

Point your Zoom webhook at POST /zoom/webhook; query results from
GET /results/{meeting_uuid}. Configuration comes from RTMS_-prefixed
environment variables (RTMS_ZOOM_CLIENT_ID, RTMS_MOVERIS_API_KEY, ...).

Examples:
  rtms-liveness serve
  RTMS_LISTEN_ADDR=:9090 rtms-liveness serve`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook and results HTTP server",
	Run:   runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) {
	logging.Init()
	bootStart := time.Now()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.ExtractorCommand == "" {
		log.Fatal().Msg("RTMS_EXTRACTOR_COMMAND is required: no face-extraction worker configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize result store")
	}

	verifier := moveris.NewClient(cfg.MoverisAPIKey, moveris.WithBaseURL(cfg.MoverisBaseURL))

	orchestrator := session.NewOrchestrator(
		session.Config{
			ClientID:           cfg.ZoomClientID,
			ClientSecret:       cfg.ZoomClientSecret,
			MaxSessions:        cfg.MaxConcurrentSessions,
			FrameQueueSize:     cfg.FrameQueueSize,
			DecoderQueueSize:   cfg.DecoderQueueSize,
			FrameWait:          cfg.FrameWait,
			SharpnessThreshold: cfg.SharpnessThreshold,
		},
		session.Deps{
			Store:      store,
			Verifier:   verifier,
			Extractors: vision.CommandFactory(strings.Fields(cfg.ExtractorCommand)),
		},
	)

	handler := webhook.NewHandler(cfg.ZoomWebhookSecret, orchestrator)
	server := api.NewServer(version, handler, store, orchestrator)

	logging.NewStartupLogger("rtms-liveness").
		Resource("listen_addr", cfg.ListenAddr).
		Resource("moveris_base_url", cfg.MoverisBaseURL).
		Feature("dynamodb_store", cfg.ResultsTable != "").
		Config("max_concurrent_sessions", strconv.Itoa(cfg.MaxConcurrentSessions)).
		Config("frame_wait", cfg.FrameWait.String()).
		BootDuration(time.Since(bootStart)).
		Log()

	if err := server.ListenAndServe(ctx, cfg.ListenAddr); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}

	// The listener is down; finish the sessions still streaming.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Session shutdown finished with errors")
	}
	log.Info().Msg("Shutdown complete")
}

// buildStore picks DynamoDB when a table is configured, in-memory otherwise.
func buildStore(ctx context.Context, cfg *config.Settings) (results.Store, error) {
	if cfg.ResultsTable == "" {
		log.Info().Msg("Using in-memory result store")
		return results.NewMemoryStore(), nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	log.Info().Str("table", cfg.ResultsTable).Msg("Using DynamoDB result store")
	return results.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.ResultsTable), nil
}
