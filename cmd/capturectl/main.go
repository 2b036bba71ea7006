// capturectl signs a captured media file and delivers the resulting
// signature package to the verifier.
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/verisnap/capture/pkg/canonical"
	"github.com/verisnap/capture/pkg/config"
	"github.com/verisnap/capture/pkg/credentials"
	"github.com/verisnap/capture/pkg/custodian"
	"github.com/verisnap/capture/pkg/hashtree"
	"github.com/verisnap/capture/pkg/journal"
	"github.com/verisnap/capture/pkg/observability"
	"github.com/verisnap/capture/pkg/signing"
	"github.com/verisnap/capture/pkg/upload"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; split from main for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprintln(stderr, "usage: capturectl <sign-upload|journal> [flags]")
		return 2
	}

	switch args[1] {
	case "sign-upload":
		return runSignUpload(args[2:], stdout, stderr)
	case "journal":
		return runJournal(args[2:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "capturectl: unknown command %q\n", args[1])
		return 2
	}
}

func runSignUpload(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sign-upload", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		file     = cmd.String("file", "", "media file to sign and upload")
		kindName = cmd.String("kind", "image", "content kind: image or video")
		metaPath = cmd.String("metadata", "", "metadata JSON file (optional)")
		profile  = cmd.String("profile", "", "YAML config profile (optional)")
		deviceID = cmd.String("device", "dev-local", "device identifier")
	)
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *file == "" {
		fmt.Fprintln(stderr, "capturectl: -file is required")
		return 2
	}

	logger := slog.New(slog.NewTextHandler(stderr, nil))
	slog.SetDefault(logger)

	cfg := config.Load()
	if *profile != "" {
		if err := cfg.LoadProfile(*profile); err != nil {
			logger.Error("load profile", "error", err)
			return 1
		}
	}

	kind := signing.KindImage
	if strings.EqualFold(*kindName, "video") {
		kind = signing.KindVideo
	}

	meta := canonical.Metadata{CaptureTimestamp: time.Now().UnixMilli()}
	if *metaPath != "" {
		data, err := os.ReadFile(*metaPath)
		if err != nil {
			logger.Error("read metadata", "error", err)
			return 1
		}
		if err := json.Unmarshal(data, &meta); err != nil {
			logger.Error("parse metadata", "error", err)
			return 1
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	obsCfg := observability.DefaultConfig()
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		logger.Error("telemetry init", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	if err := signAndUpload(ctx, cfg, obs, *file, kind, meta, *deviceID, stdout); err != nil {
		logger.Error("capture failed", "error", err)
		return 1
	}
	return 0
}

func signAndUpload(ctx context.Context, cfg *config.Config, obs *observability.Provider, file string, kind signing.ContentKind, meta canonical.Metadata, deviceID string, stdout io.Writer) error {
	secret, err := deviceSecret(cfg.DeviceSecretPath)
	if err != nil {
		return err
	}

	soft, err := custodian.NewSoftKeystore(cfg.KeystorePath, secret)
	if err != nil {
		return err
	}
	cust := custodian.New([]custodian.Keystore{soft})
	if err := cust.EnsureKey(ctx, nil); err != nil {
		return err
	}

	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open media: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat media: %w", err)
	}

	jnl, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return err
	}
	defer jnl.Close()

	coordinator := signing.New(hashtree.New(), cust, signing.WithTracer(obs.Tracer()))
	pkg, err := coordinator.SignMedia(ctx, f, info.Size(), kind, meta)
	if err != nil {
		obs.RecordFailure(ctx, "sign")
		return err
	}
	obs.RecordSign(ctx, len(pkg.AttestationChain) > 0)

	bus := credentials.NewRenewalBus()
	tokens := credentials.NewDeviceTokenSource(secret, deviceID, 15*time.Minute, bus)
	transport := upload.NewHTTPTransport(cfg.Endpoint, tokens,
		upload.WithRateLimit(cfg.UploadRPS, 2))
	uploader := upload.New(transport, bus,
		upload.WithRenewalTimeout(cfg.RenewalTimeout),
		upload.WithTracer(obs.Tracer()))

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind media: %w", err)
	}

	receipt, err := uploader.Upload(ctx, &upload.Request{
		Filename:     info.Name(),
		Media:        f,
		MediaSize:    info.Size(),
		MetadataJSON: pkg.MetadataJSON,
		Package:      pkg,
	}, nil)
	if err != nil {
		obs.RecordFailure(ctx, "upload")
		// Renewal is driven externally in production; the CLI records the
		// terminal outcome and leaves the source file untouched.
		if _, jerr := jnl.Append(ctx, pkg.MediaHash, pkg.MetadataHash, journal.OutcomeUploadFailed, 0); jerr != nil {
			return errors.Join(err, jerr)
		}
		return err
	}
	obs.RecordUpload(ctx)

	if _, err := jnl.Append(ctx, pkg.MediaHash, pkg.MetadataHash, journal.OutcomeUploaded, receipt.TrustScore); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "uploaded %s: trust_score=%.2f status=%s receipt=%s\n",
		info.Name(), receipt.TrustScore, receipt.VerificationStatus, receipt.ID)
	return nil
}

func runJournal(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("journal", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		limit  = cmd.Int("limit", 20, "entries to show")
		verify = cmd.Bool("verify", false, "verify the journal hash chain")
	)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	jnl, err := journal.Open(cfg.JournalPath)
	if err != nil {
		fmt.Fprintf(stderr, "capturectl: %v\n", err)
		return 1
	}
	defer jnl.Close()

	ctx := context.Background()
	if *verify {
		if err := jnl.Verify(ctx); err != nil {
			fmt.Fprintf(stderr, "capturectl: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, "journal chain verified")
		return 0
	}

	records, err := jnl.List(ctx, *limit)
	if err != nil {
		fmt.Fprintf(stderr, "capturectl: %v\n", err)
		return 1
	}
	for _, rec := range records {
		fmt.Fprintf(stdout, "%s  %s  %s  trust=%.2f\n",
			rec.CreatedAt.Format(time.RFC3339), rec.ID, rec.Outcome, rec.TrustScore)
	}
	return 0
}

// deviceSecret loads the per-installation secret, generating it on first
// use.
func deviceSecret(path string) ([]byte, error) {
	secret, err := os.ReadFile(path)
	if err == nil && len(secret) >= 32 {
		return secret, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read device secret: %w", err)
	}

	secret = make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate device secret: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(path, secret, 0600); err != nil {
		return nil, fmt.Errorf("write device secret: %w", err)
	}
	return secret, nil
}
