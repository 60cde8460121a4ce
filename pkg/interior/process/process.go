// Package process implements [interior.Interior] as a supervised OS
// subprocess: Load fetches a root filesystem image tarball from object
// storage and extracts it, Start execs the configured entry command
// inside it, Stop sends SIGTERM and escalates to SIGKILL after a grace
// period, and Status reports the supervised process's pid and uptime.
//
// This plays the role an LXD or KVM backend plays in a production
// interior — a real, if modest, example of the "external process
// supervisor" a pluggable backend can be.
package process

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	miniogo "github.com/minio/minio-go/v7"
	gopsutilprocess "github.com/shirou/gopsutil/v4/process"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/cradlesystems/cradle-core/pkg/errors"
	"github.com/cradlesystems/cradle-core/pkg/interior"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/cradlesystems/cradle-core/pkg/interior/process"

// DefaultStopGrace is how long Stop waits for a supervised process to
// exit after SIGTERM before escalating to SIGKILL.
const DefaultStopGrace = 10 * time.Second

// ImageFetcher retrieves a container root filesystem image tarball from
// object storage. [*minio.Client] satisfies this directly.
type ImageFetcher interface {
	GetObject(ctx context.Context, bucketName, objectName string, opts miniogo.GetObjectOptions) (*miniogo.Object, error)
}

// config is the process interior's view of [interior.Config], populated
// by round-tripping the caller-supplied map through JSON.
type config struct {
	// Image names the root filesystem tarball to fetch, stored as
	// "<Image>.tar" in the configured bucket.
	Image string `json:"image"`

	// Command is the entry command exec'd on Start, Command[0] the
	// binary and the rest its arguments.
	Command []string `json:"command"`

	// Env is additional environment passed to the supervised process,
	// in "KEY=VALUE" form.
	Env []string `json:"env"`
}

func parseConfig(raw interior.Config) (config, error) {
	var cfg config
	blob, err := json.Marshal(raw)
	if err != nil {
		return cfg, sserr.Wrap(err, sserr.CodeValidation, "process: invalid config")
	}
	if err := json.Unmarshal(blob, &cfg); err != nil {
		return cfg, sserr.Wrap(err, sserr.CodeValidation, "process: invalid config")
	}
	if cfg.Image == "" {
		return cfg, sserr.New(sserr.CodeValidationRequired, "process: config.image is required")
	}
	if len(cfg.Command) == 0 {
		return cfg, sserr.New(sserr.CodeValidationRequired, "process: config.command is required")
	}
	return cfg, nil
}

// Interior supervises one OS subprocess as a container's interior.
type Interior struct {
	id       string
	cfg      config
	fetcher  ImageFetcher
	bucket   string
	rootDir  string
	stopGrace time.Duration

	monitor interior.Monitor
	logger  *slog.Logger
	tracer  trace.Tracer

	mu        sync.Mutex
	cmd       *exec.Cmd
	exitedCh  chan struct{}
	startedAt time.Time
}

// NewFactory returns an [interior.Factory] that constructs process
// interiors fetching images from bucket via fetcher, extracting them
// under baseDir/<container-id>, and waiting stopGrace for graceful
// shutdown before escalating to SIGKILL.
func NewFactory(fetcher ImageFetcher, bucket, baseDir string, stopGrace time.Duration) interior.Factory {
	if stopGrace <= 0 {
		stopGrace = DefaultStopGrace
	}
	return func(ctx context.Context, id string, raw interior.Config, deps interior.Dependencies) (interior.Interior, error) {
		cfg, err := parseConfig(raw)
		if err != nil {
			return nil, err
		}
		logger := deps.Logger
		if logger == nil {
			logger = slog.Default()
		}
		return &Interior{
			id:        id,
			cfg:       cfg,
			fetcher:   fetcher,
			bucket:    bucket,
			rootDir:   filepath.Join(baseDir, id),
			stopGrace: stopGrace,
			monitor:   deps.Monitor,
			logger:    logger,
			tracer:    otel.Tracer(tracerName),
		}, nil
	}
}

// Load fetches the configured image tarball and extracts it into the
// container's root directory. It returns immediately; success or
// failure is reported asynchronously through Monitor.
func (p *Interior) Load(ctx context.Context, opts interior.Options) error {
	ctx, span := p.tracer.Start(ctx, "process.Load", trace.WithAttributes(
		attribute.String("container.id", p.id),
		attribute.String("container.image", p.cfg.Image),
	))

	go func() {
		defer span.End()
		if err := p.loadSync(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			p.logger.Error("process: load failed", "container_id", p.id, "error", err)
			p.monitor(interior.EventError, sserr.NewInteriorErrorWithCode(p.id, sserr.CodeUnavailableDependency, err))
			return
		}
		span.SetStatus(codes.Ok, "")
		p.monitor(interior.EventState, "stopped")
	}()
	return nil
}

func (p *Interior) loadSync(ctx context.Context) error {
	if err := os.MkdirAll(p.rootDir, 0o755); err != nil {
		return fmt.Errorf("process: create root dir: %w", err)
	}

	obj, err := p.fetcher.GetObject(ctx, p.bucket, p.cfg.Image+".tar", miniogo.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("process: fetch image %q: %w", p.cfg.Image, err)
	}
	defer obj.Close()

	return extractTar(obj, p.rootDir)
}

// extractTar writes the contents of a tar stream into dir. It is
// deliberately conservative: directories and regular files are the only
// entries honored; symlinks, devices, and other special entries are skipped.
func extractTar(r io.Reader, dir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("process: read tar entry: %w", err)
		}

		target := filepath.Join(dir, filepath.Clean("/"+hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		default:
			// Symlinks, devices, and other special entries are skipped;
			// a root filesystem image for a supervised process doesn't
			// need them.
		}
	}
}

// Unload removes the container's extracted root filesystem.
func (p *Interior) Unload(ctx context.Context, opts interior.Options) error {
	ctx, span := p.tracer.Start(ctx, "process.Unload", trace.WithAttributes(attribute.String("container.id", p.id)))
	go func() {
		defer span.End()
		if err := os.RemoveAll(p.rootDir); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			p.monitor(interior.EventError, sserr.NewInteriorError(p.id, err))
			return
		}
		span.SetStatus(codes.Ok, "")
		p.monitor(interior.EventState, "offline")
	}()
	return nil
}

// Start execs the configured entry command inside the container's root
// directory. cmd.Start returns as soon as the process has forked and
// exec'd, so "running" is reported immediately on success; a background
// goroutine waits for the process to exit and reports "stopped" when it
// does, however that exit came about.
func (p *Interior) Start(ctx context.Context, opts interior.Options) error {
	_, span := p.tracer.Start(ctx, "process.Start", trace.WithAttributes(
		attribute.String("container.id", p.id),
		attribute.StringSlice("container.command", p.cfg.Command),
	))
	defer span.End()

	cmd := exec.Command(p.cfg.Command[0], p.cfg.Command[1:]...)
	cmd.Dir = p.rootDir
	cmd.Env = append(os.Environ(), p.cfg.Env...)

	if err := cmd.Start(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return sserr.NewInteriorError(p.id, err)
	}

	exitedCh := make(chan struct{})
	p.mu.Lock()
	p.cmd = cmd
	p.exitedCh = exitedCh
	p.startedAt = time.Now()
	p.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		close(exitedCh)
		p.monitor(interior.EventState, "stopped")
	}()

	span.SetStatus(codes.Ok, "")
	p.monitor(interior.EventState, "running")
	return nil
}

// Stop signals the supervised process to exit: SIGTERM first, then
// SIGKILL if it hasn't exited within the configured grace period.
// Passing Options{"force": true} skips straight to SIGKILL. If no
// process has been started, Stop is a no-op that reports "stopped" directly.
func (p *Interior) Stop(ctx context.Context, opts interior.Options) error {
	_, span := p.tracer.Start(ctx, "process.Stop", trace.WithAttributes(attribute.String("container.id", p.id)))
	defer span.End()

	p.mu.Lock()
	cmd := p.cmd
	exitedCh := p.exitedCh
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		p.monitor(interior.EventState, "stopped")
		span.SetStatus(codes.Ok, "")
		return nil
	}

	force, _ := opts["force"].(bool)
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	if err := cmd.Process.Signal(sig); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return sserr.NewInteriorError(p.id, err)
	}

	if !force {
		go func() {
			select {
			case <-exitedCh:
			case <-time.After(p.stopGrace):
				_ = cmd.Process.Signal(syscall.SIGKILL)
			}
		}()
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// Status reports the supervised process's pid, its resident set size
// (read via gopsutil), and its uptime since Start. The resident set size
// is omitted (but pid is still reported) if gopsutil cannot read it, e.g.
// the process just exited.
// It is a no-op (no event emitted) if no process has ever been started.
func (p *Interior) Status(ctx context.Context, opts interior.Options) error {
	ctx, span := p.tracer.Start(ctx, "process.Status", trace.WithAttributes(attribute.String("container.id", p.id)))
	defer span.End()

	p.mu.Lock()
	cmd := p.cmd
	startedAt := p.startedAt
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		span.SetStatus(codes.Ok, "")
		return nil
	}

	payload := map[string]any{"pid": cmd.Process.Pid}
	if proc, err := gopsutilprocess.NewProcessWithContext(ctx, int32(cmd.Process.Pid)); err == nil {
		if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
			payload["rss_bytes"] = mem.RSS
		}
	}
	if !startedAt.IsZero() {
		payload["uptime_seconds"] = time.Since(startedAt).Seconds()
	}

	p.monitor(interior.EventStatus, payload)
	span.SetStatus(codes.Ok, "")
	return nil
}

var (
	_ interior.Interior = (*Interior)(nil)
	_ interior.Loader   = (*Interior)(nil)
	_ interior.Unloader = (*Interior)(nil)
	_ interior.Starter  = (*Interior)(nil)
	_ interior.Statuser = (*Interior)(nil)
)
