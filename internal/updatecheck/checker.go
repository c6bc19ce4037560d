package updatecheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/italolelis/app_updater/internal/logctx"
	"github.com/italolelis/app_updater/internal/storage"
	"github.com/italolelis/app_updater/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/mod/semver"
)

const (
	defaultTimeout = 8 * time.Second
	keepRecords    = 100
	maxManifest    = 1 << 20
)

// ErrCheckSkipped is returned when the check frequency says it is too early.
var ErrCheckSkipped = errors.New("update check skipped")

// Frequency controls how often unforced checks hit the server.
type Frequency string

const (
	// FrequencyStartup checks once per calendar day.
	FrequencyStartup Frequency = "startup"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
)

// ParseFrequency validates a configured frequency.
func ParseFrequency(v string) (Frequency, error) {
	switch f := Frequency(strings.ToLower(strings.TrimSpace(v))); f {
	case FrequencyStartup, FrequencyDaily, FrequencyWeekly:
		return f, nil
	case "":
		return FrequencyStartup, nil
	default:
		return "", fmt.Errorf("unknown check frequency %q", v)
	}
}

// Manifest is the server's version.json.
type Manifest struct {
	Version      string `json:"version"`
	DownloadURL  string `json:"downloadUrl,omitempty"`
	ReleaseNotes string `json:"releaseNotes,omitempty"`
	ForceUpdate  bool   `json:"forceUpdate,omitempty"`
}

// Result describes a completed check.
type Result struct {
	CurrentVersion  string    `json:"currentVersion"`
	LatestVersion   string    `json:"latestVersion"`
	UpdateAvailable bool      `json:"updateAvailable"`
	UpdateURL       string    `json:"updateUrl"`
	ReleaseNotes    string    `json:"releaseNotes,omitempty"`
	ForceUpdate     bool      `json:"forceUpdate,omitempty"`
	CheckedAt       time.Time `json:"checkedAt"`
}

type Config struct {
	APIBaseURL     string
	CurrentVersion string
	Frequency      Frequency
	Timeout        time.Duration
	UserAgent      string
}

// Checker compares the running version with the one the server advertises.
type Checker struct {
	cfg    Config
	repo   storage.CheckRepository
	client *http.Client
	tel    *telemetry.Telemetry
	now    func() time.Time
}

func New(cfg Config, repo storage.CheckRepository, tel *telemetry.Telemetry) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	if cfg.Frequency == "" {
		cfg.Frequency = FrequencyStartup
	}

	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")

	return &Checker{
		cfg:    cfg,
		repo:   repo,
		client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		tel:    tel,
		now:    time.Now,
	}
}

// Check fetches the server manifest unless the frequency says a check is not
// due yet, in which case it returns ErrCheckSkipped. force ignores the
// frequency. Every attempted check is recorded.
func (c *Checker) Check(ctx context.Context, force bool) (*Result, error) {
	logger := logctx.LoggerFromContext(ctx)

	if !force {
		due, err := c.due(ctx)
		if err != nil {
			logger.WarnContext(ctx, "failed to load last update check", "err", err)
		}

		if !due {
			c.tel.RecordUpdateCheck("skipped")

			return nil, ErrCheckSkipped
		}
	}

	checkedAt := c.now()

	var res *Result

	err := c.tel.InstrumentOperation(ctx, "update_check", "update_check", func(ctx context.Context) error {
		manifest, err := c.fetch(ctx)
		if err != nil {
			return err
		}

		res, err = c.compare(manifest)

		return err
	})

	rec := storage.CheckRecord{
		CheckedAt:      checkedAt,
		CurrentVersion: c.cfg.CurrentVersion,
		Success:        err == nil,
	}

	if err != nil {
		rec.Error = err.Error()
	} else {
		res.CheckedAt = checkedAt
		rec.LatestVersion = res.LatestVersion
		rec.UpdateAvailable = res.UpdateAvailable
	}

	if recErr := c.repo.RecordCheck(context.WithoutCancel(ctx), rec, keepRecords); recErr != nil {
		logger.WarnContext(ctx, "failed to record update check", "err", recErr)
	}

	if err != nil {
		c.tel.RecordUpdateCheck("error")
		logger.WarnContext(ctx, "update check failed", "err", err)

		return nil, err
	}

	if res.UpdateAvailable {
		c.tel.RecordUpdateCheck("update_available")
		logger.InfoContext(ctx, "update available", "current", res.CurrentVersion, "latest", res.LatestVersion)
	} else {
		c.tel.RecordUpdateCheck("up_to_date")
		logger.DebugContext(ctx, "application is up to date", "version", res.CurrentVersion)
	}

	return res, nil
}

// History returns the most recent checks, newest first.
func (c *Checker) History(ctx context.Context, limit int) ([]storage.CheckRecord, error) {
	return c.repo.RecentChecks(ctx, limit)
}

func (c *Checker) due(ctx context.Context) (bool, error) {
	last, ok, err := c.repo.LastSuccessfulCheck(ctx)
	if err != nil {
		return true, err
	}

	if !ok {
		return true, nil
	}

	now := c.now()

	switch c.cfg.Frequency {
	case FrequencyDaily:
		return now.Sub(last) >= 24*time.Hour, nil
	case FrequencyWeekly:
		return now.Sub(last) >= 7*24*time.Hour, nil
	default:
		return !sameDay(last, now), nil
	}
}

func (c *Checker) fetch(ctx context.Context) (*Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIBaseURL+"/version.json", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("Accept", "application/json")

	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("version request timed out after %s", c.cfg.Timeout)
		}

		return nil, fmt.Errorf("failed to fetch version manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("version manifest returned HTTP %d", resp.StatusCode)
	}

	var manifest Manifest
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxManifest)).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("failed to decode version manifest: %w", err)
	}

	if strings.TrimSpace(manifest.Version) == "" {
		return nil, errors.New("version manifest has no version")
	}

	return &manifest, nil
}

func (c *Checker) compare(m *Manifest) (*Result, error) {
	current, err := canonical(c.cfg.CurrentVersion)
	if err != nil {
		return nil, fmt.Errorf("current version: %w", err)
	}

	latest, err := canonical(m.Version)
	if err != nil {
		return nil, fmt.Errorf("server version: %w", err)
	}

	updateURL := m.DownloadURL
	if updateURL == "" {
		updateURL = c.cfg.APIBaseURL + "/upgrade"
	}

	return &Result{
		CurrentVersion:  c.cfg.CurrentVersion,
		LatestVersion:   m.Version,
		UpdateAvailable: semver.Compare(latest, current) > 0,
		UpdateURL:       updateURL,
		ReleaseNotes:    m.ReleaseNotes,
		ForceUpdate:     m.ForceUpdate,
	}, nil
}

// canonical accepts versions with or without a leading v.
func canonical(v string) (string, error) {
	v = strings.TrimSpace(v)
	v = "v" + strings.TrimPrefix(strings.TrimPrefix(v, "v"), "V")

	if !semver.IsValid(v) {
		return "", fmt.Errorf("invalid version %q", v[1:])
	}

	return v, nil
}

func sameDay(a, b time.Time) bool {
	a = a.Local()
	b = b.Local()

	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}
