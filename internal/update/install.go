package update

import (
	"context"
	"fmt"
	"os"

	"github.com/italolelis/app_updater/internal/logctx"
)

// Installer hands a completed artifact to the platform installer.
type Installer struct {
	resolver ContentResolver
	launcher Launcher
	mimeType string
}

func NewInstaller(resolver ContentResolver, launcher Launcher, mimeType string) *Installer {
	return &Installer{
		resolver: resolver,
		launcher: launcher,
		mimeType: mimeType,
	}
}

// Install checks that the artifact exists and is non-empty, resolves a
// content reference for it and launches the install flow. It returns as soon
// as the launcher has started; the user's decision is not awaited.
func (i *Installer) Install(ctx context.Context, path string) error {
	logger := logctx.LoggerFromContext(ctx).With("artifact", path)

	info, err := os.Stat(path)
	if err != nil {
		return &ArtifactMissingError{Path: path, Err: err}
	}

	if info.IsDir() || info.Size() == 0 {
		return &ArtifactMissingError{Path: path, Err: errEmptyArtifact}
	}

	ref, err := i.resolver.Resolve(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to resolve content reference: %w", err)
	}

	if ref.MimeType == "" {
		ref.MimeType = i.mimeType
	}

	logger.InfoContext(ctx, "launching installer", "uri", ref.URI, "mime_type", ref.MimeType)

	if err := i.launcher.Launch(ctx, ref); err != nil {
		return fmt.Errorf("failed to launch installer: %w", err)
	}

	return nil
}
