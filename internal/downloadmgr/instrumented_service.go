package downloadmgr

import (
	"context"
	"errors"

	"github.com/italolelis/app_updater/internal/telemetry"
	"github.com/italolelis/app_updater/internal/update"
)

const clientName = "download_manager"

// InstrumentedService wraps a download service with client operation spans
// and metrics. Lookups of unknown ids are not counted as errors.
type InstrumentedService struct {
	svc       update.DownloadService
	telemetry *telemetry.Telemetry
}

func NewInstrumentedService(svc update.DownloadService, tel *telemetry.Telemetry) *InstrumentedService {
	return &InstrumentedService{
		svc:       svc,
		telemetry: tel,
	}
}

func (s *InstrumentedService) Enqueue(ctx context.Context, req *update.Request) (update.DownloadID, error) {
	var id update.DownloadID

	err := s.telemetry.InstrumentClientOperation(ctx, clientName, "enqueue", func(ctx context.Context) error {
		var err error

		id, err = s.svc.Enqueue(ctx, req)

		return err
	})

	return id, err
}

func (s *InstrumentedService) Query(ctx context.Context, id update.DownloadID) (*update.Record, error) {
	var (
		rec      *update.Record
		notFound error
	)

	err := s.telemetry.InstrumentClientOperation(ctx, clientName, "query", func(ctx context.Context) error {
		var err error

		rec, err = s.svc.Query(ctx, id)
		if errors.Is(err, update.ErrDownloadNotFound) {
			notFound = err

			return nil
		}

		return err
	})
	if err != nil {
		return nil, err
	}

	if notFound != nil {
		return nil, notFound
	}

	return rec, nil
}

func (s *InstrumentedService) Remove(ctx context.Context, id update.DownloadID) error {
	var notFound error

	err := s.telemetry.InstrumentClientOperation(ctx, clientName, "remove", func(ctx context.Context) error {
		err := s.svc.Remove(ctx, id)
		if errors.Is(err, update.ErrDownloadNotFound) {
			notFound = err

			return nil
		}

		return err
	})
	if err != nil {
		return err
	}

	return notFound
}
