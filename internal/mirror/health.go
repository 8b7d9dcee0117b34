package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type HealthGate struct {
	source  Source
	dest    Destination
	retrier *Retrier
	log     zerolog.Logger
	now     func() time.Time
}

func NewHealthGate(source Source, dest Destination, retrier *Retrier, log zerolog.Logger) *HealthGate {
	if retrier == nil {
		retrier = &Retrier{Log: log}
	}
	return &HealthGate{
		source:  source,
		dest:    dest,
		retrier: retrier,
		log:     log,
		now:     time.Now,
	}
}

// Check verifies both endpoints concurrently, provisioning a missing source
// database or destination table. Readiness is only fully set when both
// checks succeed; any error is fatal to the caller.
func (g *HealthGate) Check(ctx context.Context) (Readiness, error) {
	if g == nil || g.source == nil || g.dest == nil {
		return Readiness{}, ErrInvalidInput
	}
	var (
		wg        sync.WaitGroup
		info      SourceInfo
		sourceErr error
		destErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		sourceErr = g.retrier.Do(ctx, "source health check", func(ctx context.Context) error {
			var err error
			info, err = g.checkSource(ctx)
			return err
		})
	}()
	go func() {
		defer wg.Done()
		destErr = g.retrier.Do(ctx, "destination health check", g.checkDestination)
	}()
	wg.Wait()

	readiness := Readiness{
		SourceReady:      sourceErr == nil,
		DestinationReady: destErr == nil,
		UpdateSeq:        info.UpdateSeq,
		CheckedAt:        g.now().UTC(),
	}
	if err := errors.Join(sourceErr, destErr); err != nil {
		return readiness, err
	}
	g.log.Info().
		Str("database", info.Database).
		Int64("doc_count", info.DocCount).
		Str("update_seq", info.UpdateSeq).
		Msg("source and destination ready")
	return readiness, nil
}

func (g *HealthGate) checkSource(ctx context.Context) (SourceInfo, error) {
	info, err := g.source.Info(ctx)
	if err == nil {
		return info, nil
	}
	switch {
	case errors.Is(err, ErrConnRefused):
		g.log.Warn().Err(err).Msg("source refused connection")
		return SourceInfo{}, err
	case errors.Is(err, ErrSourceNotFound):
		g.log.Info().Msg("source database missing, creating it")
		if createErr := g.source.CreateDatabase(ctx); createErr != nil {
			return SourceInfo{}, fmt.Errorf("create source database: %w", createErr)
		}
		// A fresh database has nothing to dump and an empty sequence.
		return SourceInfo{}, nil
	default:
		return SourceInfo{}, err
	}
}

func (g *HealthGate) checkDestination(ctx context.Context) error {
	err := g.dest.Check(ctx)
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrConnRefused):
		g.log.Warn().Err(err).Msg("destination refused connection")
		return err
	case errors.Is(err, ErrRelationNotFound):
		g.log.Info().Msg("destination table missing, creating it")
		if createErr := g.dest.CreateTable(ctx); createErr != nil {
			return fmt.Errorf("create destination table: %w", createErr)
		}
		return nil
	default:
		return err
	}
}
