package main

import (
	"errors"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/agentworkforce/threadrelay/internal/config"
	"github.com/agentworkforce/threadrelay/internal/threadrelay"
)

const (
	pointersDocKey = "pointers"
	threadsDocKey  = "threads"
)

// app wires the stores, note backend, pipeline and router from config.
type app struct {
	cfg      *config.Config
	pointers *threadrelay.PointerStore
	registry *threadrelay.ThreadRegistry
	backend  threadrelay.NoteBackend
	pipeline *threadrelay.Pipeline
	router   *threadrelay.Router
	closers  []io.Closer
}

func buildApp(cfg *config.Config) (*app, error) {
	if cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	a := &app{cfg: cfg}

	pointerBackend, err := threadrelay.BuildDocumentBackendFromDSN(cfg.PointersDSN(), pointersDocKey)
	if err != nil {
		return nil, err
	}
	a.track(pointerBackend)
	threadBackend, err := threadrelay.BuildDocumentBackendFromDSN(cfg.ThreadsDSN(), threadsDocKey)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.track(threadBackend)

	a.pointers = threadrelay.NewPointerStore(pointerBackend)
	a.registry = threadrelay.NewThreadRegistry(threadBackend)
	a.backend = buildNoteBackend(cfg)
	a.pipeline = threadrelay.NewPipeline(threadrelay.PipelineOptions{
		Registry: a.registry,
		Pointers: a.pointers,
		Backend:  a.backend,
	})
	a.router = threadrelay.NewRouter(threadrelay.RouterOptions{
		Pointers: a.pointers,
		Resolver: a.pipeline.Resolver(),
		Backend:  a.backend,
		Tag:      cfg.Router.Tag,
	})
	return a, nil
}

// buildNoteBackend returns the configured backend. An incomplete trilium
// configuration yields a failing backend so pointer-only commands still run.
func buildNoteBackend(cfg *config.Config) threadrelay.NoteBackend {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend.Kind)) {
	case "memory":
		return threadrelay.NewMemoryNoteBackend()
	case "stub":
		return threadrelay.NewFailingNoteBackend("note backend disabled by configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Debug().Err(err).Msg("note backend unavailable")
		return threadrelay.NewFailingNoteBackend(err.Error())
	}
	return threadrelay.NewTriliumClient(threadrelay.TriliumClientOptions{
		BaseURL:       cfg.Backend.BaseURL,
		TokenProvider: threadrelay.StaticTriliumToken(cfg.Backend.Token),
		Timeout:       cfg.Backend.Timeout,
		ParentNoteID:  cfg.Backend.ParentNote,
		UserAgent:     "threadrelay",
		LabelThreads:  cfg.Backend.LabelThreads,
		MaxRetries:    cfg.Backend.MaxRetries,
	})
}

func (a *app) track(backend threadrelay.DocumentBackend) {
	if closer, ok := backend.(io.Closer); ok {
		a.closers = append(a.closers, closer)
	}
}

func (a *app) Close() {
	if a == nil {
		return
	}
	for _, closer := range a.closers {
		if err := closer.Close(); err != nil {
			log.Warn().Err(err).Msg("closing document backend")
		}
	}
	a.closers = nil
}
