// Package talk turns control requests into viewer notifications. It is the
// only place where a fetched asset becomes a broadcast.
package talk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lexiqai/talk-gateway/internal/assets"
	"github.com/lexiqai/talk-gateway/internal/observability"
	"github.com/lexiqai/talk-gateway/internal/protocol"
)

var tracer = observability.Tracer("talk-gateway/talk")

// Outcome is what happened to one control request
type Outcome string

const (
	OutcomeBroadcast   Outcome = observability.OutcomeBroadcast
	OutcomeInvalid     Outcome = observability.OutcomeInvalid
	OutcomeFetchFailed Outcome = observability.OutcomeFetchFailed
	OutcomeIgnored     Outcome = observability.OutcomeIgnored
)

// Result describes a handled control request
type Result struct {
	Outcome Outcome `json:"outcome"`
	// AudioPath is the reference sent to viewers, set on OutcomeBroadcast
	AudioPath  string `json:"audio_path,omitempty"`
	Recipients int    `json:"recipients"`
}

// Fetcher downloads a remote asset into local storage
type Fetcher interface {
	Fetch(ctx context.Context, sourceURL, name string) (*assets.Asset, error)
}

// Referencer maps a stored asset name to the path viewers receive
type Referencer interface {
	Reference(name string) (string, error)
}

// Broadcaster fans a payload out to every viewer
type Broadcaster interface {
	Broadcast(payload []byte) int
}

// Service handles control requests
type Service struct {
	fetcher     Fetcher
	refs        Referencer
	broadcaster Broadcaster
	logger      zerolog.Logger
}

// NewService creates a talk service
func NewService(fetcher Fetcher, refs Referencer, broadcaster Broadcaster, logger zerolog.Logger) *Service {
	return &Service{
		fetcher:     fetcher,
		refs:        refs,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// Handle processes one control request. Fetching happens before Handle
// returns, and nothing is broadcast unless the asset is fully stored.
// Unknown actions are logged and ignored.
func (s *Service) Handle(ctx context.Context, req protocol.ControlRequest) (Result, error) {
	logger := s.loggerFor(ctx).With().Str("action", req.Action).Logger()

	ctx, span := tracer.Start(ctx, "talk.Handle", trace.WithAttributes(attribute.String("talk.action", req.Action)))

	var (
		res Result
		err error
	)
	switch req.Action {
	case protocol.ActionTalk:
		res, err = s.handleTalk(ctx, logger, req.Data)
	default:
		logger.Info().Msg("Ignoring unsupported action")
		res = Result{Outcome: OutcomeIgnored}
	}

	observability.RecordTalkRequest(string(res.Outcome))
	span.SetAttributes(
		attribute.String("talk.outcome", string(res.Outcome)),
		attribute.Int("talk.recipients", res.Recipients),
	)
	observability.EndSpan(span, err)
	return res, err
}

func (s *Service) handleTalk(ctx context.Context, logger zerolog.Logger, raw json.RawMessage) (Result, error) {
	data, err := decodeTalkData(raw)
	if err != nil {
		logger.Warn().Err(err).Msg("Rejected talk request")
		return Result{Outcome: OutcomeInvalid}, err
	}

	name, err := assets.NameFromURL(data.AudioPath, data.Filename)
	if err != nil {
		verr := &ValidationError{Field: "audio_path", Reason: "does not name a file", Err: err}
		logger.Warn().Err(verr).Str("audio_path", data.AudioPath).Msg("Rejected talk request")
		return Result{Outcome: OutcomeInvalid}, verr
	}

	logger = logger.With().Str("source", data.AudioPath).Str("asset", name).Logger()

	asset, err := s.fetcher.Fetch(ctx, data.AudioPath, name)
	if err != nil {
		event := logger.Error().Err(err)
		if assets.IsPersistence(err) {
			event = event.Str("kind", "persistence")
		}
		event.Msg("Fetch failed, nothing broadcast")
		return Result{Outcome: OutcomeFetchFailed}, err
	}

	ref, err := s.refs.Reference(asset.Name)
	if err != nil {
		logger.Error().Err(err).Msg("Could not build viewer reference")
		return Result{Outcome: OutcomeFetchFailed}, &assets.FetchError{Op: assets.OpPersist, URL: data.AudioPath, Err: err}
	}

	payload, err := protocol.EncodeTalk(ref)
	if err != nil {
		return Result{Outcome: OutcomeFetchFailed}, fmt.Errorf("encoding talk message: %w", err)
	}

	recipients := s.broadcaster.Broadcast(payload)
	logger.Info().Str("audio_path", ref).Int("recipients", recipients).Msg("Talk broadcast")

	return Result{Outcome: OutcomeBroadcast, AudioPath: ref, Recipients: recipients}, nil
}

func decodeTalkData(raw json.RawMessage) (protocol.TalkData, error) {
	var data protocol.TalkData
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return data, &ValidationError{Field: "data", Reason: "is missing"}
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return data, &ValidationError{Field: "data", Reason: "has the wrong shape", Err: err}
		}
		return data, &ValidationError{Field: "data", Reason: "is malformed", Err: err}
	}
	if strings.TrimSpace(data.AudioPath) == "" {
		return data, &ValidationError{Field: "audio_path", Reason: "is missing"}
	}
	data.AudioPath = strings.TrimSpace(data.AudioPath)
	return data, nil
}

// loggerFor prefers a request-scoped logger carried by ctx
func (s *Service) loggerFor(ctx context.Context) zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return *l
	}
	return s.logger
}
