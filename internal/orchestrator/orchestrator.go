// Package orchestrator glues the dedup/state store to the event stream: it
// decides whether an inbound request is new, in flight, or already answered,
// and fans completed results out to every waiting party.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"coalesce/internal/domain"
	"coalesce/internal/store"
	"coalesce/internal/stream"
	"coalesce/internal/transport"
	"coalesce/internal/validate"

	"github.com/rs/zerolog"
)

const (
	ReplyInvalidURL = "Please send a valid YouTube video URL"
	ReplyQueued     = "Your YouTube video is being processed. You will receive the summary when it's ready."
	ReplyError      = "Sorry, there was an error processing your request."

	defaultFailureReply = "Sorry, we couldn't summarize your video."
)

type Config struct {
	// WorkStream is the stream new work-requested events are appended to.
	WorkStream string
	// NotifyOnFailure gates fanout of failure notices to waiting parties.
	NotifyOnFailure bool
	// FailureReply is the notice sent when NotifyOnFailure is set.
	FailureReply string
}

type Orchestrator struct {
	store     store.Store
	log       stream.Log
	deliverer transport.Deliverer
	cfg       Config
	logger    zerolog.Logger
}

func New(st store.Store, log stream.Log, d transport.Deliverer, cfg Config, logger zerolog.Logger) *Orchestrator {
	if cfg.WorkStream == "" {
		cfg.WorkStream = string(domain.KindWorkRequested)
	}
	if cfg.FailureReply == "" {
		cfg.FailureReply = defaultFailureReply
	}
	return &Orchestrator{store: st, log: log, deliverer: d, cfg: cfg, logger: logger}
}

// HandleInbound serves one chat message and returns the reply text. Store and
// stream failures never escape: they are logged and answered with a generic
// failure reply, keeping the inbound path alive.
func (o *Orchestrator) HandleInbound(ctx context.Context, msg domain.ChatMessage) string {
	url := strings.TrimSpace(msg.Text)
	if !validate.WithinMessageLimit(url) || !validate.IsYoutubeURL(url) {
		return ReplyInvalidURL
	}

	// On ErrConflict the whole decision is retried once from the top: the
	// racing winner's row is then visible to the join/lookup paths.
	for attempt := 0; attempt < 2; attempt++ {
		reply, conflict, err := o.dispatch(ctx, url, msg.PartyID)
		if err != nil {
			o.logger.Error().Err(err).Str("url", url).Str("party", msg.PartyID).Msg("inbound request failed")
			return ReplyError
		}
		if !conflict {
			return reply
		}
	}
	o.logger.Error().Str("url", url).Str("party", msg.PartyID).Msg("create/join conflict persisted after retry")
	return ReplyError
}

func (o *Orchestrator) dispatch(ctx context.Context, url, partyID string) (reply string, conflict bool, err error) {
	if _, ok, err := o.store.LookupCompleted(ctx, url); err != nil {
		return "", false, fmt.Errorf("lookup completed: %w", err)
	} else if ok {
		cached, found, err := o.store.LookupCachedResult(ctx, url)
		if err != nil {
			return "", false, fmt.Errorf("lookup cached result: %w", err)
		}
		if !found {
			return "", false, fmt.Errorf("request %q completed but no cached result", url)
		}
		return cached.Content, false, nil
	}

	if _, ok, err := o.store.JoinIfProcessing(ctx, url, partyID); errors.Is(err, store.ErrConflict) {
		return "", true, nil
	} else if err != nil {
		return "", false, fmt.Errorf("join processing: %w", err)
	} else if ok {
		return ReplyQueued, false, nil
	}

	requestID, err := o.store.CreateNew(ctx, url, partyID)
	if errors.Is(err, store.ErrConflict) {
		return "", true, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("create request: %w", err)
	}

	fields, err := domain.EncodeFields(domain.Event{
		Kind:          domain.KindWorkRequested,
		Meta:          &domain.Meta{RequestID: requestID, URL: url},
		WorkRequested: &domain.WorkRequestedPayload{URL: url},
	})
	if err != nil {
		return "", false, fmt.Errorf("encode work event: %w", err)
	}
	if _, err := o.log.Append(ctx, o.cfg.WorkStream, fields); err != nil {
		return "", false, fmt.Errorf("append work event: %w", err)
	}
	return ReplyQueued, false, nil
}

// CompletionHandler adapts HandleCompletion to the stream consume loop. A
// decode failure is treated like a handler failure: the loop stops and the
// entry stays pending for the supervisor-restarted consumer.
func (o *Orchestrator) CompletionHandler() stream.Handler {
	return func(ctx context.Context, e stream.Entry) error {
		ev, err := domain.DecodeFields(strconv.FormatInt(e.ID, 10), e.Fields)
		if err != nil {
			return err
		}
		return o.HandleCompletion(ctx, ev)
	}
}

// HandleCompletion persists the outcome, resolves the request, and fans the
// result out to every party collected while the work was in flight. Processing
// the same completion twice is safe: the cached write is conditional and the
// second resolve drains an already-empty set.
func (o *Orchestrator) HandleCompletion(ctx context.Context, ev domain.Event) error {
	key := ev.Key()
	if key == "" {
		return fmt.Errorf("completion event %q carries no key", ev.Kind)
	}

	switch ev.Kind {
	case domain.KindSummaryCreated:
		if err := o.store.UpsertResult(ctx, key, ev.SummaryCreated.Summary); err != nil {
			return fmt.Errorf("upsert result for %q: %w", key, err)
		}
		parties, err := o.resolve(ctx, ev, key, domain.StateCompleted)
		if err != nil {
			return err
		}
		if len(parties) > 0 {
			o.deliverer.Deliver(ctx, parties, ev.SummaryCreated.Summary)
		}
		return nil

	case domain.KindSummaryFailed:
		parties, err := o.resolve(ctx, ev, key, domain.StateFailed)
		if err != nil {
			return err
		}
		if o.cfg.NotifyOnFailure && len(parties) > 0 {
			o.deliverer.Deliver(ctx, parties, o.cfg.FailureReply)
		}
		return nil

	default:
		return fmt.Errorf("%w: %q on completion path", domain.ErrUnknownEvent, ev.Kind)
	}
}

func (o *Orchestrator) resolve(ctx context.Context, ev domain.Event, key string, outcome domain.RequestState) ([]string, error) {
	requestID := ""
	if ev.Meta != nil {
		requestID = ev.Meta.RequestID
	}
	if requestID == "" {
		id, ok, err := o.store.RequestIDByKey(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("request id for %q: %w", key, err)
		}
		if !ok {
			// Well-formed completion with no matching request: nothing to
			// resolve or fan out. Acknowledge rather than wedge the loop.
			o.logger.Warn().Str("key", key).Str("kind", string(ev.Kind)).Msg("completion for unknown request")
			return nil, nil
		}
		requestID = id
	}
	parties, err := o.store.Resolve(ctx, requestID, outcome)
	if errors.Is(err, store.ErrNotFound) {
		// Meta named a request id the store has never seen (stale meta or a
		// wiped store). Same treatment as the meta-less unknown-request case.
		o.logger.Warn().Str("request", requestID).Str("key", key).Str("kind", string(ev.Kind)).Msg("completion for unknown request")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", requestID, err)
	}
	return parties, nil
}
