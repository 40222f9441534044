package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"edge_finder/funnel"
	"edge_finder/metrics"
	"edge_finder/models"
	"edge_finder/notify"
	"edge_finder/storage"
)

// ManualTransition is an operator's request. Stage and Status are each
// optional; Reason is required when Stage is dismissed.
type ManualTransition struct {
	Stage  *models.FunnelStage
	Status *models.ReviewStatus
	Reason *models.DismissReason
	Note   string
}

// ReviewService applies operator decisions and learns from dismissals.
type ReviewService struct {
	store     storage.RecordStore
	patterns  storage.PatternStore
	filter    *ExclusionFilter
	extractor *FeedbackExtractor
	events    notify.Publisher
	now       func() time.Time
}

func NewReviewService(store storage.RecordStore, patterns storage.PatternStore, filter *ExclusionFilter) *ReviewService {
	if filter == nil {
		filter = NewExclusionFilter()
	}
	return &ReviewService{
		store:     store,
		patterns:  patterns,
		filter:    filter,
		extractor: NewFeedbackExtractor(),
		events:    notify.Noop{},
		now:       time.Now,
	}
}

func (s *ReviewService) SetPublisher(p notify.Publisher) {
	if p != nil {
		s.events = p
	}
}

// ApplyManualTransition validates t against the record and writes it in one
// conditional update. Invalid requests return a *funnel.ValidationError and
// leave the record untouched.
func (s *ReviewService) ApplyManualTransition(ctx context.Context, id uuid.UUID, t ManualTransition) (*models.Property, error) {
	if t.Stage == nil && t.Status == nil {
		return nil, &funnel.ValidationError{Msg: "transition names neither a stage nor a status"}
	}
	if t.Stage != nil && !funnel.IsValidStage(*t.Stage) {
		return nil, &funnel.ValidationError{Msg: fmt.Sprintf("unknown funnel stage %q", *t.Stage)}
	}
	if t.Status != nil && !funnel.IsValidStatus(*t.Status) {
		return nil, &funnel.ValidationError{Msg: fmt.Sprintf("unknown review status %q", *t.Status)}
	}

	p, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get property: %w", err)
	}
	if t.Stage != nil && *t.Stage == p.FunnelStage {
		return nil, &funnel.ValidationError{Msg: fmt.Sprintf("record is already %s", p.FunnelStage)}
	}

	now := s.now()
	expect := p.FunnelStage
	delta := storage.PropertyDelta{ExpectStage: &expect}
	var pattern *models.DismissalPattern

	stageChanged := t.Stage != nil && *t.Stage != p.FunnelStage
	if stageChanged {
		to := *t.Stage
		if err := funnel.CheckTransition(p.FunnelStage, to, models.ActorReviewer); err != nil {
			return nil, err
		}
		if err := funnel.ValidateDismissal(to, t.Reason); err != nil {
			return nil, err
		}
		delta.FunnelStage = &to
		delta.AppendStage = &models.StageChange{From: p.FunnelStage, To: to, Actor: models.ActorReviewer, At: now, Note: t.Note}

		switch to {
		case models.StageDismissed:
			reason := *t.Reason
			delta.DismissedReason = &reason
			archived := models.StatusArchived
			delta.Status = &archived
			if pat, ok := s.extractor.Extract(reason, p.Title, deref(p.Location), p.URL); ok {
				pat.SourceProperty = p.ID
				pattern = &pat
				delta.DismissedPattern = &pat.Key
			}
		case models.StageContacted:
			contacted := models.StatusContacted
			delta.Status = &contacted
		}
	}

	if t.Status != nil && !(stageChanged && *t.Stage == models.StageDismissed) {
		next, err := funnel.NextStatus(p.Status, *t.Status)
		if err != nil {
			return nil, err
		}
		delta.Status = &next
	}

	stored, err := s.store.Update(ctx, id, delta)
	if err != nil {
		return nil, fmt.Errorf("apply transition: %w", err)
	}

	if pattern != nil {
		s.learn(ctx, *pattern)
	}
	if stageChanged {
		metrics.ReviewTotal.WithLabelValues(string(stored.FunnelStage)).Inc()
		s.publish(ctx, notify.Event{
			Channel:    notify.ChannelStageChanged,
			PropertyID: id.String(),
			From:       string(p.FunnelStage),
			To:         string(stored.FunnelStage),
			Actor:      string(models.ActorReviewer),
			Reason:     reasonString(t.Reason),
			At:         now,
		})
	} else if stored.Status != p.Status {
		s.publish(ctx, notify.Event{
			Channel:    notify.ChannelStatusChanged,
			PropertyID: id.String(),
			From:       string(p.Status),
			To:         string(stored.Status),
			Actor:      string(models.ActorReviewer),
			At:         now,
		})
	}
	return stored, nil
}

// learn records a pattern in the live filter and the pattern store. The
// filter is updated even if persisting fails so the current process keeps
// suppressing matches.
func (s *ReviewService) learn(ctx context.Context, p models.DismissalPattern) {
	if s.filter.Add(p) {
		metrics.PatternsLearned.WithLabelValues(string(p.Reason)).Inc()
		log.Printf("Review: learned pattern %s", p.Key)
	}
	if s.patterns == nil {
		return
	}
	if _, err := s.patterns.AppendPattern(ctx, p); err != nil {
		log.Printf("Warning: failed to persist pattern %s: %v", p.Key, err)
	}
}

func (s *ReviewService) Star(ctx context.Context, id uuid.UUID) (*models.Property, error) {
	st := models.StatusStarred
	return s.ApplyManualTransition(ctx, id, ManualTransition{Status: &st})
}

func (s *ReviewService) Pass(ctx context.Context, id uuid.UUID) (*models.Property, error) {
	st := models.StatusPassed
	return s.ApplyManualTransition(ctx, id, ManualTransition{Status: &st})
}

func (s *ReviewService) Contact(ctx context.Context, id uuid.UUID, note string) (*models.Property, error) {
	stage := models.StageContacted
	return s.ApplyManualTransition(ctx, id, ManualTransition{Stage: &stage, Note: note})
}

func (s *ReviewService) Dismiss(ctx context.Context, id uuid.UUID, reason models.DismissReason, note string) (*models.Property, error) {
	stage := models.StageDismissed
	return s.ApplyManualTransition(ctx, id, ManualTransition{Stage: &stage, Reason: &reason, Note: note})
}

// Reactivate returns a dismissed record to discovered so it is verified
// again. Learned patterns stay in place.
func (s *ReviewService) Reactivate(ctx context.Context, id uuid.UUID, note string) (*models.Property, error) {
	p, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get property: %w", err)
	}
	to := models.StageDiscovered
	if err := funnel.CheckTransition(p.FunnelStage, to, models.ActorAdmin); err != nil {
		return nil, err
	}

	now := s.now()
	expect := p.FunnelStage
	status := models.StatusNew
	pending := models.VerifyPending
	isNew := true
	stored, err := s.store.Update(ctx, id, storage.PropertyDelta{
		ExpectStage:        &expect,
		FunnelStage:        &to,
		Status:             &status,
		VerificationResult: &pending,
		ClearDismissal:     true,
		IsNew:              &isNew,
		AppendStage:        &models.StageChange{From: p.FunnelStage, To: to, Actor: models.ActorAdmin, At: now, Note: note},
	})
	if err != nil {
		return nil, fmt.Errorf("reactivate: %w", err)
	}

	s.publish(ctx, notify.Event{
		Channel:    notify.ChannelStageChanged,
		PropertyID: id.String(),
		From:       string(p.FunnelStage),
		To:         string(to),
		Actor:      string(models.ActorAdmin),
		At:         now,
	})
	return stored, nil
}

// AcknowledgeSeen clears the is_new flag.
func (s *ReviewService) AcknowledgeSeen(ctx context.Context, id uuid.UUID) (*models.Property, error) {
	seen := false
	stored, err := s.store.Update(ctx, id, storage.PropertyDelta{IsNew: &seen})
	if err != nil {
		return nil, fmt.Errorf("acknowledge: %w", err)
	}
	return stored, nil
}

func (s *ReviewService) publish(ctx context.Context, ev notify.Event) {
	if err := s.events.Publish(ctx, ev); err != nil {
		log.Printf("Warning: failed to publish %s: %v", ev.Channel, err)
	}
}

func reasonString(r *models.DismissReason) string {
	if r == nil {
		return ""
	}
	return string(*r)
}

// IsValidation reports whether err is a rejected request rather than a
// storage failure.
func IsValidation(err error) bool {
	var ve *funnel.ValidationError
	return errors.As(err, &ve)
}
