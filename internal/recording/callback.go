package recording

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"liveclass/pkg/types"
)

// CallbackEvent is the provider's event type code.
type CallbackEvent int

const (
	EventRecordingExited CallbackEvent = 11
	EventUploadAllFiles  CallbackEvent = 31
	EventRecorderStarted CallbackEvent = 40
	EventRecorderExited  CallbackEvent = 41
)

// FileInfo describes one uploaded file.
type FileInfo struct {
	FileName       string `json:"fileName"`
	TrackType      string `json:"trackType"`
	UID            string `json:"uid"`
	MixedAllUser   bool   `json:"mixedAllUser"`
	IsPlayable     bool   `json:"isPlayable"`
	SliceStartTime int64  `json:"sliceStartTime"`
}

// CallbackDetails varies with the event type.
type CallbackDetails struct {
	MsgName    string          `json:"msgName,omitempty"`
	Status     int             `json:"status,omitempty"`
	State      int             `json:"state,omitempty"`
	ExitStatus int             `json:"exitStatus,omitempty"`
	FileList   json.RawMessage `json:"fileList,omitempty"`
}

// Files decodes the file list. The provider sends a bare string in some
// modes, which yields no files.
func (d CallbackDetails) Files() []FileInfo {
	var files []FileInfo
	if len(d.FileList) == 0 || json.Unmarshal(d.FileList, &files) != nil {
		return nil
	}
	return files
}

// CallbackBody is the inner payload of a provider callback.
type CallbackBody struct {
	ServiceType int             `json:"serviceType"`
	UID         string          `json:"uid"`
	Sequence    int             `json:"sequence"`
	SendTS      int64           `json:"sendts"`
	Cname       string          `json:"cname"`
	SID         string          `json:"sid"`
	Details     CallbackDetails `json:"details"`
}

// CallbackPayload is one provider notification.
type CallbackPayload struct {
	NoticeID  string        `json:"noticeId"`
	ProductID int           `json:"productId"`
	EventType CallbackEvent `json:"eventType"`
	NotifyMs  int64         `json:"notifyMs"`
	SID       string        `json:"sid"`
	Payload   CallbackBody  `json:"payload"`
}

// HandleProviderCallback applies a provider notification to the durable
// recording log. Redelivered notices are harmless.
func (o *Orchestrator) HandleProviderCallback(ctx context.Context, p *CallbackPayload) error {
	cname := p.Payload.Cname
	log := zerolog.Ctx(ctx).With().
		Str("component", "orchestrator").
		Str("sid", p.SID).
		Str("acronym", cname).
		Int("event_type", int(p.EventType)).
		Logger()

	if cname == "" {
		log.Debug().Msg("Callback without channel ignored")
		return nil
	}
	if !o.tracker.AppendCallback(*p) {
		log.Debug().Msg("Callback for a recording not tracked by this process")
	}

	switch p.EventType {
	case EventRecorderStarted:
		return o.recordStarted(ctx, p)
	case EventRecorderExited:
		return o.recordExited(ctx, p)
	case EventUploadAllFiles:
		return o.publishCopyJob(ctx, p)
	case EventRecordingExited:
		log.Info().Msg("Recording service exited")
	default:
		log.Debug().Msg("Nothing to do for callback event")
	}
	return nil
}

func (o *Orchestrator) recordStarted(ctx context.Context, p *CallbackPayload) error {
	if o.store == nil {
		return nil
	}
	existing, err := o.store.FindRecordingBySID(ctx, p.SID)
	if err != nil {
		return fmt.Errorf("look up recording %s: %w", p.SID, err)
	}
	if existing != nil {
		return nil
	}

	resourceID := ""
	if rec := o.tracker.FindBySID(p.SID); rec != nil {
		resourceID = rec.ResourceID
	}
	now := o.now().UTC()
	tz := o.sessionTZ(ctx, p.Payload.Cname)
	rec := &types.RecordingRecord{
		SID:        p.SID,
		ResourceID: resourceID,
		State:      types.StatusOngoing,
		Acronym:    p.Payload.Cname,
		Date:       types.LocalDate(now, tz),
		CreatedOn:  now,
		StartTime:  now,
		TZ:         tz,
	}
	if err := o.store.CreateRecording(ctx, rec); err != nil {
		return fmt.Errorf("create recording %s: %w", p.SID, err)
	}
	zerolog.Ctx(ctx).Info().Str("component", "orchestrator").Str("sid", p.SID).Msg("Recording record created")
	return nil
}

func (o *Orchestrator) recordExited(ctx context.Context, p *CallbackPayload) error {
	if o.store == nil {
		return nil
	}
	rec, err := o.store.FindRecordingBySID(ctx, p.SID)
	if err != nil {
		return fmt.Errorf("look up recording %s: %w", p.SID, err)
	}
	if rec == nil {
		zerolog.Ctx(ctx).Error().Str("component", "orchestrator").Str("sid", p.SID).Msg("Recording record not found for exit callback")
		return nil
	}
	rec.State = types.StatusCompleted
	rec.SetEndTime(o.now().UTC())
	if err := o.store.UpdateRecording(ctx, rec); err != nil {
		return fmt.Errorf("complete recording %s: %w", p.SID, err)
	}
	return nil
}

func (o *Orchestrator) publishCopyJob(ctx context.Context, p *CallbackPayload) error {
	if o.publisher == nil {
		return nil
	}
	// TECHNICAL DISCOVERY: the playlist is the last upload, so the notice
	// carries exactly the file whose slice start dates the recording
	files := p.Payload.Details.Files()
	if len(files) == 0 {
		return nil
	}

	token := ""
	if o.tokens != nil {
		t, err := o.tokens.CopyJobToken(p.Payload.Cname, p.SID)
		if err != nil {
			return fmt.Errorf("copy job token: %w", err)
		}
		token = t
	}

	job := &types.CopyJob{
		RecordDate: types.LocalDate(time.UnixMilli(files[0].SliceStartTime), o.sessionTZ(ctx, p.Payload.Cname)),
		Acronym:    p.Payload.Cname,
		SID:        p.SID,
		Token:      token,
	}
	if err := o.publisher.PublishCopyJob(ctx, job); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("component", "orchestrator").Str("sid", p.SID).Msg("Copy job publish failed")
		return fmt.Errorf("publish copy job %s: %w", p.SID, err)
	}
	return nil
}

// HandleCopyComplete closes out a recording whose files were archived. An
// empty archive means the session idled out, so the session is dropped.
func (o *Orchestrator) HandleCopyComplete(ctx context.Context, c *types.CopyComplete) error {
	log := zerolog.Ctx(ctx).With().Str("component", "orchestrator").Str("sid", c.SID).Str("acronym", c.Acronym).Logger()
	if c.SID == "" {
		return ErrUnknownSession
	}

	var errs []error
	if _, err := o.tracker.End(ctx, c.SID); err != nil {
		log.Warn().Err(err).Msg("Could not end tracked recording")
		errs = append(errs, err)
	}

	if o.store != nil {
		rec, err := o.store.FindRecordingBySID(ctx, c.SID)
		switch {
		case err != nil:
			errs = append(errs, err)
		case rec != nil:
			if rec.EndTime == nil {
				rec.SetEndTime(o.now().UTC())
			}
			rec.State = types.StatusUploaded
			if c.IsEmpty {
				rec.State = types.StatusEmpty
			}
			if err := o.store.UpdateRecording(ctx, rec); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if c.IsEmpty && c.Acronym != "" {
		log.Info().Msg("Empty recording, removing idle session")
		if err := o.registry.Remove(ctx, c.Acronym); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) sessionTZ(ctx context.Context, acronym string) string {
	if st, ok := o.registry.Lookup(ctx, acronym); ok {
		return st.TZ
	}
	return "UTC"
}
