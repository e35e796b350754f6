package nomad

import (
	"context"
	"fmt"
)

// BackendUploader delivers pending items to the backend through a Client.
type BackendUploader struct {
	client *Client
}

// NewBackendUploader creates an uploader over client.
func NewBackendUploader(client *Client) *BackendUploader {
	return &BackendUploader{client: client}
}

// Upload is an UploadFunc. Sessions are created from JSON; recordings are
// uploaded as audio files, then titled and tagged.
func (u *BackendUploader) Upload(ctx context.Context, item PendingItem) error {
	switch item.Kind {
	case KindSession:
		return u.uploadSession(ctx, item.Session)
	case KindRecording:
		return u.uploadRecording(ctx, item.Recording)
	default:
		return fmt.Errorf("unknown pending item kind %q", item.Kind)
	}
}

func (u *BackendUploader) uploadSession(ctx context.Context, s *PendingSession) error {
	if s == nil {
		return fmt.Errorf("pending session is empty")
	}
	created, err := u.client.Sessions.Create(ctx, &SessionCreate{
		Duration:   s.Duration,
		InputMode:  s.InputMode,
		Title:      s.Title,
		Content:    s.Content,
		TagIDs:     s.TagIDs,
		Transcribe: s.Transcribe,
		Engine:     s.Engine,
	})
	if err != nil {
		return err
	}
	// The create endpoint does not store tags on every backend.
	if len(created.Tags) > 0 {
		return nil
	}
	return u.tag(ctx, created.ID, s.TagIDs)
}

func (u *BackendUploader) uploadRecording(ctx context.Context, r *PendingRecording) error {
	if r == nil {
		return fmt.Errorf("pending recording is empty")
	}
	name := r.FileName
	if name == "" {
		name = "recording.webm"
	}
	res, err := u.client.Upload.Files(ctx, UploadFile{FileName: name, MimeType: r.MimeType, Data: r.Audio})
	if err != nil {
		return err
	}
	if res.SessionID == "" {
		return fmt.Errorf("upload of %s returned no session id", name)
	}

	if r.Title != "" {
		title := r.Title
		if _, err := u.client.Sessions.Update(ctx, res.SessionID, &SessionUpdate{Title: &title}); err != nil {
			return fmt.Errorf("title session %s: %w", res.SessionID, err)
		}
	}
	return u.tag(ctx, res.SessionID, r.TagIDs)
}

func (u *BackendUploader) tag(ctx context.Context, sessionID string, tagIDs []string) error {
	if len(tagIDs) == 0 || sessionID == "" {
		return nil
	}
	if err := u.client.Sessions.SetTags(ctx, sessionID, tagIDs); err != nil {
		return fmt.Errorf("tag session %s: %w", sessionID, err)
	}
	return nil
}
