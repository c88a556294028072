package fablink

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ============================================================================
// Attachment Upload Gate
// ============================================================================

// Uploader runs one file through the upload lifecycle. Implemented by
// FilesClient.
type Uploader interface {
	Upload(ctx context.Context, data []byte, opts *UploadOptions) (*Attachment, error)
}

// PendingFile is one file queued for a send attempt.
type PendingFile struct {
	Name     string
	MimeType string
	Data     []byte
}

// UploadGate sequences attachment uploads ahead of message emission: a
// message is never emitted while any of its attachments are still uploading,
// and a single failed upload fails the entire send attempt.
type UploadGate struct {
	uploader Uploader
	logger   *zap.Logger
}

// NewUploadGate creates a gate over the given uploader.
func NewUploadGate(uploader Uploader, logger *zap.Logger) *UploadGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UploadGate{uploader: uploader, logger: logger}
}

// UploadAll uploads every file in parallel and returns the complete
// attachment set in input order. The first failure cancels the remaining
// uploads and aborts the attempt; no partial attachment set is ever
// returned.
func (g *UploadGate) UploadAll(ctx context.Context, conversationID string, files []PendingFile) ([]Attachment, error) {
	if len(files) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type uploadResult struct {
		idx int
		att *Attachment
		err error
	}
	results := make(chan uploadResult, len(files))

	for i, f := range files {
		go func(idx int, pf PendingFile) {
			att, err := g.uploader.Upload(ctx, pf.Data, &UploadOptions{
				ConversationID: conversationID,
				FileName:       pf.Name,
				MimeType:       pf.MimeType,
			})
			results <- uploadResult{idx: idx, att: att, err: err}
		}(i, f)
	}

	attachments := make([]Attachment, len(files))
	for range files {
		r := <-results
		if r.err != nil {
			g.logger.Warn("attachment upload failed",
				zap.String("conversationId", conversationID),
				zap.String("fileName", files[r.idx].Name),
				zap.Error(r.err))
			return nil, fmt.Errorf("upload %q: %w", files[r.idx].Name, r.err)
		}
		attachments[r.idx] = *r.att
	}
	return attachments, nil
}
