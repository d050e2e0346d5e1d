package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

// Publisher fans pipeline events out on the bus for a review client.
type Publisher struct {
	client    *Client
	sessionID string
	log       *slog.Logger
	now       func() time.Time
}

func NewPublisher(client *Client, sessionID string, log *slog.Logger) *Publisher {
	return &Publisher{
		client:    client,
		sessionID: sessionID,
		log:       log.With(slog.String("component", "bus-publisher")),
		now:       time.Now,
	}
}

func (p *Publisher) Progress(_ context.Context, pr pipeline.Progress) {
	p.publish(protocol.SubjectProgress, protocol.Progress{
		SessionID:   p.sessionID,
		Completed:   pr.Completed,
		Total:       pr.Total,
		ElapsedMS:   pr.Elapsed.Milliseconds(),
		RemainingMS: pr.Remaining().Milliseconds(),
		Timestamp:   p.now().UTC(),
	})
}

func (p *Publisher) PartReady(_ context.Context, part pipeline.PartResult) {
	p.publish(protocol.SubjectPartReady, PartMessage(p.sessionID, part, p.now()))
}

// BatchDone is the last event of a run; it is flushed so a CLI process
// exiting right after does not drop it.
func (p *Publisher) BatchDone(ctx context.Context, r pipeline.Result) {
	p.publish(protocol.SubjectBatchDone, BatchMessage(p.sessionID, r, p.now()))
	p.flush(ctx)
}

// Finalized announces the written master track.
func (p *Publisher) Finalized(msg protocol.Finalized) {
	msg.SessionID = p.sessionID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = p.now().UTC()
	}
	p.publish(protocol.SubjectFinalized, msg)
	p.flush(context.Background())
}

func (p *Publisher) publish(subject string, v any) {
	if p == nil || p.client == nil {
		return
	}
	if err := p.client.PublishJSON(subject, v); err != nil {
		p.log.Warn("failed to publish event", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

func (p *Publisher) flush(ctx context.Context) {
	if p == nil || p.client == nil {
		return
	}
	// A cancelled batch still gets its final event out.
	if err := p.client.Flush(context.WithoutCancel(ctx)); err != nil {
		p.log.Warn("failed to flush events", slog.String("error", err.Error()))
	}
}

// PartMessage converts a part result into its wire form.
func PartMessage(sessionID string, part pipeline.PartResult, ts time.Time) protocol.PartReady {
	return protocol.PartReady{
		SessionID:    sessionID,
		Segment:      part.Key.Segment,
		Part:         part.Key.Part,
		SegmentTitle: part.SegmentTitle,
		Kind:         string(part.Kind),
		Filename:     part.Filename,
		AudioPath:    part.AudioPath,
		DurationMS:   part.Duration.Milliseconds(),
		Approved:     part.Approved,
		Timestamp:    ts.UTC(),
	}
}

// BatchMessage converts a batch result into its wire form.
func BatchMessage(sessionID string, r pipeline.Result, ts time.Time) protocol.BatchDone {
	msg := protocol.BatchDone{
		SessionID: sessionID,
		Parts:     len(r.Parts),
		Timestamp: ts.UTC(),
	}
	for _, e := range r.Errors {
		msg.Failures = append(msg.Failures, protocol.TaskFailure{
			Segment:      e.Key.Segment,
			Part:         e.Key.Part,
			SegmentTitle: e.SegmentTitle,
			Message:      e.Message,
		})
	}
	return msg
}
