package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/parcel-ingest/internal/adapter"
	"github.com/JakeFAU/parcel-ingest/internal/parcel"
)

// IngestedEvent is published after a parcel is persisted.
type IngestedEvent struct {
	Type                string    `json:"type"`
	RunID               string    `json:"run_id"`
	SourceKey           string    `json:"source_key"`
	ParcelID            string    `json:"parcel_id"`
	ParcelKey           string    `json:"parcel_key"`
	SalesInserted       int       `json:"sales_inserted"`
	AssessmentsUpserted int       `json:"assessments_upserted"`
	Unchanged           bool      `json:"unchanged,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
}

// EventTypeIngested tags IngestedEvent payloads.
const EventTypeIngested = "parcel.ingested"

// EventType reports the event tag used as a message attribute.
func (e IngestedEvent) EventType() string { return e.Type }

func (p *Pipeline) recordFetch(ctx context.Context, r *run, f adapter.Fetched) {
	if p.audit == nil {
		return
	}
	id, err := p.ids.NewID()
	if err != nil {
		r.logger.Warn("raw fetch id", zap.Error(err))
		return
	}
	rec := parcel.RawFetch{
		ID:             id,
		RunID:          r.record.ID,
		JobID:          r.job.ID,
		SourceKey:      r.source.Key,
		RequestURL:     f.RequestURL,
		RequestMethod:  f.Method,
		ResponseStatus: f.ResponseStatus,
		ContentType:    f.ContentType,
		Body:           f.Body,
		BodySHA256:     f.BodySHA256,
		FetchedAt:      f.FetchedAt,
	}
	if rec.RequestURL == "" {
		rec.RequestURL = f.FinalURL
	}
	if p.blobs != nil && len(f.Body) > 0 {
		uri, err := p.blobs.PutObject(context.WithoutCancel(ctx), p.blobPath(r, f.BodySHA256), f.ContentType, bytes.NewReader(f.Body))
		if err != nil {
			r.logger.Warn("archive raw body failed", zap.Error(err))
		} else {
			rec.BlobURI = uri
		}
	}
	p.auditWrite(ctx, r, "record raw fetch", func(ctx context.Context) error { return p.audit.RecordRawFetch(ctx, rec) })
	r.fetchID = id
}

func (p *Pipeline) recordArtifact(ctx context.Context, r *run, ex adapter.Extraction) {
	if p.audit == nil || r.fetchID == "" {
		return
	}
	id, err := p.ids.NewID()
	if err != nil {
		r.logger.Warn("parse artifact id", zap.Error(err))
		return
	}
	art := parcel.ParseArtifact{
		ID:            id,
		RunID:         r.record.ID,
		RawFetchID:    r.fetchID,
		ParserVersion: ex.ParserVersion,
		DOMSignature:  ex.DOMSignature,
		Fields:        ex.Fields,
		Warnings:      ex.Warnings,
		CreatedAt:     p.clock.Now().UTC(),
	}
	p.auditWrite(ctx, r, "record parse artifact", func(ctx context.Context) error { return p.audit.RecordParseArtifact(ctx, art) })
}

func (p *Pipeline) blobPath(r *run, hash string) string {
	prefix := strings.Trim(p.cfg.BlobPrefix, "/")
	name := fmt.Sprintf("%s/%s/%s.html", r.source.Key, r.record.ID, hash)
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// publish announces a persisted parcel. Failures are logged only.
func (p *Pipeline) publish(ctx context.Context, r *run) {
	if p.cfg.Topic == "" || p.publisher == nil || r.result.ParcelID == "" {
		return
	}
	evt := IngestedEvent{
		Type:                EventTypeIngested,
		RunID:               r.record.ID,
		SourceKey:           r.source.Key,
		ParcelID:            r.result.ParcelID,
		ParcelKey:           r.result.ParcelKey,
		SalesInserted:       r.result.Stats.SalesInserted,
		AssessmentsUpserted: r.result.Stats.AssessmentsUpserted,
		Unchanged:           r.result.Stats.Unchanged,
		Timestamp:           p.clock.Now().UTC(),
	}
	id, err := p.publisher.Publish(ctx, p.cfg.Topic, evt)
	if err != nil {
		r.logger.Warn("publish ingestion event failed", zap.Error(err))
		return
	}
	r.logger.Debug("ingestion event published", zap.String("message_id", id), zap.String("topic", p.cfg.Topic))
}
