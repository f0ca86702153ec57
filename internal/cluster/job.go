package cluster

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/xkilldash9x/scalpel-explorer/api/schemas"
	"github.com/xkilldash9x/scalpel-explorer/internal/browser"
)

// Handler receives every page a job discovers. Handlers run on worker goroutines, so
// a handler shared by several jobs must be safe for concurrent use.
type Handler func(page *schemas.Page)

// Job is a unit of work run on a single worker browser. Pages captured by the browser
// while the job runs are streamed to the job's handler automatically; emit is for
// pages the job produces itself.
type Job interface {
	ID() string
	Run(ctx context.Context, b *browser.Browser, emit Handler) error
}

// ResourceExploration loads a resource and explores every state reachable from it.
type ResourceExploration struct {
	JobID    string
	Resource any
	// MaxDepth bounds the exploration in DOM levels. Zero or less is unbounded.
	MaxDepth int
}

// NewResourceExploration returns an exploration job for resource.
func NewResourceExploration(resource any, maxDepth int) *ResourceExploration {
	return &ResourceExploration{JobID: uuid.NewString(), Resource: resource, MaxDepth: maxDepth}
}

func (j *ResourceExploration) ID() string { return j.JobID }

func (j *ResourceExploration) Run(ctx context.Context, b *browser.Browser, emit Handler) error {
	t, err := b.Load(ctx, j.Resource)
	if err != nil {
		return err
	}
	if t == nil {
		// Out of scope: the caller still hears about the resource.
		emit(schemas.EmptyPage(resourceURL(j.Resource)))
		return nil
	}
	_, err = b.ExploreAndFlush(ctx, j.MaxDepth)
	return err
}

// EventTrigger loads a resource, fires a single event in it and explores the
// states reachable from the result.
type EventTrigger struct {
	JobID    string
	Resource any
	Locator  *schemas.ElementLocator
	Event    schemas.Event
	Options  schemas.TransitionOptions
	MaxDepth int
}

func (j *EventTrigger) ID() string { return j.JobID }

func (j *EventTrigger) Run(ctx context.Context, b *browser.Browser, emit Handler) error {
	t, err := b.Load(ctx, j.Resource, browser.WithoutSnapshot())
	if err != nil {
		return err
	}
	if t == nil {
		emit(schemas.EmptyPage(resourceURL(j.Resource)))
		return nil
	}
	if b.PlayEvent(ctx, j.Locator, j.Event, j.Options) == nil {
		return fmt.Errorf("event %s on %s was not fired", j.Event, j.Locator)
	}
	b.CaptureSnapshot(ctx, nil)
	_, err = b.ExploreAndFlush(ctx, j.MaxDepth)
	return err
}

func resourceURL(resource any) string {
	switch r := resource.(type) {
	case string:
		return r
	case *url.URL:
		return r.String()
	case *http.Response:
		return r.Request.URL.String()
	case *schemas.Page:
		return r.URL
	case *schemas.DOM:
		return r.URL
	}
	return ""
}
