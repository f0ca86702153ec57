package browser

import (
	"github.com/xkilldash9x/scalpel-explorer/api/schemas"
)

// ObserverKind selects which captured pages an observer receives.
type ObserverKind int

const (
	// NewPage observers receive every newly captured page.
	NewPage ObserverKind = iota
	// NewPageWithSink observers receive newly captured pages that recorded taint sinks.
	NewPageWithSink
)

func (k ObserverKind) String() string {
	switch k {
	case NewPage:
		return "new_page"
	case NewPageWithSink:
		return "new_page_with_sink"
	}
	return "unknown"
}

// PageObserver is called synchronously with each matching page.
type PageObserver func(*schemas.Page)

// Register adds an observer. Observers run in registration order.
func (b *Browser) Register(kind ObserverKind, fn PageObserver) {
	if fn == nil {
		return
	}
	b.observerMu.Lock()
	defer b.observerMu.Unlock()
	if b.observers == nil {
		b.observers = make(map[ObserverKind][]PageObserver)
	}
	b.observers[kind] = append(b.observers[kind], fn)
}

func (b *Browser) OnNewPage(fn PageObserver) { b.Register(NewPage, fn) }

func (b *Browser) OnNewPageWithSink(fn PageObserver) { b.Register(NewPageWithSink, fn) }

func (b *Browser) notify(kind ObserverKind, page *schemas.Page) {
	b.observerMu.RLock()
	fns := append([]PageObserver(nil), b.observers[kind]...)
	b.observerMu.RUnlock()

	for _, fn := range fns {
		fn(page)
	}
}
