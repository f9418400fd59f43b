package core

import (
	"context"
	"fmt"

	"pkt.systems/tabkeeper/schema"
)

// tabListener turns surface callbacks for one tab into controller patches.
type tabListener struct {
	c  *Controller
	id schema.TabID
}

func (l *tabListener) OnNavigationStarted(url string) {
	loading := true
	progress := 0
	l.patch("navigation.started", schema.TabPatch{URL: &url, Loading: &loading, Progress: &progress})
}

func (l *tabListener) OnNavigationFinished(url, favicon string) {
	loading := false
	progress := 100
	patch := schema.TabPatch{URL: &url, Loading: &loading, Progress: &progress}
	if favicon != "" {
		patch.Favicon = &favicon
	}
	l.patch("navigation.finished", patch)
}

func (l *tabListener) OnProgress(percent int) {
	percent = min(max(percent, 0), 100)
	loading := percent < 100
	l.patch("progress", schema.TabPatch{Progress: &percent, Loading: &loading})
}

func (l *tabListener) OnTitleReceived(title string) {
	l.patch("title", schema.TabPatch{Title: &title})
}

func (l *tabListener) OnError(code int, message, url string) {
	id := l.id
	reason := fmt.Sprintf("%d: %s", code, message)
	l.c.trySubmit(op{name: "surface.error", tabID: id, fn: func(ctx context.Context) {
		tab, ok := l.c.repo.Get(id)
		if !ok {
			return
		}
		loading := false
		l.c.patchTab(ctx, id, schema.TabPatch{Loading: &loading})
		if url != "" {
			tab.URL = url
		}
		l.c.log.Warn("surface error", "tab", id, "code", code, "message", message, "url", url)
		l.c.emit(schema.TabEvent{Type: schema.TabEventSurfaceError, Tab: tab, Reason: reason})
	}})
}

func (l *tabListener) patch(name string, patch schema.TabPatch) {
	id := l.id
	if !l.c.trySubmit(op{name: name, tabID: id, fn: func(ctx context.Context) {
		l.c.patchTab(ctx, id, patch)
	}}) {
		l.c.log.Debug("surface callback dropped", "tab", id, "op", name)
	}
}
