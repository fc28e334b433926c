package browser

import (
	"context"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

// page is the handful of DOM operations the session needs.
type page interface {
	// Launch starts the browser behind the tab. The browser lives as long as
	// ctx, so ctx must be the tab context itself.
	Launch(ctx context.Context) error
	Open(ctx context.Context, url string) error
	WaitPresent(ctx context.Context, selector string) error
	PressEnter(ctx context.Context, selector string) error
}

// chromePage runs actions on the tab behind a chromedp context. Every ctx
// passed in must derive from that tab context.
type chromePage struct{}

func (chromePage) Launch(ctx context.Context) error {
	return chromedp.Run(ctx)
}

func (chromePage) Open(ctx context.Context, url string) error {
	return chromedp.Run(ctx, chromedp.Navigate(url))
}

func (chromePage) WaitPresent(ctx context.Context, selector string) error {
	return chromedp.Run(ctx, chromedp.WaitReady(selector, chromedp.ByQuery))
}

func (chromePage) PressEnter(ctx context.Context, selector string) error {
	return chromedp.Run(ctx, chromedp.SendKeys(selector, kb.Enter, chromedp.ByQuery))
}
