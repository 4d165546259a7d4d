// Package driver defines the narrow browser automation surface the service
// depends on, together with its Chromium implementation. The interfaces cover
// exactly what extraction needs: launching, isolated contexts, request
// interception, cookie snapshots, frame traversal and element clicks. Keeping
// the surface small makes the whole stack testable against the in-memory
// implementation in drivertest.
package driver

import (
	"context"
	"time"
)

// LaunchOptions configure a browser launch.
type LaunchOptions struct {
	// BinPath overrides the browser binary. Empty means auto-detect.
	BinPath string
}

// ContextOptions configure a fresh browsing context and every page opened
// under it.
type ContextOptions struct {
	UserAgent           string
	ViewportWidth       int
	ViewportHeight      int
	BypassCSP           bool
	IgnoreHTTPSErrors   bool
	ReducedMotion       bool
	BlockServiceWorkers bool
}

// GotoOptions configure a navigation. Goto returns once the DOM content is
// loaded; subresources may still be in flight.
type GotoOptions struct {
	Timeout time.Duration
}

// Cookie is a name/value pair captured from a browsing context.
type Cookie struct {
	Name  string
	Value string
}

// Box is an element's bounding box. A zero-area box means the element is not
// actually visible.
type Box struct {
	Width  float64
	Height float64
}

// Driver launches browsers.
type Driver interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}

// Browser is a handle to a live browser process.
type Browser interface {
	// NewContext creates an isolated browsing context with a fresh cookie jar.
	NewContext(ctx context.Context, opts ContextOptions) (Context, error)

	// IsConnected reports whether the protocol connection is still up.
	IsConnected() bool

	// OnDisconnect registers a callback fired once when the connection drops,
	// whether by Close or by the process dying. A callback registered after
	// the fact fires immediately.
	OnDisconnect(fn func())

	Close() error
}

// RouteHandler decides the fate of one intercepted request. It runs on the
// driver's event goroutine; it must call Abort or Continue before returning.
type RouteHandler func(Route)

// Context is an isolated browsing context. It owns its route interception
// registration and all pages opened under it. Not safe for use after Close.
type Context interface {
	// Route installs the request interceptor applied to every page
	// subsequently opened in this context.
	Route(pattern string, handler RouteHandler) error

	// Unroute detaches the interceptor from all pages.
	Unroute(pattern string) error

	// OnPage registers a callback for pages the site itself opens (popups).
	// Pages created through NewPage do not trigger it.
	OnPage(fn func(Page))

	NewPage(ctx context.Context) (Page, error)

	// Pages returns the pages created through NewPage, for teardown.
	Pages() []Page

	// Cookies snapshots all cookies currently held by the context.
	Cookies(ctx context.Context) ([]Cookie, error)

	// Done returns a channel closed when the context dies, whether through
	// Close or because the browser connection dropped underneath it.
	Done() <-chan struct{}

	Close() error
}

// Route is one intercepted request awaiting a verdict.
type Route interface {
	Request() Request

	// Abort cancels the request without letting it reach the network.
	Abort()

	// Continue releases the request to the network unchanged.
	Continue()
}

// Request is the read-only view of an intercepted request.
type Request interface {
	URL() string

	// Header returns a request header value, or "" when absent.
	Header(name string) string

	// ResourceType is the lowercase protocol resource type: document,
	// stylesheet, image, media, font, script, xhr, fetch, websocket, other.
	ResourceType() string
}

// Page is one open tab.
type Page interface {
	Goto(ctx context.Context, url string, opts GotoOptions) error

	MainFrame() Frame

	// Frames returns the page's direct child frames. The main frame is not
	// included.
	Frames() []Frame

	Close() error
}

// Frame is a document frame, either the main document or an iframe.
type Frame interface {
	// Find returns the first element matching the selector without waiting,
	// or (nil, nil) when there is no match.
	Find(selector string) (Element, error)
}

// Element is a located DOM element.
type Element interface {
	BoundingBox() (*Box, error)
	Click(timeout time.Duration) error
}
