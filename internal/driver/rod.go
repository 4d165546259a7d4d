package driver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"

	"github.com/streamsnare/streamsnare/internal/humanize"
)

// Rod drives headless Chromium over CDP.
type Rod struct{}

// NewRod creates the Chromium driver.
func NewRod() *Rod {
	return &Rod{}
}

// Launch starts a headless Chromium process and connects to it.
// The returned handle lives until Close or the process dies; it is not tied
// to ctx, which bounds only the launch itself.
func (d *Rod) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	l := newLauncher(opts.BinPath)

	controlURL, err := l.Context(ctx).Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	// Target discovery feeds the popup watcher in each context.
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(browser); err != nil {
		log.Debug().Err(err).Msg("Failed to enable target discovery")
	}

	log.Debug().Str("control_url", controlURL).Msg("Browser launched")

	b := &rodBrowser{browser: browser}
	b.watchDisconnect()
	return b, nil
}

// newLauncher builds the launcher with the fixed flag set. Each launcher can
// only be used once, so every launch creates a fresh one.
func newLauncher(binPath string) *launcher.Launcher {
	l := launcher.New()

	if binPath != "" {
		l = l.Bin(binPath)
	}

	l = l.Set("headless", "new")

	// Container flags
	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	// No GPU work: extraction never renders video, and software rasterization
	// of player canvases burns CPU for nothing.
	l = l.Set("disable-gpu").
		Set("disable-webgl").
		Set("disable-3d-apis").
		Set("disable-accelerated-2d-canvas")

	// Anti-detection: navigator.webdriver must stay undefined
	l = l.Set("disable-blink-features", "AutomationControlled")
	l = l.Delete("enable-automation")

	// Strip background services
	l = l.Set("disable-extensions").
		Set("disable-background-networking").
		Set("disable-sync").
		Set("disable-translate").
		Set("disable-default-apps").
		Set("no-first-run").
		Set("disable-component-update").
		Set("disable-domain-reliability").
		Set("disable-client-side-phishing-detection")

	l = l.Set("mute-audio")

	// One renderer, no site isolation: a single embed page does not need
	// per-origin processes and the extra processes dominate memory.
	l = l.Set("renderer-process-limit", "1").
		Set("disable-features", "IsolateOrigins,site-per-process")

	// Players often start the manifest fetch from a timer; a backgrounded
	// renderer would never fire it.
	l = l.Set("disable-background-timer-throttling").
		Set("disable-renderer-backgrounding")

	l = l.Set("js-flags", "--max-old-space-size=128")

	return l
}

// rodBrowser wraps a connected rod browser.
type rodBrowser struct {
	browser *rod.Browser

	mu           sync.Mutex
	disconnected bool
	onDisconnect []func()
}

// watchDisconnect drains the browser event stream; the channel closes when
// the CDP connection is torn down, by Close or by the process dying.
func (b *rodBrowser) watchDisconnect() {
	go func() {
		for range b.browser.Event() {
		}

		b.mu.Lock()
		b.disconnected = true
		callbacks := b.onDisconnect
		b.onDisconnect = nil
		b.mu.Unlock()

		for _, fn := range callbacks {
			fn()
		}
	}()
}

func (b *rodBrowser) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.disconnected
}

func (b *rodBrowser) OnDisconnect(fn func()) {
	b.mu.Lock()
	if b.disconnected {
		b.mu.Unlock()
		fn()
		return
	}
	b.onDisconnect = append(b.onDisconnect, fn)
	b.mu.Unlock()
}

func (b *rodBrowser) Close() error {
	return b.browser.Close()
}

// NewContext creates an incognito browser context and applies the context
// options to every page opened under it.
func (b *rodBrowser) NewContext(ctx context.Context, opts ContextOptions) (Context, error) {
	inc, err := b.browser.Context(ctx).Incognito()
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	// Detach from the acquisition context; the browsing context lives until
	// Close, not until the caller's deadline.
	inc = inc.Context(context.Background())

	if opts.IgnoreHTTPSErrors {
		if err := inc.IgnoreCertErrors(true); err != nil {
			log.Debug().Err(err).Msg("Failed to set certificate error tolerance")
		}
	}

	log.Debug().Str("context_id", string(inc.BrowserContextID)).Msg("Browser context created")

	c := &rodContext{inc: inc, opts: opts, done: make(chan struct{})}
	// A dead connection takes every context with it; surface that to whoever
	// is waiting on this one.
	b.OnDisconnect(c.markDone)
	return c, nil
}

// rodContext is one incognito browsing context.
type rodContext struct {
	inc  *rod.Browser
	opts ContextOptions

	done     chan struct{}
	doneOnce sync.Once

	mu          sync.Mutex
	pattern     string
	handler     RouteHandler
	onPage      func(Page)
	popupCancel context.CancelFunc
	routers     []*rod.HijackRouter
	pages       []Page
	closed      bool
}

func (c *rodContext) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Done reports context death, by Close or by browser disconnect.
func (c *rodContext) Done() <-chan struct{} {
	return c.done
}

// Route records the interceptor; it is installed on each page NewPage opens.
// Hijacking per page rather than per browser keeps concurrent contexts from
// seeing each other's traffic.
func (c *rodContext) Route(pattern string, handler RouteHandler) error {
	c.mu.Lock()
	c.pattern = pattern
	c.handler = handler
	c.mu.Unlock()
	return nil
}

// Unroute stops every installed router and drops the handler.
func (c *rodContext) Unroute(pattern string) error {
	c.mu.Lock()
	routers := c.routers
	c.routers = nil
	c.handler = nil
	c.mu.Unlock()

	var firstErr error
	for _, r := range routers {
		if err := r.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OnPage starts the popup watcher. Pages opened by the site carry an opener
// target; pages created through NewPage do not and are filtered out.
func (c *rodContext) OnPage(fn func(Page)) {
	c.mu.Lock()
	c.onPage = fn
	if c.popupCancel != nil || c.closed {
		c.mu.Unlock()
		return
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	c.popupCancel = cancel
	c.mu.Unlock()

	go c.watchPopups(watchCtx)
}

func (c *rodContext) watchPopups(ctx context.Context) {
	events := c.inc.Context(ctx)
	events.EachEvent(func(e *proto.TargetTargetCreated) bool {
		info := e.TargetInfo
		if info.Type != "page" || info.OpenerID == "" {
			return false
		}
		if info.BrowserContextID != c.inc.BrowserContextID {
			return false
		}

		page, err := c.inc.PageFromTarget(info.TargetID)
		if err != nil {
			log.Debug().Err(err).Msg("Failed to adopt popup page")
			return false
		}

		c.mu.Lock()
		fn := c.onPage
		c.mu.Unlock()
		if fn != nil {
			fn(&rodPage{page: page})
		}
		return false
	})()
}

// NewPage opens a stealth page, applies the context options and installs the
// route interceptor when one is registered.
func (c *rodContext) NewPage(ctx context.Context) (Page, error) {
	page, err := stealth.Page(c.inc.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	page = page.Context(context.Background())

	if err := c.preparePage(page); err != nil {
		_ = page.Close()
		return nil, err
	}

	c.mu.Lock()
	pattern, handler := c.pattern, c.handler
	c.mu.Unlock()

	if handler != nil {
		router := page.HijackRequests()
		err := router.Add(pattern, "", func(h *rod.Hijack) {
			route := &rodRoute{hijack: h}
			handler(route)
			if !route.done {
				// The router fulfills unanswered requests with an empty
				// response; an undecided request must hit the network.
				route.Continue()
			}
		})
		if err != nil {
			_ = page.Close()
			return nil, fmt.Errorf("failed to install route interceptor: %w", err)
		}
		go router.Run()

		c.mu.Lock()
		c.routers = append(c.routers, router)
		c.mu.Unlock()
	}

	p := &rodPage{page: page}

	c.mu.Lock()
	c.pages = append(c.pages, p)
	c.mu.Unlock()

	return p, nil
}

// preparePage applies the context options to a fresh page before navigation.
func (c *rodContext) preparePage(page *rod.Page) error {
	if c.opts.UserAgent != "" {
		err := (proto.NetworkSetUserAgentOverride{UserAgent: c.opts.UserAgent}).Call(page)
		if err != nil {
			return fmt.Errorf("failed to set user agent: %w", err)
		}
	}

	if c.opts.ViewportWidth > 0 && c.opts.ViewportHeight > 0 {
		err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             c.opts.ViewportWidth,
			Height:            c.opts.ViewportHeight,
			DeviceScaleFactor: 1,
			Mobile:            false,
		})
		if err != nil {
			return fmt.Errorf("failed to set viewport: %w", err)
		}
	}

	if c.opts.BypassCSP {
		if err := (proto.PageSetBypassCSP{Enabled: true}).Call(page); err != nil {
			return fmt.Errorf("failed to bypass CSP: %w", err)
		}
	}

	if c.opts.ReducedMotion {
		err := (proto.EmulationSetEmulatedMedia{
			Features: []*proto.EmulationMediaFeature{
				{Name: "prefers-reduced-motion", Value: "reduce"},
			},
		}).Call(page)
		if err != nil {
			log.Debug().Err(err).Msg("Failed to set reduced motion")
		}
	}

	if c.opts.BlockServiceWorkers {
		// A service worker could answer the manifest fetch from cache and
		// hide it from interception.
		err := (proto.NetworkSetBypassServiceWorker{Bypass: true}).Call(page)
		if err != nil {
			log.Debug().Err(err).Msg("Failed to bypass service workers")
		}
	}

	return nil
}

func (c *rodContext) Pages() []Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	pages := make([]Page, len(c.pages))
	copy(pages, c.pages)
	return pages
}

// Cookies snapshots all cookies of this browser context.
func (c *rodContext) Cookies(ctx context.Context) ([]Cookie, error) {
	res, err := proto.StorageGetCookies{
		BrowserContextID: c.inc.BrowserContextID,
	}.Call(c.inc.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}

	cookies := make([]Cookie, 0, len(res.Cookies))
	for _, ck := range res.Cookies {
		cookies = append(cookies, Cookie{Name: ck.Name, Value: ck.Value})
	}
	return cookies, nil
}

// Close stops the popup watcher and routers, then disposes the browser
// context, which closes every page in it.
func (c *rodContext) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.popupCancel
	routers := c.routers
	c.routers = nil
	c.handler = nil
	c.mu.Unlock()

	c.markDone()
	if cancel != nil {
		cancel()
	}
	for _, r := range routers {
		_ = r.Stop()
	}
	return c.inc.Close()
}

// rodRoute adapts one hijacked request. Abort and Continue record the
// verdict; the router applies it after the handler returns, so work done in
// the handler before Abort (like a cookie snapshot) is ordered before the
// request actually fails.
type rodRoute struct {
	hijack *rod.Hijack
	done   bool
}

func (r *rodRoute) Request() Request {
	return &rodRequest{req: r.hijack.Request}
}

func (r *rodRoute) Abort() {
	r.done = true
	r.hijack.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
}

func (r *rodRoute) Continue() {
	r.done = true
	r.hijack.ContinueRequest(&proto.FetchContinueRequest{})
}

type rodRequest struct {
	req *rod.HijackRequest
}

func (r *rodRequest) URL() string {
	return r.req.URL().String()
}

func (r *rodRequest) Header(name string) string {
	headers := r.req.Headers()
	if v, ok := headers[name]; ok {
		return v.Str()
	}
	// HTTP/2 requests carry lowercase header names
	if v, ok := headers[strings.ToLower(name)]; ok {
		return v.Str()
	}
	return ""
}

func (r *rodRequest) ResourceType() string {
	return strings.ToLower(string(r.req.Type()))
}

// rodPage wraps one tab.
type rodPage struct {
	page *rod.Page
}

// Goto navigates and waits for DOM content loaded. The wait is registered
// before navigation so a fast event cannot be missed.
func (p *rodPage) Goto(ctx context.Context, rawURL string, opts GotoOptions) error {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	page := p.page.Context(ctx)

	wait := page.WaitEvent(&proto.PageDomContentEventFired{})
	if err := page.Navigate(rawURL); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	wait()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("navigation timed out: %w", err)
	}
	return nil
}

func (p *rodPage) MainFrame() Frame {
	return &rodFrame{page: p.page}
}

// Frames resolves the page's direct iframes. Errors yield an empty slice:
// frame coaxing is best-effort by contract.
func (p *rodPage) Frames() []Frame {
	elements, err := p.page.Elements("iframe")
	if err != nil {
		return nil
	}

	frames := make([]Frame, 0, len(elements))
	for _, el := range elements {
		frame, err := el.Frame()
		_ = el.Release()
		if err != nil {
			continue
		}
		frames = append(frames, &rodFrame{page: frame})
	}
	return frames
}

func (p *rodPage) Close() error {
	return p.page.Close()
}

// rodFrame is a frame backed by a rod page handle (the main document or an
// iframe's content document).
type rodFrame struct {
	page *rod.Page
}

// Find returns the first match without retrying; the selector sweep decides
// what to do with misses.
func (f *rodFrame) Find(selector string) (Element, error) {
	has, el, err := f.page.Has(selector)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, nil
	}
	return &rodElement{el: el, page: f.page}, nil
}

type rodElement struct {
	el   *rod.Element
	page *rod.Page
}

// BoundingBox returns nil for elements without layout (hidden or detached).
func (e *rodElement) BoundingBox() (*Box, error) {
	shape, err := e.el.Shape()
	if err != nil {
		return nil, err
	}
	box := shape.Box()
	if box == nil {
		return nil, nil
	}
	return &Box{Width: box.Width, Height: box.Height}, nil
}

// Click presses the element with a humanised pointer gesture. The gesture's
// ctx checks keep the whole travel-hover-press sequence inside timeout.
func (e *rodElement) Click(timeout time.Duration) error {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return humanize.NewMouse(e.page).ClickElement(ctx, e.el)
}
