// Package drivertest provides an in-memory driver implementation for tests.
// Tests script it through exported hook fields and emit network requests and
// popups by hand; every interception verdict and teardown step is recorded
// on the context as an ordered stamp list.
package drivertest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/streamsnare/streamsnare/internal/driver"
)

var (
	_ driver.Driver  = (*Driver)(nil)
	_ driver.Browser = (*Browser)(nil)
	_ driver.Context = (*Context)(nil)
	_ driver.Route   = (*Route)(nil)
	_ driver.Request = (*Request)(nil)
	_ driver.Page    = (*Page)(nil)
	_ driver.Frame   = (*Frame)(nil)
	_ driver.Element = (*Element)(nil)
)

// Driver is a fake driver.Driver. Hook fields must be set before the code
// under test runs.
type Driver struct {
	// OnNewContext runs for every context created under any launched
	// browser, before the context is returned. Tests use it to seed
	// cookies, hooks and page content.
	OnNewContext func(*Context)
	// OnLaunch runs inside Launch after the attempt is counted and before
	// the result is produced. Tests block in it to hold a launch open.
	OnLaunch func()

	mu        sync.Mutex
	launches  int
	failQueue []error
	browsers  []*Browser
}

// NewDriver creates a fake driver whose launches always succeed.
func NewDriver() *Driver {
	return &Driver{}
}

// FailNextLaunches queues err for the next n Launch calls.
func (d *Driver) FailNextLaunches(err error, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < n; i++ {
		d.failQueue = append(d.failQueue, err)
	}
}

// Launch counts the attempt and returns either a queued failure or a fresh
// connected browser.
func (d *Driver) Launch(ctx context.Context, opts driver.LaunchOptions) (driver.Browser, error) {
	d.mu.Lock()
	d.launches++
	var err error
	if len(d.failQueue) > 0 {
		err = d.failQueue[0]
		d.failQueue = d.failQueue[1:]
	}
	hook := d.OnLaunch
	d.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}

	b := &Browser{d: d, LaunchOpts: opts}
	d.mu.Lock()
	d.browsers = append(d.browsers, b)
	d.mu.Unlock()
	return b, nil
}

// Launches returns how many times Launch was called, failures included.
func (d *Driver) Launches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.launches
}

// Browsers returns every browser launched so far.
func (d *Driver) Browsers() []*Browser {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Browser, len(d.browsers))
	copy(out, d.browsers)
	return out
}

// LastBrowser returns the most recently launched browser, or nil.
func (d *Driver) LastBrowser() *Browser {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.browsers) == 0 {
		return nil
	}
	return d.browsers[len(d.browsers)-1]
}

// Browser is a fake driver.Browser.
type Browser struct {
	LaunchOpts driver.LaunchOptions

	// NewContextErr, when set, fails every NewContext call.
	NewContextErr error

	d            *Driver
	mu           sync.Mutex
	disconnected bool
	closeCalls   int
	onDisconnect []func()
	contexts     []*Context
}

func (b *Browser) NewContext(ctx context.Context, opts driver.ContextOptions) (driver.Context, error) {
	b.mu.Lock()
	if b.NewContextErr != nil {
		err := b.NewContextErr
		b.mu.Unlock()
		return nil, err
	}
	c := &Context{b: b, Opts: opts, done: make(chan struct{})}
	b.contexts = append(b.contexts, c)
	b.mu.Unlock()

	if b.d != nil && b.d.OnNewContext != nil {
		b.d.OnNewContext(c)
	}
	return c, nil
}

func (b *Browser) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.disconnected
}

func (b *Browser) OnDisconnect(fn func()) {
	b.mu.Lock()
	if b.disconnected {
		b.mu.Unlock()
		fn()
		return
	}
	b.onDisconnect = append(b.onDisconnect, fn)
	b.mu.Unlock()
}

// Close counts the call and tears the connection down, firing disconnect
// callbacks the way a real browser does when its process exits.
func (b *Browser) Close() error {
	b.mu.Lock()
	b.closeCalls++
	b.mu.Unlock()
	b.Disconnect()
	return nil
}

// Disconnect simulates the browser process dying. Callbacks fire once and
// every context created under the browser reports done.
func (b *Browser) Disconnect() {
	b.mu.Lock()
	if b.disconnected {
		b.mu.Unlock()
		return
	}
	b.disconnected = true
	callbacks := b.onDisconnect
	b.onDisconnect = nil
	contexts := make([]*Context, len(b.contexts))
	copy(contexts, b.contexts)
	b.mu.Unlock()

	for _, c := range contexts {
		c.markDone()
	}
	for _, fn := range callbacks {
		fn()
	}
}

// CloseCalls returns how many times Close was called.
func (b *Browser) CloseCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeCalls
}

// Contexts returns every context created under this browser.
func (b *Browser) Contexts() []*Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Context, len(b.contexts))
	copy(out, b.contexts)
	return out
}

// Context is a fake driver.Context. It records a stamp for each observable
// step ("newpage", "goto URL", "cookies", "abort URL", "continue URL",
// "unroute", "close") so tests can assert ordering.
type Context struct {
	Opts driver.ContextOptions

	// CookiesErr, when set, fails every Cookies call.
	CookiesErr error
	// NewPageErr, when set, fails every NewPage call.
	NewPageErr error
	// OnGoto runs synchronously inside Page.Goto after the URL is
	// recorded. Tests emit requests from it to simulate page traffic.
	OnGoto func(c *Context, p *Page, url string)
	// OnNewPage runs after NewPage creates a page, before it is returned.
	// Tests attach frames and elements to the page here.
	OnNewPage func(*Page)

	b          *Browser
	done       chan struct{}
	doneOnce   sync.Once
	mu         sync.Mutex
	pattern    string
	handler    driver.RouteHandler
	onPage     func(driver.Page)
	pages      []*Page
	cookies    []driver.Cookie
	closeCount int
	stamps     []string
}

func (c *Context) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Done closes on Close or when the owning browser disconnects.
func (c *Context) Done() <-chan struct{} {
	return c.done
}

func (c *Context) stamp(s string) {
	c.mu.Lock()
	c.stamps = append(c.stamps, s)
	c.mu.Unlock()
}

// Stamps returns the recorded steps in order.
func (c *Context) Stamps() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.stamps))
	copy(out, c.stamps)
	return out
}

func (c *Context) Route(pattern string, handler driver.RouteHandler) error {
	c.mu.Lock()
	c.pattern = pattern
	c.handler = handler
	c.mu.Unlock()
	return nil
}

func (c *Context) Unroute(pattern string) error {
	c.mu.Lock()
	c.handler = nil
	c.mu.Unlock()
	c.stamp("unroute")
	return nil
}

func (c *Context) OnPage(fn func(driver.Page)) {
	c.mu.Lock()
	c.onPage = fn
	c.mu.Unlock()
}

func (c *Context) NewPage(ctx context.Context) (driver.Page, error) {
	c.mu.Lock()
	if c.NewPageErr != nil {
		err := c.NewPageErr
		c.mu.Unlock()
		return nil, err
	}
	p := &Page{c: c, main: &Frame{}}
	c.pages = append(c.pages, p)
	hook := c.OnNewPage
	c.mu.Unlock()

	c.stamp("newpage")
	if hook != nil {
		hook(p)
	}
	return p, nil
}

func (c *Context) Pages() []driver.Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]driver.Page, len(c.pages))
	for i, p := range c.pages {
		out[i] = p
	}
	return out
}

func (c *Context) Cookies(ctx context.Context) ([]driver.Cookie, error) {
	c.mu.Lock()
	err := c.CookiesErr
	cookies := make([]driver.Cookie, len(c.cookies))
	copy(cookies, c.cookies)
	c.mu.Unlock()

	c.stamp("cookies")
	if err != nil {
		return nil, err
	}
	return cookies, nil
}

func (c *Context) Close() error {
	c.mu.Lock()
	c.closeCount++
	pages := make([]*Page, len(c.pages))
	copy(pages, c.pages)
	c.mu.Unlock()

	for _, p := range pages {
		p.markClosed()
	}
	c.markDone()
	c.stamp("close")
	return nil
}

// SetCookies seeds the cookie jar returned by Cookies.
func (c *Context) SetCookies(cookies []driver.Cookie) {
	c.mu.Lock()
	c.cookies = cookies
	c.mu.Unlock()
}

// CloseCount returns how many times Close was called.
func (c *Context) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

// FakePages returns the concrete pages NewPage created.
func (c *Context) FakePages() []*Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Page, len(c.pages))
	copy(out, c.pages)
	return out
}

// EmitRequest drives the registered route handler with one request and
// returns the verdict: "abort", "continue", or "none" when the handler
// never decided or none is registered.
func (c *Context) EmitRequest(url, resourceType string, headers map[string]string) string {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()

	if handler == nil {
		return "none"
	}
	route := &Route{c: c, req: &Request{url: url, resourceType: resourceType, headers: headers}}
	handler(route)
	return route.Verdict()
}

// EmitPopup simulates the site opening a window: a page outside the
// NewPage-created set, delivered to the OnPage callback.
func (c *Context) EmitPopup() *Page {
	p := &Page{c: c, main: &Frame{}}

	c.mu.Lock()
	fn := c.onPage
	c.mu.Unlock()
	if fn != nil {
		fn(p)
	}
	return p
}

// Route is a fake driver.Route; the first verdict wins.
type Route struct {
	c   *Context
	req *Request

	mu      sync.Mutex
	verdict string
}

func (r *Route) Request() driver.Request {
	return r.req
}

func (r *Route) Abort() {
	r.mu.Lock()
	if r.verdict != "" {
		r.mu.Unlock()
		return
	}
	r.verdict = "abort"
	r.mu.Unlock()
	r.c.stamp("abort " + r.req.url)
}

func (r *Route) Continue() {
	r.mu.Lock()
	if r.verdict != "" {
		r.mu.Unlock()
		return
	}
	r.verdict = "continue"
	r.mu.Unlock()
	r.c.stamp("continue " + r.req.url)
}

// Verdict returns the recorded verdict, or "none".
func (r *Route) Verdict() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.verdict == "" {
		return "none"
	}
	return r.verdict
}

// Request is a fake driver.Request.
type Request struct {
	url          string
	resourceType string
	headers      map[string]string
}

func (r *Request) URL() string {
	return r.url
}

func (r *Request) Header(name string) string {
	if v, ok := r.headers[name]; ok {
		return v
	}
	for k, v := range r.headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func (r *Request) ResourceType() string {
	return r.resourceType
}

// Page is a fake driver.Page.
type Page struct {
	// GotoErr, when set, fails Goto before the OnGoto hook runs.
	GotoErr error

	c       *Context
	mu      sync.Mutex
	gotoURL string
	main    *Frame
	frames  []*Frame
	closed  bool
}

func (p *Page) Goto(ctx context.Context, url string, opts driver.GotoOptions) error {
	p.mu.Lock()
	p.gotoURL = url
	err := p.GotoErr
	hook := p.c.OnGoto
	p.mu.Unlock()

	p.c.stamp("goto " + url)
	if err != nil {
		return err
	}
	if hook != nil {
		hook(p.c, p, url)
	}
	return nil
}

func (p *Page) MainFrame() driver.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.main
}

func (p *Page) Frames() []driver.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]driver.Frame, len(p.frames))
	for i, f := range p.frames {
		out[i] = f
	}
	return out
}

func (p *Page) Close() error {
	p.markClosed()
	return nil
}

func (p *Page) markClosed() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// GotoURL returns the last navigated URL.
func (p *Page) GotoURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gotoURL
}

// Closed reports whether the page was closed, directly or via its context.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Main returns the concrete main frame for scripting.
func (p *Page) Main() *Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.main
}

// AddFrame attaches a child iframe and returns it for scripting.
func (p *Page) AddFrame() *Frame {
	f := &Frame{}
	p.mu.Lock()
	p.frames = append(p.frames, f)
	p.mu.Unlock()
	return f
}

// Frame is a fake driver.Frame holding elements by selector.
type Frame struct {
	// FindErr, when set, fails every Find call.
	FindErr error

	mu       sync.Mutex
	elements map[string]*Element
}

func (f *Frame) Find(selector string) (driver.Element, error) {
	f.mu.Lock()
	err := f.FindErr
	el := f.elements[selector]
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if el == nil {
		return nil, nil
	}
	return el, nil
}

// SetElement registers the element returned for selector.
func (f *Frame) SetElement(selector string, el *Element) {
	f.mu.Lock()
	if f.elements == nil {
		f.elements = make(map[string]*Element)
	}
	f.elements[selector] = el
	f.mu.Unlock()
}

// Element is a fake driver.Element.
type Element struct {
	// BoxErr, when set, fails BoundingBox.
	BoxErr error
	// ClickErr, when set, fails Click.
	ClickErr error

	mu     sync.Mutex
	box    *driver.Box
	clicks int
}

// NewElement creates a visible element with the given box size.
func NewElement(width, height float64) *Element {
	return &Element{box: &driver.Box{Width: width, Height: height}}
}

// NewHiddenElement creates an element without layout, as rendered-hidden
// elements report.
func NewHiddenElement() *Element {
	return &Element{}
}

func (e *Element) BoundingBox() (*driver.Box, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.BoxErr != nil {
		return nil, e.BoxErr
	}
	if e.box == nil {
		return nil, nil
	}
	box := *e.box
	return &box, nil
}

func (e *Element) Click(timeout time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ClickErr != nil {
		return e.ClickErr
	}
	e.clicks++
	return nil
}

// Clicks returns how many times Click succeeded.
func (e *Element) Clicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks
}
