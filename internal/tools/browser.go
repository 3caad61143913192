package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"

	"github.com/dritter/webmender/internal/plan"
)

// BrowserTool drives a shared Chrome session. The browser stays open across
// invocations until 'close' is called or the tool is shut down.
type BrowserTool struct {
	mu            sync.Mutex
	headless      bool
	userAgent     string
	screenshotDir string
	allocCtx      context.Context
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
	lastExtracted string
}

func NewBrowserTool(headless bool) *BrowserTool {
	return &BrowserTool{
		headless:      headless,
		screenshotDir: "screenshots",
	}
}

// SetUserAgent overrides the browser user agent. Takes effect on the next
// browser start.
func (b *BrowserTool) SetUserAgent(ua string) {
	b.mu.Lock()
	b.userAgent = ua
	b.mu.Unlock()
}

func (b *BrowserTool) Name() string {
	return "browser"
}

func (b *BrowserTool) Description() string {
	return "Interact with a web page. Actions: 'navigate', 'click', 'type', 'press', 'scroll', 'wait', 'content', 'extract', 'reload', 'back', 'forward', 'screenshot', 'close'."
}

func (b *BrowserTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type": "string",
				"enum": []string{
					"navigate", "click", "type", "press", "scroll",
					"wait", "content", "extract", "reload", "back",
					"forward", "screenshot", "close",
				},
				"description": "The action to perform.",
			},
			"url": map[string]any{
				"type":        "string",
				"description": "The URL to navigate to (required for 'navigate')",
			},
			"selector": map[string]any{
				"type":        "string",
				"description": "Locator for the target element (required for 'click', 'type', 'extract')",
			},
			"selector_type": map[string]any{
				"type":        "string",
				"enum":        []string{"css", "xpath", "id", "text"},
				"description": "How to interpret the selector (default 'css')",
			},
			"text": map[string]any{
				"type":        "string",
				"description": "The text to type or key to press (required for 'type', 'press')",
			},
			"wait_seconds": map[string]any{
				"type":        "integer",
				"description": "Time to wait in seconds (used with 'wait')",
			},
			"scroll_into_view": map[string]any{
				"type":        "boolean",
				"description": "Scroll the target into view before interacting",
			},
			"interaction_method": map[string]any{
				"type":        "string",
				"description": "Set to 'js' to interact via injected JavaScript instead of input events",
			},
		},
		"required": []string{"action"},
	}
}

type browserArgs struct {
	Action            string `json:"action"`
	URL               string `json:"url"`
	Selector          string `json:"selector"`
	SelectorType      string `json:"selector_type"`
	Text              string `json:"text"`
	WaitSeconds       int    `json:"wait_seconds"`
	ScrollIntoView    bool   `json:"scroll_into_view"`
	InteractionMethod string `json:"interaction_method"`
}

// queryOpts translates a locator type into chromedp query options. Text
// locators become an XPath contains() match.
func queryOpts(selType string) ([]chromedp.QueryOption, func(string) string) {
	switch plan.LocatorType(selType) {
	case plan.LocatorXPath:
		return []chromedp.QueryOption{chromedp.BySearch}, func(s string) string { return s }
	case plan.LocatorID:
		return []chromedp.QueryOption{chromedp.ByQuery}, func(s string) string {
			if strings.HasPrefix(s, "#") {
				return s
			}
			return "#" + s
		}
	case plan.LocatorText:
		return []chromedp.QueryOption{chromedp.BySearch}, func(s string) string {
			return fmt.Sprintf(`//*[contains(text(), %q)]`, s)
		}
	default:
		return []chromedp.QueryOption{chromedp.ByQuery}, func(s string) string { return s }
	}
}

func (b *BrowserTool) initBrowser(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browserCtx != nil {
		select {
		case <-b.browserCtx.Done():
			b.cleanup()
		default:
			return nil
		}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", b.headless),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)
	if b.userAgent != "" {
		opts = append(opts, chromedp.UserAgent(b.userAgent))
	}

	b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	b.browserCtx, b.browserCancel = chromedp.NewContext(b.allocCtx)

	return chromedp.Run(b.browserCtx)
}

func (b *BrowserTool) cleanup() {
	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.browserCtx = nil
	b.allocCtx = nil
}

// Close shuts the browser down.
func (b *BrowserTool) Close() {
	b.mu.Lock()
	b.cleanup()
	b.mu.Unlock()
}

func (b *BrowserTool) Execute(ctx context.Context, input string) (string, error) {
	var args browserArgs
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return "", fmt.Errorf("invalid input: %v", err)
	}

	if args.Action == "close" {
		b.Close()
		return "Successfully closed the browser.", nil
	}

	if err := b.initBrowser(ctx); err != nil {
		return "", fmt.Errorf("failed to initialize browser: %v", err)
	}

	// Honor the caller's deadline inside the shared browser context.
	actionCtx := b.browserCtx
	var cancel context.CancelFunc
	if dl, ok := ctx.Deadline(); ok {
		actionCtx, cancel = context.WithDeadline(b.browserCtx, dl)
	} else {
		actionCtx, cancel = context.WithTimeout(b.browserCtx, 60*time.Second)
	}
	defer cancel()

	opts, rewrite := queryOpts(args.SelectorType)
	sel := rewrite(args.Selector)

	var result string
	var err error

	switch args.Action {
	case "navigate":
		if args.URL == "" {
			return "", fmt.Errorf("url is required for 'navigate'")
		}
		err = chromedp.Run(actionCtx, chromedp.Navigate(args.URL))
		result = fmt.Sprintf("Navigated to %s", args.URL)

	case "click":
		if args.Selector == "" {
			return "", fmt.Errorf("selector is required for 'click'")
		}
		acts := []chromedp.Action{}
		if args.ScrollIntoView {
			acts = append(acts, chromedp.ScrollIntoView(sel, opts...))
		}
		if args.InteractionMethod == "js" {
			acts = append(acts, jsClick(sel, args.SelectorType))
		} else {
			acts = append(acts, chromedp.Click(sel, opts...))
		}
		err = chromedp.Run(actionCtx, acts...)
		result = fmt.Sprintf("Clicked %s", args.Selector)

	case "type":
		if args.Selector == "" || args.Text == "" {
			return "", fmt.Errorf("selector and text are required for 'type'")
		}
		acts := []chromedp.Action{}
		if args.ScrollIntoView {
			acts = append(acts, chromedp.ScrollIntoView(sel, opts...))
		}
		acts = append(acts, chromedp.SendKeys(sel, args.Text, opts...))
		err = chromedp.Run(actionCtx, acts...)
		result = fmt.Sprintf("Typed text in %s", args.Selector)

	case "press":
		if args.Text == "" {
			return "", fmt.Errorf("text (key) is required for 'press'")
		}
		err = chromedp.Run(actionCtx, chromedp.KeyEvent(args.Text))
		result = fmt.Sprintf("Pressed key: %s", args.Text)

	case "scroll":
		if args.Selector != "" {
			err = chromedp.Run(actionCtx, chromedp.ScrollIntoView(sel, opts...))
			result = fmt.Sprintf("Scrolled to %s", args.Selector)
		} else {
			err = chromedp.Run(actionCtx, chromedp.Evaluate("window.scrollTo(0, document.body.scrollHeight)", nil))
			result = "Scrolled to bottom"
		}

	case "wait":
		if args.Selector != "" {
			err = chromedp.Run(actionCtx, chromedp.WaitVisible(sel, opts...))
			result = fmt.Sprintf("Finished waiting for %s", args.Selector)
		} else if args.WaitSeconds > 0 {
			select {
			case <-time.After(time.Duration(args.WaitSeconds) * time.Second):
			case <-actionCtx.Done():
				err = actionCtx.Err()
			}
			result = fmt.Sprintf("Waited for %d seconds", args.WaitSeconds)
		} else {
			result = "Nothing to wait for"
		}

	case "content":
		var html string
		err = chromedp.Run(actionCtx, outerHTML(&html))
		if len(html) > 50000 {
			html = html[:50000] + "\n... (truncated)"
		}
		result = html

	case "extract":
		if args.Selector == "" {
			return "", fmt.Errorf("selector is required for 'extract'")
		}
		var text string
		err = chromedp.Run(actionCtx, chromedp.Text(sel, &text, opts...))
		b.mu.Lock()
		b.lastExtracted = text
		b.mu.Unlock()
		result = text

	case "reload":
		err = chromedp.Run(actionCtx, chromedp.Reload())
		result = "Page reloaded"

	case "back":
		err = chromedp.Run(actionCtx, chromedp.NavigateBack())
		result = "Navigated back"

	case "forward":
		err = chromedp.Run(actionCtx, chromedp.NavigateForward())
		result = "Navigated forward"

	case "screenshot":
		var path string
		path, err = b.Screenshot(actionCtx)
		result = fmt.Sprintf("Screenshot saved to %s", path)

	default:
		return "", fmt.Errorf("unknown action %q", args.Action)
	}

	// Some flows need the page settled before the next step fires.
	if err == nil && args.Action == "navigate" {
		_ = chromedp.Run(actionCtx, chromedp.WaitReady("body", chromedp.ByQuery))
	}

	if err != nil {
		return "", fmt.Errorf("browser action %s failed: %v", args.Action, err)
	}

	return result, nil
}

// jsClick dispatches a click through injected JavaScript, for elements that
// reject synthetic input events.
func jsClick(sel, selType string) chromedp.Action {
	var expr string
	if plan.LocatorType(selType) == plan.LocatorXPath || plan.LocatorType(selType) == plan.LocatorText {
		expr = fmt.Sprintf(
			`document.evaluate(%q, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue.click()`, sel)
	} else {
		expr = fmt.Sprintf(`document.querySelector(%q).click()`, sel)
	}
	return chromedp.Evaluate(expr, nil)
}

func outerHTML(out *string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		node, err := dom.GetDocument().Do(ctx)
		if err != nil {
			return err
		}
		html, err := dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
		if err != nil {
			return err
		}
		*out = html
		return nil
	})
}

// Screenshot captures the current page to a PNG file and returns its path.
func (b *BrowserTool) Screenshot(ctx context.Context) (string, error) {
	if err := b.initBrowser(ctx); err != nil {
		return "", err
	}
	var buf []byte
	if err := chromedp.Run(b.browserCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return "", err
	}
	if err := os.MkdirAll(b.screenshotDir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(b.screenshotDir, fmt.Sprintf("screenshot_%d.png", time.Now().UnixNano()))
	if err := os.WriteFile(path, buf, 0644); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path, nil
	}
	return abs, nil
}

// CaptureState snapshots the current page for evidence and diagnostics. The
// readable main content is extracted and sanitized so it can go straight
// into an LLM prompt.
func (b *BrowserTool) CaptureState(ctx context.Context) (*plan.PageState, error) {
	if err := b.initBrowser(ctx); err != nil {
		return nil, err
	}

	stateCtx, cancel := context.WithTimeout(b.browserCtx, 15*time.Second)
	defer cancel()

	var pageURL, title, html string
	var count int
	err := chromedp.Run(stateCtx,
		chromedp.Location(&pageURL),
		chromedp.Title(&title),
		outerHTML(&html),
		chromedp.Evaluate("document.querySelectorAll('*').length", &count),
	)
	if err != nil {
		return nil, err
	}

	state := &plan.PageState{URL: pageURL, Title: title, ElementCount: count}

	parsed, err := url.Parse(pageURL)
	if err != nil {
		parsed = &url.URL{}
	}
	article, err := readability.FromReader(strings.NewReader(html), parsed)
	if err != nil {
		// Readability can choke on sparse pages; fall back to raw text.
		state.Content = ""
		return state, nil
	}
	sanitized := bluemonday.StrictPolicy().Sanitize(article.TextContent)
	if len(sanitized) > 8000 {
		sanitized = sanitized[:8000] + "\n... (content truncated) ..."
	}
	state.Content = sanitized
	return state, nil
}

// CheckRule evaluates one validation rule against the live page.
func (b *BrowserTool) CheckRule(ctx context.Context, rule plan.ValidationRule) (bool, string) {
	if err := b.initBrowser(ctx); err != nil {
		return false, fmt.Sprintf("browser unavailable: %v", err)
	}
	checkCtx, cancel := context.WithTimeout(b.browserCtx, 10*time.Second)
	defer cancel()

	opts, rewrite := queryOpts(string(rule.Target.Type))
	sel := rewrite(rule.Target.Value)

	switch rule.Type {
	case plan.ValidateElementExists:
		expr := fmt.Sprintf("document.querySelector(%q) !== null", sel)
		if rule.Target.Type == plan.LocatorXPath || rule.Target.Type == plan.LocatorText {
			expr = fmt.Sprintf(
				`document.evaluate(%q, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue !== null`, sel)
		}
		var exists bool
		if err := chromedp.Run(checkCtx, chromedp.Evaluate(expr, &exists)); err != nil {
			return false, fmt.Sprintf("element check failed: %v", err)
		}
		if !exists {
			return false, fmt.Sprintf("element %s not present", rule.Target.Value)
		}
		return true, "element present"

	case plan.ValidateTextContains:
		var text string
		target := sel
		if rule.Target.Value == "" {
			target, opts = "body", []chromedp.QueryOption{chromedp.ByQuery}
		}
		if err := chromedp.Run(checkCtx, chromedp.Text(target, &text, opts...)); err != nil {
			return false, fmt.Sprintf("text check failed: %v", err)
		}
		if !strings.Contains(text, rule.Expected) {
			return false, fmt.Sprintf("text %q not found", rule.Expected)
		}
		return true, "text found"

	case plan.ValidateTitleEquals:
		var title string
		if err := chromedp.Run(checkCtx, chromedp.Title(&title)); err != nil {
			return false, fmt.Sprintf("title check failed: %v", err)
		}
		if title != rule.Expected {
			return false, fmt.Sprintf("title is %q, expected %q", title, rule.Expected)
		}
		return true, "title matches"

	case plan.ValidateDataExtracted:
		b.mu.Lock()
		extracted := b.lastExtracted
		b.mu.Unlock()
		if strings.TrimSpace(extracted) == "" {
			return false, "no data extracted"
		}
		return true, "data extracted"

	default:
		return false, fmt.Sprintf("unknown validation rule %q", rule.Type)
	}
}
