// Package executor runs one automation strategy against one posting using
// a headless browser and classifies the result.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/ljluestc/awesome-apply/internal/apply"
)

// ErrExecutorDisabled indicates browser execution has been disabled via
// configuration.
var ErrExecutorDisabled = errors.New("executor disabled")

// DocumentFetcher materializes a document blob reference into a local file
// path the browser can upload.
type DocumentFetcher interface {
	Materialize(ctx context.Context, ref string) (string, error)
}

// Config controls the headless browser executor.
type Config struct {
	MaxParallel int
	FormTimeout time.Duration
	SettleDelay time.Duration
	UserAgent   string
}

// Browser executes application attempts using headless Chrome via chromedp.
type Browser struct {
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	docs            DocumentFetcher
	clock           apply.Clock
	logger          *zap.Logger
	sem             chan struct{}
	timeout         time.Duration
	settle          time.Duration
	userAgent       string
}

// NewBrowser creates an executor backed by a shared headless Chrome
// instance. Each attempt runs in its own tab.
func NewBrowser(cfg Config, docs DocumentFetcher, clock apply.Clock, logger *zap.Logger) (*Browser, error) {
	if cfg.MaxParallel <= 0 {
		return nil, ErrExecutorDisabled
	}
	if cfg.FormTimeout <= 0 {
		cfg.FormTimeout = 30 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.UserAgent(cfg.UserAgent),
	)
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		allocatorCancel()
		browserCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &Browser{
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		docs:            docs,
		clock:           clock,
		logger:          logger,
		sem:             make(chan struct{}, cfg.MaxParallel),
		timeout:         cfg.FormTimeout,
		settle:          cfg.SettleDelay,
		userAgent:       cfg.UserAgent,
	}, nil
}

// Close tears down the chromedp allocator and browser contexts.
func (b *Browser) Close(_ context.Context) error {
	if b == nil {
		return nil
	}
	b.browserCancel()
	b.allocatorCancel()
	return nil
}

// FetchHTML renders a destination page and returns its DOM snapshot. Used
// by the resolver when inferring a new strategy.
func (b *Browser) FetchHTML(ctx context.Context, rawURL string) (string, error) {
	release, err := b.acquireSlot(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	tabCtx, cancelTab := chromedp.NewContext(b.browserCtx)
	defer cancelTab()
	taskCtx, cancelTask := context.WithTimeout(tabCtx, b.timeout)
	defer cancelTask()
	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	var html string
	tasks := chromedp.Tasks{
		network.Enable(),
		emulation.SetUserAgentOverride(b.userAgent),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, tasks); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, nil
}

// Execute runs one attempt to a terminal outcome. Failures are classified,
// never raised; the error return is non-nil only when the caller's context
// ended before a terminal state was reached.
func (b *Browser) Execute(ctx context.Context, req apply.ExecutionRequest) (apply.ExecutionResult, error) {
	result := apply.ExecutionResult{StartedAt: b.clock.Now()}
	outcome, kind, reason, err := b.run(ctx, req)
	result.Outcome = outcome
	result.ErrorKind = kind
	result.Reason = reason
	result.FinishedAt = b.clock.Now()
	if err != nil && ctx.Err() != nil {
		return result, fmt.Errorf("attempt interrupted: %w", ctx.Err())
	}
	return result, nil
}

func (b *Browser) run(ctx context.Context, req apply.ExecutionRequest) (apply.Outcome, apply.ErrorKind, string, error) {
	release, err := b.acquireSlot(ctx)
	if err != nil {
		outcome, kind := apply.ClassifyError(err)
		return outcome, kind, "acquire browser slot: " + err.Error(), err
	}
	defer release()

	tabCtx, cancelTab := chromedp.NewContext(b.browserCtx)
	defer cancelTab()
	taskCtx, cancelTask := context.WithTimeout(tabCtx, b.timeout)
	defer cancelTask()
	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	if err := b.openForm(taskCtx, req); err != nil {
		outcome, kind := apply.ClassifyError(err)
		return outcome, kind, "form readiness: " + err.Error(), err
	}
	missing, err := b.fillFields(taskCtx, req)
	if err != nil {
		outcome, kind := apply.ClassifyError(err)
		return outcome, kind, "populate fields: " + err.Error(), err
	}
	if len(missing) > 0 {
		return apply.OutcomeRequiresManual, apply.ErrorKindNone,
			fmt.Sprintf("profile has no value for mandatory fields %v", missing), nil
	}
	if err := b.validateFilled(taskCtx, req); err != nil {
		return apply.OutcomeRequiresManual, apply.ErrorKindNone,
			"pre-submit validation: " + err.Error(), nil
	}
	if err := b.submit(taskCtx, req.Strategy.SubmitSelector); err != nil {
		outcome, kind := apply.ClassifyError(err)
		return outcome, kind, "submit: " + err.Error(), err
	}

	var bodyText string
	if err := chromedp.Run(taskCtx,
		chromedp.Sleep(b.settle),
		chromedp.Text("body", &bodyText, chromedp.ByQuery),
	); err != nil {
		outcome, kind := apply.ClassifyError(err)
		return outcome, kind, "read submission result: " + err.Error(), err
	}
	outcome, reason := classifyPage(bodyText)
	return outcome, kindForOutcome(outcome), reason, nil
}

// openForm navigates and waits for the form to become interactive. The
// wait is bounded by the configured form timeout.
func (b *Browser) openForm(ctx context.Context, req apply.ExecutionRequest) error {
	readySelector := req.Strategy.SubmitSelector
	if readySelector == "" {
		readySelector = "body"
	}
	tasks := chromedp.Tasks{
		network.Enable(),
		emulation.SetUserAgentOverride(b.userAgent),
		chromedp.Navigate(req.Posting.URL),
		chromedp.WaitVisible(readySelector, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, tasks); err != nil {
		return fmt.Errorf("open %s: %w", req.Posting.URL, err)
	}
	return nil
}

func (b *Browser) fillFields(ctx context.Context, req apply.ExecutionRequest) ([]apply.CanonicalField, error) {
	var missing []apply.CanonicalField
	for _, field := range sortedFields(req.Strategy.Mapping) {
		descriptor := req.Strategy.Mapping[field]
		value, ok := req.Profile.Value(field)
		if !ok {
			if isMandatory(field) {
				missing = append(missing, field)
			}
			continue
		}
		if err := b.fillOne(ctx, field, descriptor, value); err != nil {
			return nil, fmt.Errorf("fill %s: %w", field, err)
		}
	}
	for _, field := range apply.MandatoryFields {
		if _, mapped := req.Strategy.Mapping[field]; !mapped {
			missing = append(missing, field)
		}
	}
	return missing, nil
}

func (b *Browser) fillOne(ctx context.Context, field apply.CanonicalField, descriptor apply.ElementDescriptor, value string) error {
	switch descriptor.Kind {
	case apply.ElementUpload:
		path, err := b.docs.Materialize(ctx, value)
		if err != nil {
			return fmt.Errorf("materialize document: %w", err)
		}
		return chromedp.Run(ctx, chromedp.SetUploadFiles(descriptor.Selector, []string{path}, chromedp.ByQuery))
	case apply.ElementSelect:
		return chromedp.Run(ctx, chromedp.SetValue(descriptor.Selector, value, chromedp.ByQuery))
	case apply.ElementCheckbox:
		if !truthy(value) {
			return nil
		}
		return chromedp.Run(ctx, chromedp.Click(descriptor.Selector, chromedp.ByQuery))
	default:
		return chromedp.Run(ctx, chromedp.SendKeys(descriptor.Selector, value, chromedp.ByQuery))
	}
}

// validateFilled re-reads mandatory text inputs so an empty field is caught
// before the form is submitted.
func (b *Browser) validateFilled(ctx context.Context, req apply.ExecutionRequest) error {
	for _, field := range apply.MandatoryFields {
		descriptor, ok := req.Strategy.Mapping[field]
		if !ok || descriptor.Kind != apply.ElementText {
			continue
		}
		var got string
		if err := chromedp.Run(ctx, chromedp.Value(descriptor.Selector, &got, chromedp.ByQuery)); err != nil {
			return fmt.Errorf("read back %s: %w", field, err)
		}
		if got == "" {
			return fmt.Errorf("mandatory field %s is empty after fill", field)
		}
	}
	return nil
}

func (b *Browser) submit(ctx context.Context, selector string) error {
	if selector == "" {
		return errors.New("strategy has no submit selector")
	}
	if err := chromedp.Run(ctx, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

func (b *Browser) acquireSlot(ctx context.Context) (func(), error) {
	select {
	case b.sem <- struct{}{}:
		return func() { <-b.sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire executor slot: %w", ctx.Err())
	}
}

func kindForOutcome(outcome apply.Outcome) apply.ErrorKind {
	switch outcome {
	case apply.OutcomePermanentError:
		return apply.ErrorKindWithdrawn
	case apply.OutcomeTransientError:
		return apply.ErrorKindScript
	default:
		return apply.ErrorKindNone
	}
}

func sortedFields(mapping apply.FieldMapping) []apply.CanonicalField {
	fields := make([]apply.CanonicalField, 0, len(mapping))
	for f := range mapping {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })
	return fields
}

func isMandatory(field apply.CanonicalField) bool {
	for _, f := range apply.MandatoryFields {
		if f == field {
			return true
		}
	}
	return false
}

func truthy(value string) bool {
	switch value {
	case "", "no", "false", "0":
		return false
	default:
		return true
	}
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
