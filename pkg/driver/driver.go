package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/otaupdater/pkg/control"
	"github.com/openfroyo/otaupdater/pkg/ops"
	"github.com/openfroyo/otaupdater/pkg/ops/builtin"
	"github.com/openfroyo/otaupdater/pkg/script"
	"github.com/openfroyo/otaupdater/pkg/selabel"
	"github.com/openfroyo/otaupdater/pkg/stores"
	"github.com/openfroyo/otaupdater/pkg/telemetry"
	"github.com/openfroyo/otaupdater/pkg/updater"
)

// Phase names used in logs, spans and metrics.
const (
	PhaseLoad     = "load"
	PhaseRegister = "register"
	PhaseParse    = "parse"
	PhaseEvaluate = "evaluate"
	PhaseReport   = "report"
)

// Loader opens update packages.
type Loader interface {
	Load(path string) (updater.Package, error)
}

// EngineFactory creates the script engine once the operation table is
// built.
type EngineFactory func(table *ops.Table) script.Engine

// ControlOpener opens the control channel from the inherited descriptor.
type ControlOpener func(fd int) (*control.Channel, error)

// History records finished attempts and looks up earlier ones.
type History interface {
	RecordAttempt(ctx context.Context, attempt *stores.Attempt) error
	LastAttempt(ctx context.Context, packagePath string) (*stores.Attempt, error)
}

// Driver runs update attempts.
type Driver struct {
	loader      Loader
	newEngine   EngineFactory
	builtins    ops.OpSet
	extensions  []ops.OpSet
	labels      selabel.Handle
	openControl ControlOpener
	logger      *telemetry.Logger
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer
	history     History
	now         func() time.Time
	newID       func() string
}

// Option configures a Driver.
type Option func(*Driver)

// WithBuiltins replaces the builtin operation set registered first.
func WithBuiltins(set ops.OpSet) Option {
	return func(d *Driver) {
		d.builtins = set
	}
}

// WithExtensions appends operation sets, registered in the given order
// after the builtin set.
func WithExtensions(sets ...ops.OpSet) Option {
	return func(d *Driver) {
		d.extensions = append(d.extensions, sets...)
	}
}

// WithLabels sets the security label handle passed to operations.
func WithLabels(labels selabel.Handle) Option {
	return func(d *Driver) {
		d.labels = labels
	}
}

// WithControlOpener replaces how the control channel is opened.
func WithControlOpener(open ControlOpener) Option {
	return func(d *Driver) {
		d.openControl = open
	}
}

// WithLogger sets the logger.
func WithLogger(logger *telemetry.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(d *Driver) {
		d.metrics = metrics
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer *telemetry.Tracer) Option {
	return func(d *Driver) {
		d.tracer = tracer
	}
}

// WithHistory records every attempt that reaches the load phase.
func WithHistory(history History) Option {
	return func(d *Driver) {
		d.history = history
	}
}

// New creates a driver.
func New(loader Loader, newEngine EngineFactory, opts ...Option) *Driver {
	nop := telemetry.Nop()
	d := &Driver{
		loader:      loader,
		newEngine:   newEngine,
		builtins:    builtin.New(),
		openControl: control.Open,
		logger:      nop.Logger,
		metrics:     nop.Metrics,
		tracer:      nop.Tracer,
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.NewComponentLogger("driver")
	return d
}

// Run validates the arguments and executes one attempt, returning the
// process exit code.
func (d *Driver) Run(ctx context.Context, args []string) int {
	inv, err := ParseInvocation(args, d.logger)
	if err != nil {
		d.logger.Error(err.Error())
		code := updater.ExitCode(err)
		d.metrics.RecordExit(code)
		return code
	}
	return d.Execute(ctx, inv)
}

// Execute runs one attempt for a validated invocation and returns the
// process exit code.
func (d *Driver) Execute(ctx context.Context, inv Invocation) int {
	attempt := &stores.Attempt{
		ID:          d.newID(),
		PackagePath: inv.PackagePath,
		Version:     inv.Version,
		Retry:       inv.Retry == updater.RetryRequested,
		ErrorCode:   int(updater.NoError),
		CauseCode:   int(updater.NoCause),
		StartedAt:   d.now(),
	}
	log := d.logger.WithAttemptID(attempt.ID)

	ctx, span := d.tracer.StartAttemptSpan(ctx, attempt.ID, inv.Version, attempt.Retry)
	if id := telemetry.TraceID(ctx); id != "" {
		log = log.WithField("trace_id", id)
	}
	d.metrics.RecordAttempt(inv.Version, attempt.Retry)

	log.WithFields(map[string]interface{}{
		"package":     inv.PackagePath,
		"api_version": inv.Version,
		"retry":       inv.Retry.String(),
	}).Info("starting update attempt")
	if attempt.Retry {
		d.logPreviousAttempt(ctx, inv.PackagePath, log)
	}

	code := d.execute(ctx, inv, attempt, log)

	attempt.ExitCode = code
	attempt.FinishedAt = d.now()

	span.SetAttributes(telemetry.AttrExitCode.Int(code))
	if code == updater.ExitSuccess {
		telemetry.RecordSuccess(span)
	} else {
		telemetry.RecordError(span, fmt.Errorf("update attempt exited with code %d", code))
	}
	span.End()

	d.metrics.RecordExit(code)
	if d.history != nil {
		if err := d.history.RecordAttempt(ctx, attempt); err != nil {
			log.WithError(err).Warn("failed to record attempt")
		}
	}

	log.Infof("attempt finished with exit code %d", code)
	return code
}

// logPreviousAttempt reports what the attempt that requested this retry
// recorded.
func (d *Driver) logPreviousAttempt(ctx context.Context, packagePath string, log *telemetry.Logger) {
	if d.history == nil {
		return
	}
	prev, err := d.history.LastAttempt(ctx, packagePath)
	switch {
	case errors.Is(err, stores.ErrNotFound):
		log.Info("retry requested but no earlier attempt is recorded")
	case err != nil:
		log.WithError(err).Warn("failed to look up previous attempt")
	default:
		log.Infof("retrying after attempt %s: exit %d, error %s, cause %s",
			prev.ID, prev.ExitCode, updater.ErrorCode(prev.ErrorCode), updater.CauseCode(prev.CauseCode))
	}
}

// phase runs fn inside a span and records its duration.
func (d *Driver) phase(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := d.tracer.StartPhaseSpan(ctx, name)
	defer span.End()
	timer := telemetry.NewTimer()

	err := fn(ctx)

	elapsed := timer.Duration()
	d.logger.WithPhase(name).Trace(fmt.Sprintf("phase finished in %s", elapsed))
	d.metrics.RecordPhase(name, elapsed)
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.RecordSuccess(span)
	}
	return err
}

func (d *Driver) execute(ctx context.Context, inv Invocation, attempt *stores.Attempt, log *telemetry.Logger) int {
	ch, err := d.openControl(inv.ControlFD)
	if err != nil {
		err = updater.NewError(updater.KindBadControlFD, "failed to open control channel", err)
		log.Error(err.Error())
		return updater.ExitCode(err)
	}
	defer ch.Close()

	// Load. Once the package is open it is closed exactly once, here.
	var pkg updater.Package
	var text string
	err = d.phase(ctx, PhaseLoad, func(context.Context) error {
		var err error
		pkg, err = d.loader.Load(inv.PackagePath)
		if err != nil {
			return classify(err, updater.KindOpenFailure, "failed to open package "+inv.PackagePath)
		}
		text, err = loadScript(pkg)
		return err
	})
	if pkg != nil {
		defer func() {
			if err := pkg.Close(); err != nil {
				log.WithError(err).Warn("failed to close package")
			}
		}()
	}
	if err != nil {
		log.WithPhase(PhaseLoad).Error(err.Error())
		return updater.ExitCode(err)
	}
	log.Infof("loaded %s (%d bytes), script is %d bytes", inv.PackagePath, pkg.Size(), len(text))

	// Register.
	var table *ops.Table
	err = d.phase(ctx, PhaseRegister, func(context.Context) error {
		b := ops.NewBuilder().Add(d.builtins)
		for _, set := range d.extensions {
			b.Add(set)
		}
		var err error
		table, err = b.Build()
		if err != nil {
			return updater.NewError(updater.KindRegistration, "failed to register operations", err)
		}
		return nil
	})
	if err != nil {
		log.WithPhase(PhaseRegister).Error(err.Error())
		return updater.ExitCode(err)
	}
	for _, o := range table.Overrides() {
		log.Debugf("operation %s from %s overridden by %s", o.Name, o.Previous, o.Current)
	}

	// Parse.
	engine := d.newEngine(table)
	var prog script.Program
	err = d.phase(ctx, PhaseParse, func(context.Context) error {
		var count int
		var err error
		prog, count, err = engine.Parse(text)
		if err != nil || count > 0 {
			return updater.NewError(updater.KindSyntax, fmt.Sprintf("%d parse errors", count), err)
		}
		return nil
	})
	if err != nil {
		log.WithPhase(PhaseParse).Error(err.Error())
		return updater.ExitCode(err)
	}

	if d.labels == nil {
		if err := ch.UIPrint(noLabelsWarning); err != nil {
			log.WithError(err).Warn("failed to write to control channel")
		}
	}

	// Evaluate.
	st := updater.NewState(text, &updater.Info{
		Version:     inv.Version,
		Package:     pkg,
		PackagePath: inv.PackagePath,
		Control:     ch,
		Labels:      d.labels,
		AttemptID:   attempt.ID,
	}, inv.Retry)

	var ok bool
	var result string
	_ = d.phase(ctx, PhaseEvaluate, func(context.Context) error {
		ok, result = engine.Evaluate(prog, st)
		if !ok {
			return updater.NewError(updater.KindAborted, "script aborted", nil)
		}
		return nil
	})

	// Report.
	var code int
	_ = d.phase(ctx, PhaseReport, func(context.Context) error {
		code = d.report(ch, st, ok, result, attempt, log)
		return nil
	})
	return code
}

func (d *Driver) report(ch *control.Channel, st *updater.State, ok bool, result string, attempt *stores.Attempt, log *telemetry.Logger) int {
	log = log.WithPhase(PhaseReport)

	if ok {
		attempt.Result = result
		if err := reportSuccess(ch, result); err != nil {
			log.WithError(err).Warn("failed to write to control channel")
		}
		log.Infof(successFormat, result)
		return updater.ExitSuccess
	}

	if st.ErrMsg == "" {
		log.Error(genericFailureLine)
	} else {
		log.Errorf("script aborted: %s", st.ErrMsg)
	}

	f := Classify(st, log)
	attempt.ErrorCode = int(f.ErrorCode)
	attempt.CauseCode = int(f.CauseCode)
	attempt.RetryRequested = f.Retry
	attempt.ErrorMessage = st.ErrMsg

	d.metrics.RecordFailure(int(f.ErrorCode), int(f.CauseCode))
	if f.Retry {
		log.Infof("%s, retry update", f.CauseCode)
		d.metrics.RecordRetryRequest()
	}

	if err := reportFailure(ch, f); err != nil {
		log.WithError(err).Warn("failed to write to control channel")
	}
	return updater.ExitScriptFailed
}

// loadScript locates and extracts the update script.
func loadScript(pkg updater.Package) (string, error) {
	entry, err := pkg.Locate(updater.ScriptPath)
	if err != nil {
		return "", classify(err, updater.KindEntryNotFound, "failed to find "+updater.ScriptPath)
	}
	data, err := pkg.Extract(entry)
	if err != nil {
		return "", classify(err, updater.KindExtractFailure, "failed to read script from package")
	}
	return string(data), nil
}

// classify keeps an already classified error and wraps any other one as
// kind.
func classify(err error, kind updater.ErrorKind, message string) error {
	if updater.KindOf(err) != "" {
		return err
	}
	return updater.NewPackageAccessError(kind, message, err)
}
