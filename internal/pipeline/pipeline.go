// Package pipeline assembles the detect, route, remediate and record stages from configuration
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/remedyforge/internal/bus"
	"github.com/lvonguyen/remedyforge/internal/compliance"
	"github.com/lvonguyen/remedyforge/internal/config"
	"github.com/lvonguyen/remedyforge/internal/evaluator"
	"github.com/lvonguyen/remedyforge/internal/faults"
	"github.com/lvonguyen/remedyforge/internal/findings"
	"github.com/lvonguyen/remedyforge/internal/ingestion"
	"github.com/lvonguyen/remedyforge/internal/inventory"
	"github.com/lvonguyen/remedyforge/internal/notifier"
	"github.com/lvonguyen/remedyforge/internal/observability"
	"github.com/lvonguyen/remedyforge/internal/policy"
	"github.com/lvonguyen/remedyforge/internal/remediation"
	"github.com/lvonguyen/remedyforge/internal/routing"
	"github.com/lvonguyen/remedyforge/internal/store"
)

// S3Client is the S3 surface used for inventory and remediation.
type S3Client interface {
	inventory.S3API
	remediation.S3EncryptionAPI
}

// KMSClient is the KMS surface used for inventory and remediation.
type KMSClient interface {
	inventory.KMSAPI
	remediation.KMSKeyAPI
}

// EC2Client is the EC2 surface used for inventory and remediation.
type EC2Client interface {
	inventory.EC2API
	remediation.EC2TagAPI
}

// AWSClients holds the service clients. Nil clients disable the stages
// that need them.
type AWSClients struct {
	S3          S3Client
	KMS         KMSClient
	EC2         EC2Client
	SNS         notifier.SNSAPI
	SecurityHub findings.SecurityHubAPI
	EventBridge bus.EventBridgeAPI
	SQS         ingestion.SQSAPI
}

// Deps are the external collaborators of the pipeline.
type Deps struct {
	// Redis backs the verdict store and notification dedupe. Required when
	// store.backend is redis.
	Redis redis.UniversalClient
	// Inventory overrides the AWS-backed fetcher.
	Inventory inventory.Fetcher
	AWS       AWSClients
	Logger    *zap.Logger
	Metrics   *observability.Metrics
}

// Pipeline is the assembled orchestration graph.
type Pipeline struct {
	config     *config.Config
	store      store.VerdictStore
	recorder   *store.Recorder
	evaluator  *evaluator.Evaluator
	router     *routing.Router
	dispatcher *routing.Dispatcher
	remediator *remediation.Remediator
	notifier   *notifier.Notifier
	sns        *notifier.SNSSender
	findings   findings.Aggregator
	recent     *findings.LogAggregator
	localBus   *bus.LocalBus
	consumer   *ingestion.Consumer
	breaker    *inventory.BreakerFetcher
	sweepEvery time.Duration
	logger     *zap.Logger
	metrics    *observability.Metrics

	outcomesMu sync.RWMutex
	outcomes   []compliance.Outcome

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

const outcomeHistory = 200

// New builds every stage from cfg. Nothing runs until Start.
func New(cfg *config.Config, deps Deps) (*Pipeline, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		config:  cfg,
		logger:  logger.Named("pipeline"),
		metrics: deps.Metrics,
	}

	if err := p.buildStore(deps); err != nil {
		return nil, err
	}
	if err := p.buildInventory(deps); err != nil {
		return nil, err
	}
	publisher, err := p.buildBus(deps)
	if err != nil {
		return nil, err
	}
	if err := p.buildFindings(deps, publisher); err != nil {
		return nil, err
	}

	p.recorder = store.NewRecorder(p.store, bus.ChangeEmitter{Publisher: publisher, Source: cfg.Bus.Source}, logger, deps.Metrics)

	rules, err := buildRules(cfg.Rules)
	if err != nil {
		return nil, err
	}
	p.evaluator, err = evaluator.New(evaluator.Config{
		SourceSystem:   cfg.Evaluator.SourceSystem,
		MaxAttempts:    cfg.Evaluator.MaxAttempts,
		InitialBackoff: cfg.Evaluator.InitialBackoff,
		MaxBackoff:     cfg.Evaluator.MaxBackoff,
		ExportFindings: cfg.Profiles.FindingsIngestion.Enabled,
	}, rules, p.inventoryFetcher(deps), p.recorder, p.findings, logger, deps.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to build evaluator: %w", err)
	}

	handlers := make(map[string]routing.Handler, 2)
	if err := p.buildNotifier(deps, handlers); err != nil {
		return nil, err
	}
	if err := p.buildRemediator(deps, handlers); err != nil {
		return nil, err
	}

	p.dispatcher = routing.NewDispatcher(routing.DispatcherConfig{
		Workers:   cfg.Routing.Workers,
		QueueSize: cfg.Routing.QueueSize,
		Timeout:   cfg.Pipeline.InvocationTimeout,
	}, handlers, logger, deps.Metrics)

	routes, err := BuildRoutes(cfg.Routing.Rules)
	if err != nil {
		return nil, err
	}
	p.router = routing.NewRouter(routes, p.dispatcher, cfg.Store.IdempotencyBucket, logger, deps.Metrics)

	if p.localBus != nil {
		p.localBus.Subscribe(func(ctx context.Context, env bus.Envelope) error {
			_, err := p.router.Route(ctx, env)
			return err
		})
	}

	if cfg.Bus.Mode == "aws" {
		if deps.AWS.SQS == nil {
			return nil, errors.New("aws bus mode needs an SQS client")
		}
		p.consumer, err = ingestion.NewConsumer(ingestion.ConsumerConfig{
			QueueURL:          cfg.Bus.QueueURL,
			WaitTime:          cfg.Bus.WaitTime,
			VisibilityTimeout: cfg.Bus.VisibilityTimeout,
			MaxMessages:       cfg.Bus.MaxMessages,
			Workers:           cfg.Bus.Workers,
			HandleTimeout:     cfg.Pipeline.InvocationTimeout,
		}, deps.AWS.SQS, p.HandleEvent, logger, deps.Metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to build queue consumer: %w", err)
		}
	}

	if cfg.Profiles.Periodic.Enabled {
		p.sweepEvery, err = config.ParseExecutionFrequency(cfg.Profiles.Periodic.MaximumExecutionFrequency)
		if err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (p *Pipeline) buildStore(deps Deps) error {
	scfg := store.Config{
		KeyPrefix: p.config.Store.KeyPrefix,
		EmitLease: p.config.Store.EmitLease,
	}
	switch p.config.Store.Backend {
	case "redis":
		if deps.Redis == nil {
			return errors.New("redis store backend needs a redis client")
		}
		p.store = store.NewRedisStore(deps.Redis, scfg)
	default:
		p.store = store.NewMemoryStore(scfg)
	}
	return nil
}

func (p *Pipeline) buildInventory(deps Deps) error {
	if deps.Inventory != nil {
		return nil
	}
	aws := deps.AWS
	if aws.S3 == nil || aws.KMS == nil || aws.EC2 == nil {
		return errors.New("inventory needs S3, KMS and EC2 clients")
	}
	fetcher := inventory.NewAWSFetcher(aws.S3, aws.KMS, aws.EC2, p.logger)
	bcfg := inventory.DefaultBreakerConfig()
	if p.config.Evaluator.BreakerFailures > 0 {
		bcfg.ConsecutiveFails = p.config.Evaluator.BreakerFailures
	}
	if p.config.Evaluator.BreakerTimeout > 0 {
		bcfg.OpenTimeout = p.config.Evaluator.BreakerTimeout
	}
	p.breaker = inventory.NewBreakerFetcher(fetcher, bcfg, p.logger)
	return nil
}

func (p *Pipeline) inventoryFetcher(deps Deps) inventory.Fetcher {
	if deps.Inventory != nil {
		return deps.Inventory
	}
	return p.breaker
}

func (p *Pipeline) buildBus(deps Deps) (bus.Publisher, error) {
	if p.config.Bus.Mode == "aws" {
		if deps.AWS.EventBridge == nil {
			return nil, errors.New("aws bus mode needs an EventBridge client")
		}
		return bus.NewEventBridgePublisher(deps.AWS.EventBridge, p.config.Bus.EventBusName, p.logger), nil
	}
	p.localBus = bus.NewLocalBus()
	return p.localBus, nil
}

func (p *Pipeline) buildFindings(deps Deps, publisher bus.Publisher) error {
	fc := p.config.Findings
	if !fc.Enabled {
		return nil
	}
	switch fc.Backend {
	case "securityhub":
		if deps.AWS.SecurityHub == nil {
			return errors.New("securityhub findings backend needs a Security Hub client")
		}
		hub, err := findings.NewSecurityHub(deps.AWS.SecurityHub, findings.SecurityHubConfig{
			AccountID:  p.config.AccountID(),
			Region:     p.config.AWS.Region,
			Partition:  p.config.AWS.Partition,
			ProductARN: fc.ProductARN,
			BatchSize:  fc.BatchSize,
			RetryCount: fc.RetryCount,
			Timeout:    fc.Timeout,
		}, p.logger, deps.Metrics)
		if err != nil {
			return fmt.Errorf("failed to build security hub aggregator: %w", err)
		}
		p.findings = hub
	default:
		p.recent = findings.NewLogAggregator(0, p.logger, deps.Metrics)
		// The log backend cannot announce imports, so re-entry goes
		// through the bus directly.
		p.findings = findings.NewForwarder(p.recent, publisher, p.config.AWS.Partition, p.logger)
	}
	return nil
}

func (p *Pipeline) buildNotifier(deps Deps, handlers map[string]routing.Handler) error {
	nc := p.config.Notifier
	if !nc.Enabled {
		handlers[routing.TargetNotifier] = skipHandler(p.logger, routing.TargetNotifier)
		return nil
	}

	var senders []notifier.Sender
	if nc.TopicARN != "" && deps.AWS.SNS != nil {
		p.sns = notifier.NewSNSSender(deps.AWS.SNS, nc.TopicARN, p.logger)
		senders = append(senders, p.sns)
	} else {
		senders = append(senders, notifier.NewLogSender(p.logger))
	}

	var deduper notifier.Deduper = notifier.NewMemoryDeduper()
	if deps.Redis != nil {
		deduper = notifier.NewRedisDeduper(deps.Redis, "remedyforge")
	}

	p.notifier = notifier.New(notifier.Options{
		SubjectPrefix: nc.SubjectPrefix,
		RatePerMinute: nc.RatePerMinute,
		DedupeWindow:  nc.DedupeWindow,
		QueueSize:     nc.QueueSize,
		Workers:       nc.Workers,
		Timeout:       nc.Timeout,
	}, senders, deduper, p.logger, deps.Metrics)
	handlers[routing.TargetNotifier] = notifier.NewHandler(p.notifier)
	return nil
}

func (p *Pipeline) buildRemediator(deps Deps, handlers map[string]routing.Handler) error {
	rc := p.config.Remediation
	if !rc.Enabled {
		handlers[routing.TargetRemediator] = skipHandler(p.logger, routing.TargetRemediator)
		return nil
	}

	clients := remediation.Clients{
		S3:  deps.AWS.S3,
		KMS: deps.AWS.KMS,
		EC2: deps.AWS.EC2,
	}
	var bindings []remediation.Binding
	for _, ac := range rc.Actions {
		action, err := remediation.BuildAction(ac.Name, ac.Params, clients, p.logger)
		if err != nil {
			return fmt.Errorf("remediation action %q: %w", ac.Name, err)
		}
		if action.ResourceType() != ac.ResourceType {
			return fmt.Errorf("remediation action %q corrects %s, not %s", ac.Name, action.ResourceType(), ac.ResourceType)
		}
		rule, ok := p.ruleFor(ac)
		if !ok {
			return fmt.Errorf("remediation action %q: no rule evaluates %s", ac.Name, ac.ResourceType)
		}
		scope := make(remediation.Scope, 0, len(ac.Permissions))
		for _, perm := range ac.Permissions {
			scope = append(scope, remediation.Permission{Action: perm.Action, Resource: perm.Resource})
		}
		bindings = append(bindings, remediation.Binding{
			Action:    action,
			RuleID:    rule.ID,
			Predicate: rule.Predicate,
			Scope:     scope,
		})
	}

	var err error
	p.remediator, err = remediation.New(remediation.Config{
		Partition:      p.config.AWS.Partition,
		MaxAttempts:    rc.MaxAttempts,
		InitialBackoff: rc.InitialBackoff,
		MaxBackoff:     rc.MaxBackoff,
	}, bindings, p.inventoryFetcher(deps), remediation.ReporterFunc(p.reportOutcome), p.logger, deps.Metrics)
	if err != nil {
		return fmt.Errorf("failed to build remediator: %w", err)
	}
	handlers[routing.TargetRemediator] = remediation.NewHandler(p.remediator)
	return nil
}

// ruleFor returns the evaluator rule an action rechecks with.
func (p *Pipeline) ruleFor(ac config.ActionConfig) (evaluator.Rule, bool) {
	if ac.RuleID != "" {
		return p.evaluator.Rule(ac.RuleID)
	}
	for _, r := range p.evaluator.Rules() {
		if r.ResourceType == ac.ResourceType {
			return r, true
		}
	}
	return evaluator.Rule{}, false
}

// reportOutcome surfaces remediation outcomes. FAILED outcomes become
// findings; terminal ones are announced.
func (p *Pipeline) reportOutcome(ctx context.Context, v compliance.Violation, o compliance.Outcome) {
	p.outcomesMu.Lock()
	p.outcomes = append(p.outcomes, o)
	if over := len(p.outcomes) - outcomeHistory; over > 0 {
		p.outcomes = append([]compliance.Outcome(nil), p.outcomes[over:]...)
	}
	p.outcomesMu.Unlock()

	if o.Result == compliance.ResultFailed && p.findings != nil {
		f := compliance.FindingFromOutcome(p.config.Evaluator.SourceSystem, o)
		if _, err := p.findings.Submit(ctx, []compliance.Finding{f}); err != nil {
			p.logger.Warn("Failed to record remediation failure finding",
				zap.String("resource", o.Resource.String()),
				zap.Error(err),
			)
		}
	}
	if p.notifier != nil {
		p.notifier.NotifyOutcome(ctx, v, o)
	}
}

func skipHandler(logger *zap.Logger, target string) routing.Handler {
	return routing.HandlerFunc(func(_ context.Context, d routing.Dispatch) error {
		logger.Debug("Target disabled, skipping dispatch",
			zap.String("target", target),
			zap.String("route", d.Route),
			zap.String("resource", d.Violation.Resource.String()),
		)
		return nil
	})
}

// buildRules resolves each rule's predicate.
func buildRules(cfgs []config.RuleConfig) ([]evaluator.Rule, error) {
	registry := policy.NewRegistry()
	rules := make([]evaluator.Rule, 0, len(cfgs))
	for _, rc := range cfgs {
		pred, err := registry.Build(rc.Predicate, rc.Params)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rc.ID, err)
		}
		rules = append(rules, evaluator.Rule{
			ID:             rc.ID,
			ResourceType:   rc.ResourceType,
			Predicate:      pred,
			TriggerMode:    rc.TriggerMode,
			ExportFindings: rc.ExportFindings,
			Resources:      rc.Resources,
		})
	}
	return rules, nil
}

// BuildRoutes compiles the routing table.
func BuildRoutes(cfgs []config.RouteConfig) ([]routing.Rule, error) {
	routes := make([]routing.Rule, 0, len(cfgs))
	for _, rc := range cfgs {
		rule := routing.Rule{Name: rc.Name, Targets: rc.Targets}
		for _, cc := range rc.Match {
			cond, err := routing.NewCondition(cc.Path, cc.Op, cc.Values)
			if err != nil {
				return nil, fmt.Errorf("route %q: %w", rc.Name, err)
			}
			rule.Conditions = append(rule.Conditions, cond)
		}
		routes = append(routes, rule)
	}
	return routes, nil
}

// Start launches the background stages. It returns once they are running.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.findings != nil && p.config.Findings.EnsureEnabled {
		if err := p.findings.EnsureEnabled(ctx); err != nil {
			return fmt.Errorf("failed to enable findings aggregator: %w", err)
		}
	}
	if p.notifier != nil {
		if p.sns != nil && len(p.config.Notifier.Recipients) > 0 {
			if err := p.sns.EnsureSubscriptions(ctx, p.config.Notifier.Recipients); err != nil {
				p.logger.Warn("Failed to ensure notification subscriptions", zap.Error(err))
			}
		}
		p.notifier.Start()
	}
	p.dispatcher.Start()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	if p.consumer != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.consumer.Run(runCtx); err != nil {
				p.logger.Error("Queue consumer stopped", zap.Error(err))
			}
		}()
	}
	if p.sweepEvery > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.sweepLoop(runCtx)
		}()
	}

	p.logger.Info("Pipeline started",
		zap.String("bus_mode", p.config.Bus.Mode),
		zap.String("store_backend", p.config.Store.Backend),
		zap.Int("rules", len(p.evaluator.Rules())),
		zap.Int("routes", len(p.router.Rules())),
		zap.Duration("sweep_every", p.sweepEvery),
	)
	return nil
}

// Shutdown stops polling and drains queued dispatches and notifications.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	var errs []error
	if err := p.dispatcher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher: %w", err))
	}
	if p.notifier != nil {
		if err := p.notifier.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("notifier: %w", err))
		}
	}
	return errors.Join(errs...)
}

// HandleNotification evaluates a resource change within one invocation timeout.
func (p *Pipeline) HandleNotification(ctx context.Context, n compliance.ChangeNotification) ([]compliance.Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.Pipeline.InvocationTimeout)
	defer cancel()
	return p.evaluator.HandleNotification(ctx, n)
}

// HandleEvent processes one bus event: resource changes go to the
// evaluator, everything else to the router.
func (p *Pipeline) HandleEvent(ctx context.Context, env bus.Envelope) error {
	if env.DetailType == bus.DetailTypeResourceChange {
		var n compliance.ChangeNotification
		if err := json.Unmarshal(env.Detail, &n); err != nil {
			return faults.Permanent("pipeline.event", fmt.Errorf("failed to decode resource change: %w", err))
		}
		_, err := p.HandleNotification(ctx, n)
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.Pipeline.InvocationTimeout)
	defer cancel()
	_, err := p.router.Route(ctx, env)
	return err
}

// Route matches and dispatches env, returning the dispatches handed off.
func (p *Pipeline) Route(ctx context.Context, env bus.Envelope) ([]routing.Dispatch, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.Pipeline.InvocationTimeout)
	defer cancel()
	return p.router.Route(ctx, env)
}

// Sweep re-evaluates the listed resources of every periodic rule. Listed
// ids are owned by the configured account so sweep verdicts share records
// with change notifications. One resource failing never stops the sweep.
func (p *Pipeline) Sweep(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.Pipeline.InvocationTimeout)
	defer cancel()

	evaluated := 0
	var errs []error
	for _, rule := range p.evaluator.Rules() {
		if !rule.Periodic() || len(rule.Resources) == 0 {
			continue
		}
		refs := make([]compliance.ResourceRef, 0, len(rule.Resources))
		for _, id := range rule.Resources {
			refs = append(refs, compliance.ResourceRef{
				ResourceType: rule.ResourceType,
				ResourceID:   id,
				Account:      p.config.AccountID(),
				Region:       p.config.AWS.Region,
			})
		}
		results, err := p.evaluator.EvaluateBatch(ctx, rule.ID, refs)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, r := range results {
			if r.Err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", r.Resource, r.Err))
				continue
			}
			evaluated++
		}
	}
	return evaluated, errors.Join(errs...)
}

func (p *Pipeline) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(p.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Sweep(ctx)
			if err != nil {
				p.logger.Warn("Periodic sweep finished with errors", zap.Int("evaluated", n), zap.Error(err))
				continue
			}
			p.logger.Info("Periodic sweep finished", zap.Int("evaluated", n))
		}
	}
}

// Rules returns the evaluator rules.
func (p *Pipeline) Rules() []evaluator.Rule { return p.evaluator.Rules() }

// Routes returns the routing table.
func (p *Pipeline) Routes() []routing.Rule { return p.router.Rules() }

// Verdict returns the stored verdict for a pair.
func (p *Pipeline) Verdict(ctx context.Context, ruleID string, ref compliance.ResourceRef) (compliance.Verdict, error) {
	return p.recorder.Get(ctx, ruleID, ref)
}

// RecentFindings returns findings kept by the log backend.
func (p *Pipeline) RecentFindings() ([]compliance.Finding, bool) {
	if p.recent == nil {
		return nil, false
	}
	return p.recent.Recent(), true
}

// RecentOutcomes returns the latest remediation outcomes, oldest first.
func (p *Pipeline) RecentOutcomes() []compliance.Outcome {
	p.outcomesMu.RLock()
	defer p.outcomesMu.RUnlock()
	return append([]compliance.Outcome(nil), p.outcomes...)
}

// Ready reports whether the verdict store is reachable.
func (p *Pipeline) Ready(ctx context.Context) error {
	return p.store.Ping(ctx)
}
