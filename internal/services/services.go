// Package services wires the trust, execution, and resilience core's
// process-wide singletons (audit ledger, secret broker) to the rest of
// its subsystems, building the narrow AuditSink/HitObserver/
// FallbackObserver closures that sandboxexec, execsession, pipeline,
// rescache, and persona each accept so none of them import the ledger
// or telemetry packages directly.
package services

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ocx/sentrycore/internal/auditledger"
	"github.com/ocx/sentrycore/internal/confidence"
	cfgpkg "github.com/ocx/sentrycore/internal/config"
	"github.com/ocx/sentrycore/internal/conflict"
	"github.com/ocx/sentrycore/internal/envelope"
	"github.com/ocx/sentrycore/internal/execsession"
	"github.com/ocx/sentrycore/internal/patchhistory"
	"github.com/ocx/sentrycore/internal/persona"
	"github.com/ocx/sentrycore/internal/pipeline"
	"github.com/ocx/sentrycore/internal/rescache"
	"github.com/ocx/sentrycore/internal/retryqueue"
	"github.com/ocx/sentrycore/internal/sandboxexec"
	"github.com/ocx/sentrycore/internal/secretbroker"
	"github.com/ocx/sentrycore/internal/telemetry"
)

// Services bundles the process-wide singletons (AuditLedger, SecretBroker)
// with the ResilienceServices handle: everything the PersonaKernel
// needs to service an action end to end.
type Services struct {
	Config *cfgpkg.Config

	Ledger *auditledger.Ledger
	Secret *secretbroker.Broker

	Telemetry  *telemetry.Hub
	Cache      *rescache.Cache
	Queue      *retryqueue.Queue
	Conflict   *conflict.Resolver
	Confidence *confidence.Calculator

	Exec         *sandboxexec.Runner
	Session      *execsession.Manager
	Pipeline     *pipeline.PipelineStore
	PatchHistory *patchhistory.Store

	Persona *persona.Kernel

	wizardKey ed25519.PrivateKey
	auditFn   func(kind, actor, action, resource string, metadata map[string]string)
}

// Open wires every subsystem per cfg. signingKey may be nil for a
// dev/test instance; production deployments pass a key leased from the
// secret broker's key-material scope or loaded from disk.
func Open(ctx context.Context, cfg *cfgpkg.Config, signingKey ed25519.PrivateKey) (*Services, error) {
	hub, err := telemetry.New(ctx, telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Enabled:      cfg.Telemetry.Enabled,
		Insecure:     cfg.Telemetry.Insecure,
		DBPath:       cfg.Telemetry.DBPath,
	})
	if err != nil {
		return nil, fmt.Errorf("open telemetry hub: %w", err)
	}

	ledger, err := auditledger.Open(cfg.Ledger.DBPath, hub)
	if err != nil {
		return nil, fmt.Errorf("open audit ledger: %w", err)
	}

	secret := secretbroker.New()

	var cacheKey []byte
	if cfg.Cache.EncryptionKeyHex != "" {
		cacheKey, err = hex.DecodeString(cfg.Cache.EncryptionKeyHex)
		if err != nil {
			return nil, fmt.Errorf("decode cache encryption key: %w", err)
		}
	}
	cache, err := rescache.Open(cfg.Cache.DBPath, cacheKey, hub)
	if err != nil {
		return nil, fmt.Errorf("open resilience cache: %w", err)
	}
	cache.TTLDefault = time.Duration(cfg.Cache.DefaultTTLMinutes) * time.Minute

	queue, err := retryqueue.Open(cfg.Queue.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open retry queue: %w", err)
	}
	queue.DefaultMaxAttempts = cfg.Queue.MaxAttempts

	resolver := conflict.New()

	calculator, err := confidence.New(confidence.DefaultWeights)
	if err != nil {
		return nil, fmt.Errorf("build confidence calculator: %w", err)
	}

	auditFn := func(kind, actor, action, resource string, metadata map[string]string) {
		_, _ = ledger.Append(auditledger.Event{
			Kind:     auditledger.Kind(kind),
			Actor:    actor,
			Action:   action,
			Resource: resource,
			Metadata: metadata,
		})
	}

	execRunner := sandboxexec.NewRunner(secret, hub, sandboxexec.AuditSink(auditFn))
	execRunner.DefaultSandboxType = sandboxexec.SandboxType(cfg.Exec.DefaultSandboxType)
	execRunner.DefaultTimeoutMS = cfg.Exec.DefaultTimeoutMS
	execRunner.DefaultLimits = sandboxexec.ResourceLimits{
		CPUTimeSeconds: cfg.Exec.CPUTimeSeconds,
		MemoryBytes:    cfg.Exec.MemoryBytes,
	}
	execRunner.LinuxSandboxExe = cfg.Exec.LinuxSandboxExePath

	sessionMgr := execsession.NewManager(execsession.AuditSink(auditFn))
	sessionMgr.Defaults = execsession.Defaults{
		IdleTimeout:   time.Duration(cfg.Session.IdleTimeoutMS) * time.Millisecond,
		GracePeriod:   time.Duration(cfg.Session.GracePeriodMS) * time.Millisecond,
		EventRingSize: cfg.Session.EventRingSize,
		MaxOutputToks: cfg.Session.MaxOutputToks,
		YieldMS:       cfg.Session.DefaultYieldMS,
	}

	if signingKey == nil {
		_, priv, genErr := ed25519.GenerateKey(nil)
		if genErr != nil {
			return nil, fmt.Errorf("generate pipeline signing key: %w", genErr)
		}
		signingKey = priv
	}
	signer, err := pipeline.NewSignEngine(signingKey)
	if err != nil {
		return nil, fmt.Errorf("build sign engine: %w", err)
	}
	grace := time.Duration(cfg.Pipeline.RotationGraceHours) * time.Hour
	verifier := pipeline.NewVerifyEngine(signer.PublicKeyBytes(), grace)
	store, err := pipeline.NewPipelineStore(cfg.Pipeline.PacksRootDir, signer, verifier, pipeline.AuditSink(auditFn))
	if err != nil {
		return nil, fmt.Errorf("open pipeline store: %w", err)
	}
	store.DefaultSignerID = cfg.Pipeline.DefaultSignerID

	kernel := persona.NewKernel(resolver, calculator, cache, persona.AuditSink(auditFn))
	kernel.DefaultPersona = persona.Persona(cfg.RBAC.DefaultPersona)

	return &Services{
		Config:     cfg,
		Ledger:     ledger,
		Secret:     secret,
		Telemetry:  hub,
		Cache:      cache,
		Queue:      queue,
		Conflict:   resolver,
		Confidence: calculator,
		Exec:         execRunner,
		Session:      sessionMgr,
		Pipeline:     store,
		PatchHistory: patchhistory.New(cfg.Exec.PatchHistoryPath),
		Persona:      kernel,
		wizardKey:  signingKey,
		auditFn:    auditFn,
	}, nil
}

// SignWizardCommand signs a wizard-apply envelope over (name, summary)
// using the same key material backing the pipeline's SignEngine, and
// records a consent audit event.
func (c *Services) SignWizardCommand(name string, summary any) (envelope.Envelope, error) {
	nonce, err := envelope.NewNonce()
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("generate wizard nonce: %w", err)
	}
	env, err := envelope.Sign(c.wizardKey, name, summary, nonce, time.Now())
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("sign wizard envelope: %w", err)
	}
	c.auditFn(auditKindConsent, auditActorWizard, "wizard_sign", "core:wizard:"+name, map[string]string{"nonce": nonce})
	return env, nil
}

// VerifyWizardCommand verifies a wizard-apply envelope against (name,
// summary), recording a consent audit event either way before returning.
func (c *Services) VerifyWizardCommand(env envelope.Envelope, name string, summary any) error {
	err := envelope.Verify(env, name, summary, time.Now())
	status := "wizard_verified"
	if err != nil {
		status = "wizard_rejected"
	}
	c.auditFn(auditKindConsent, auditActorWizard, status, "core:wizard:"+name, map[string]string{"nonce": env.Nonce})
	return err
}

// Close releases every on-disk store Services owns. It does not stop
// ExecSessionManager's live sessions; callers that need a hard shutdown
// should force_kill them first via Session.ExecControl.
func (c *Services) Close(ctx context.Context) error {
	var errs []error
	if err := c.Telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.Cache.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Queue.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Ledger.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("close core services: %v", errs)
	}
	return nil
}

// auditKindConsent mirrors auditledger.KindConsent's label; wizard
// sign/verify events are consent events (a human approving a proposed
// command), same family as persona's.
const auditKindConsent = "consent"

// auditActorWizard is the fixed actor for wizard envelope sign/verify
// events: the wizard flow itself brokers the signature, not a specific
// persona, so there is no per-call identity to thread through here the
// way pipeline's actor parameter does.
const auditActorWizard = "core:wizard"
