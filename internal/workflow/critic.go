package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-seldon/internal/bus"
)

// Escalation actions when a chain's retries are exhausted.
const (
	RejectReturnError     = "return_error"
	RejectEscalateToHuman = "escalate_to_human"
)

type CriticLayer struct {
	Agent string `yaml:"agent" json:"agent"`
	Scope string `yaml:"scope" json:"scope"`
}

type CriticChain struct {
	Layers           []CriticLayer `yaml:"layers" json:"layers"`
	RequireUnanimous bool          `yaml:"require_unanimous" json:"require_unanimous"`
	MaxRetries       int           `yaml:"max_retries" json:"max_retries"`
	OnFinalReject    string        `yaml:"on_final_reject" json:"on_final_reject"`
}

type Verdict struct {
	Agent    string `json:"agent"`
	Scope    string `json:"scope"`
	Decision string `json:"decision"` // approve or veto
	Reason   string `json:"reason,omitempty"`
}

type VetoReason struct {
	Agent  string `json:"agent"`
	Scope  string `json:"scope"`
	Reason string `json:"reason,omitempty"`
}

type Escalation struct {
	Action  string `json:"action"`
	Message string `json:"message"`
}

// ValidationResult is the full outcome of running a chain over an output.
type ValidationResult struct {
	Validated          bool         `json:"validated"`
	TaskID             string       `json:"task_id"`
	Chain              string       `json:"chain"`
	Verdicts           []Verdict    `json:"verdicts,omitempty"`
	VetoReasons        []VetoReason `json:"veto_reasons,omitempty"`
	ReturnToAgent      string       `json:"return_to_agent,omitempty"`
	RetryCount         int          `json:"retry_count"`
	MaxRetries         int          `json:"max_retries,omitempty"`
	MaxRetriesExceeded bool         `json:"max_retries_exceeded,omitempty"`
	Escalation         *Escalation  `json:"escalation,omitempty"`
	RequireUnanimous   bool         `json:"require_unanimous,omitempty"`
}

// CriticFunc renders one layer's verdict on a task output. The default
// approves everything; real critic agents plug in here.
type CriticFunc func(ctx context.Context, layer CriticLayer, taskID, output string) Verdict

// ApproveAll is the default critic: every layer approves.
func ApproveAll(_ context.Context, layer CriticLayer, _, _ string) Verdict {
	return Verdict{Agent: layer.Agent, Scope: layer.Scope, Decision: "approve"}
}

// defaultChain is used when no chain config exists or an unknown chain
// name is requested with no configured default.
func defaultChain() CriticChain {
	return CriticChain{
		Layers: []CriticLayer{
			{Agent: "seldon", Scope: "format"},
			{Agent: "preem", Scope: "security"},
		},
		RequireUnanimous: false,
		MaxRetries:       3,
		OnFinalReject:    RejectReturnError,
	}
}

// LoadCriticChains reads a chain config file. A missing file yields just
// the built-in default chain.
func LoadCriticChains(path string) (map[string]CriticChain, error) {
	chains := map[string]CriticChain{"default": defaultChain()}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return chains, nil
		}
		return nil, fmt.Errorf("read critic chains: %w", err)
	}
	var file struct {
		CriticChains map[string]CriticChain `yaml:"critic_chains"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse critic chains: %w", err)
	}
	for name, chain := range file.CriticChains {
		if chain.MaxRetries <= 0 {
			chain.MaxRetries = 3
		}
		if chain.OnFinalReject == "" {
			chain.OnFinalReject = RejectReturnError
		}
		chains[name] = chain
	}
	return chains, nil
}

// CriticStore is the persistence surface validation needs.
type CriticStore interface {
	MergeTaskMetadata(ctx context.Context, taskID string, patch map[string]any) error
	FailTask(ctx context.Context, taskID, errMsg string) error
	RecordActivity(ctx context.Context, agentID, kind, detail string) error
}

// Validator runs critic chains over task outputs.
type Validator struct {
	mu       sync.RWMutex
	chains   map[string]CriticChain
	critic   CriticFunc
	store    CriticStore
	eventBus *bus.Bus
	logger   *slog.Logger
}

func NewValidator(chains map[string]CriticChain, critic CriticFunc, store CriticStore, eventBus *bus.Bus, logger *slog.Logger) *Validator {
	if chains == nil {
		chains = map[string]CriticChain{"default": defaultChain()}
	}
	if critic == nil {
		critic = ApproveAll
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		chains:   chains,
		critic:   critic,
		store:    store,
		eventBus: eventBus,
		logger:   logger,
	}
}

// ReplaceChains swaps in a freshly loaded chain set, for hot reload.
func (v *Validator) ReplaceChains(chains map[string]CriticChain) {
	if chains == nil {
		chains = map[string]CriticChain{"default": defaultChain()}
	}
	v.mu.Lock()
	v.chains = chains
	v.mu.Unlock()
}

func (v *Validator) chain(name string) CriticChain {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if c, ok := v.chains[name]; ok {
		return c
	}
	if c, ok := v.chains["default"]; ok {
		return c
	}
	return defaultChain()
}

// Validate runs the named chain over a task output. retryCount is how
// many vetoes this task has already absorbed; once it reaches the chain's
// max_retries the task fails with an escalation rather than another retry.
func (v *Validator) Validate(ctx context.Context, taskID, chainName, output, originatingAgent string, retryCount int) (ValidationResult, error) {
	chain := v.chain(chainName)

	if retryCount >= chain.MaxRetries {
		escalation := &Escalation{
			Action:  RejectReturnError,
			Message: fmt.Sprintf("Task %s rejected after %d retries", taskID, chain.MaxRetries),
		}
		if chain.OnFinalReject == RejectEscalateToHuman {
			escalation = &Escalation{
				Action:  RejectEscalateToHuman,
				Message: fmt.Sprintf("Task %s failed critic review after %d retries", taskID, chain.MaxRetries),
			}
		}
		if v.store != nil {
			if err := v.store.MergeTaskMetadata(ctx, taskID, map[string]any{"escalation": escalation}); err != nil {
				v.logger.Error("record escalation metadata", "task_id", taskID, "error", err)
			}
			if err := v.store.FailTask(ctx, taskID, escalation.Message); err != nil {
				v.logger.Error("fail escalated task", "task_id", taskID, "error", err)
			}
		}
		if v.eventBus != nil {
			v.eventBus.Publish(bus.TopicCriticEscalate, bus.CriticEvent{
				TaskID: taskID, Chain: chainName, RetryCount: retryCount, Escalated: true,
			})
		}
		return ValidationResult{
			Validated:          false,
			TaskID:             taskID,
			Chain:              chainName,
			RetryCount:         retryCount,
			MaxRetriesExceeded: true,
			Escalation:         escalation,
		}, nil
	}

	var verdicts []Verdict
	anyVeto := false
	for _, layer := range chain.Layers {
		verdict := v.critic(ctx, layer, taskID, output)
		verdicts = append(verdicts, verdict)
		if verdict.Decision == "veto" {
			anyVeto = true
			// Unanimous chains still consult every layer; otherwise the
			// first veto settles it.
			if !chain.RequireUnanimous {
				break
			}
		}
	}

	allApproved := true
	for _, vd := range verdicts {
		if vd.Decision != "approve" {
			allApproved = false
			break
		}
	}
	approved := !anyVeto
	if chain.RequireUnanimous {
		approved = allApproved
	}

	if !approved {
		var reasons []VetoReason
		for _, vd := range verdicts {
			if vd.Decision == "veto" {
				reasons = append(reasons, VetoReason{Agent: vd.Agent, Scope: vd.Scope, Reason: vd.Reason})
			}
		}
		if v.store != nil {
			if err := v.store.MergeTaskMetadata(ctx, taskID, map[string]any{
				"critic_veto": map[string]any{
					"retry":     retryCount + 1,
					"reasons":   reasons,
					"return_to": originatingAgent,
				},
			}); err != nil {
				v.logger.Error("record veto metadata", "task_id", taskID, "error", err)
			}
		}
		if v.eventBus != nil {
			v.eventBus.Publish(bus.TopicCriticVeto, bus.CriticEvent{
				TaskID: taskID, Chain: chainName, RetryCount: retryCount + 1,
			})
		}
		return ValidationResult{
			Validated:     false,
			TaskID:        taskID,
			Chain:         chainName,
			Verdicts:      verdicts,
			VetoReasons:   reasons,
			ReturnToAgent: originatingAgent,
			RetryCount:    retryCount + 1,
			MaxRetries:    chain.MaxRetries,
		}, nil
	}

	if v.store != nil {
		if err := v.store.MergeTaskMetadata(ctx, taskID, map[string]any{
			"critic_approved": map[string]any{
				"chain":       chainName,
				"verdicts":    verdicts,
				"approved_at": time.Now().UTC().Format(time.RFC3339),
			},
		}); err != nil {
			v.logger.Error("record approval metadata", "task_id", taskID, "error", err)
		}
	}
	if v.eventBus != nil {
		v.eventBus.Publish(bus.TopicCriticApproved, bus.CriticEvent{
			TaskID: taskID, Chain: chainName, RetryCount: retryCount,
		})
	}
	return ValidationResult{
		Validated:        true,
		TaskID:           taskID,
		Chain:            chainName,
		Verdicts:         verdicts,
		RetryCount:       retryCount,
		RequireUnanimous: chain.RequireUnanimous,
	}, nil
}
