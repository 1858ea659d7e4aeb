package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/nostrflow/engine/internal/schema"
)

// Deps supplies every external collaborator a pipe built from
// schema.PipelineConfig might need.
type Deps struct {
	Store      EventStore
	Dispatcher KindDispatcher
	Verifier   ProofVerifier
	Log        *slog.Logger
}

// Build constructs a Pipeline for subscriptionID from cfg, instantiating
// one concrete Pipe per schema.PipeConfig entry in order.
// An empty cfg.Pipes falls back to schema.DefaultPipelineConfig().
func Build(cfg schema.PipelineConfig, subscriptionID string, deps Deps) (*Pipeline, error) {
	if len(cfg.Pipes) == 0 {
		cfg = schema.DefaultPipelineConfig()
	}

	pipes := make([]Pipe, 0, len(cfg.Pipes))
	for _, pc := range cfg.Pipes {
		p, err := buildOne(pc, subscriptionID, deps)
		if err != nil {
			return nil, err
		}
		pipes = append(pipes, p)
	}
	return New(pipes, subscriptionID)
}

func buildOne(pc schema.PipeConfig, subID string, deps Deps) (Pipe, error) {
	switch pc.Type {
	case schema.PipeMuteFilter:
		criteria := schema.MuteCriteria{}
		if pc.Mute != nil {
			criteria = *pc.Mute
		}
		return MuteFilter{Criteria: criteria}, nil
	case schema.PipeKindFilter:
		return KindFilter{AllowKinds: pc.AllowKinds}, nil
	case schema.PipeNpubLimiter:
		return NewNpubLimiter(pc.PerAuthorLimit), nil
	case schema.PipeParse:
		if deps.Dispatcher == nil {
			return nil, fmt.Errorf("pipeline: build: parse pipe requires a KindDispatcher")
		}
		return Parse{Dispatcher: deps.Dispatcher, Log: deps.Log}, nil
	case schema.PipeSaveToDb:
		if deps.Store == nil {
			return nil, fmt.Errorf("pipeline: build: save_to_db pipe requires an EventStore")
		}
		return SaveToDb{Store: deps.Store, Log: deps.Log}, nil
	case schema.PipeSerializeEvents:
		return SerializeEvents{SubID: subID}, nil
	case schema.PipeProofVerification:
		if deps.Verifier == nil {
			return nil, fmt.Errorf("pipeline: build: proof_verification pipe requires a ProofVerifier")
		}
		return ProofVerification{Verifier: deps.Verifier, SubID: subID, Log: deps.Log}, nil
	case schema.PipeCounter:
		c := NewCounter(pc.EveryN)
		c.Log = deps.Log
		return c, nil
	case schema.PipeDeduplication:
		return NewDeduplication(dedupMaxSize), nil
	default:
		return nil, fmt.Errorf("pipeline: build: unknown pipe type %q", pc.Type)
	}
}

// ProofVerificationPipeline builds the second built-in pipeline,
// KindFilter([9321,7375]) -> Parse -> ProofVerification, for Cashu
// nutzap/nutzap-redeemed events.
func ProofVerificationPipeline(subscriptionID string, deps Deps) (*Pipeline, error) {
	cfg := schema.PipelineConfig{Pipes: []schema.PipeConfig{
		{Type: schema.PipeKindFilter, AllowKinds: []uint16{9321, 7375}},
		{Type: schema.PipeParse},
		{Type: schema.PipeProofVerification},
	}}
	return Build(cfg, subscriptionID, deps)
}
