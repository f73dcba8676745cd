package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/cgast/obsagent/internal/inspector"
	"github.com/cgast/obsagent/internal/runner"
	"github.com/cgast/obsagent/pkg/events"
	"github.com/cgast/obsagent/pkg/execution"
	"github.com/cgast/obsagent/pkg/history"
	"github.com/cgast/obsagent/pkg/observability"
	"github.com/cgast/obsagent/pkg/protocol"
	"github.com/cgast/obsagent/pkg/spec"
	"github.com/cgast/obsagent/pkg/verify"
)

// handleServe implements `obsagent serve`: JSON-RPC requests on stdin,
// responses on stdout.
func handleServe(ctx context.Context) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.withTelemetry(ctx, func(ctx context.Context, t *observability.Telemetry) error {
		r, err := a.runner(t)
		if err != nil {
			return err
		}
		if a.cfg.Inspector.Enabled {
			srv := inspector.New(a.bus, a.store, inspector.WithLogger(a.logger))
			go func() {
				if err := srv.Start(ctx, a.cfg.Inspector.Port); err != nil {
					a.logger.Error("inspector stopped", "error", err)
				}
			}()
		}

		h := protocol.NewHandler()
		registerMethods(h, &service{runner: r, store: a.store})
		a.logger.Info("serving JSON-RPC on stdin", "methods", h.Methods())
		return h.Serve(ctx, os.Stdin, os.Stdout, a.logger)
	})
}

// service holds the state shared by JSON-RPC methods.
type service struct {
	runner *runner.Runner
	store  *history.Store

	mu     sync.Mutex
	loaded *spec.ContractSpec
}

// contract resolves p to a contract document: the one at p.Path when
// set, otherwise the contract loaded by contract.load.
func (s *service) contract(p protocol.ContractParams) (spec.ContractSpec, *protocol.Error) {
	if p.Path != "" {
		cs, err := spec.LoadContract(p.Path, p.Params)
		if err != nil {
			return spec.ContractSpec{}, protocol.Errorf(protocol.CodeContractInvalid, err.Error())
		}
		return cs, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded == nil {
		return spec.ContractSpec{}, protocol.Errorf(protocol.CodeNoContract, "no contract loaded (call contract.load or pass a path)")
	}
	return *s.loaded, nil
}

func registerMethods(h *protocol.Handler, s *service) {
	h.Register(protocol.MethodContractLoad, func(ctx context.Context, params json.RawMessage) (any, *protocol.Error) {
		p, perr := protocol.ParseParams[protocol.ContractParams](params)
		if perr != nil {
			return nil, perr
		}
		if p.Path == "" {
			return nil, protocol.Errorf(protocol.CodeInvalidParams, "path is required")
		}
		cs, perr := s.contract(p)
		if perr != nil {
			return nil, perr
		}
		if vr := spec.ValidateContract(cs); !vr.Valid() {
			return nil, &protocol.Error{Code: protocol.CodeContractInvalid, Message: vr.Error(), Data: fieldErrors(vr)}
		}

		s.mu.Lock()
		s.loaded = &cs
		s.mu.Unlock()
		if bus := s.runner.Bus(); bus != nil {
			bus.Publish(events.NewEvent(events.EventContractLoaded, contractInfo(cs)))
		}
		return contractInfo(cs), nil
	})

	h.Register(protocol.MethodContractValidate, func(ctx context.Context, params json.RawMessage) (any, *protocol.Error) {
		p, perr := protocol.ParseParams[protocol.ContractParams](params)
		if perr != nil {
			return nil, perr
		}
		cs, perr := s.contract(p)
		if perr != nil {
			return nil, perr
		}
		vr := spec.ValidateContract(cs)
		return protocol.ValidateResult{Valid: vr.Valid(), Errors: fieldErrors(vr)}, nil
	})

	h.Register(protocol.MethodContractTerms, func(ctx context.Context, params json.RawMessage) (any, *protocol.Error) {
		p, perr := protocol.ParseParams[protocol.ContractParams](params)
		if perr != nil {
			return nil, perr
		}
		cs, perr := s.contract(p)
		if perr != nil {
			return nil, perr
		}
		return protocol.TermsResult{Contract: cs.Meta.Name, Terms: spec.Terms(cs)}, nil
	})

	h.Register(protocol.MethodContractPlan, func(ctx context.Context, params json.RawMessage) (any, *protocol.Error) {
		p, perr := protocol.ParseParams[protocol.ContractParams](params)
		if perr != nil {
			return nil, perr
		}
		cs, perr := s.contract(p)
		if perr != nil {
			return nil, perr
		}
		plan, err := spec.GeneratePlan(cs)
		if err != nil {
			return nil, protocol.Errorf(protocol.CodeContractInvalid, err.Error())
		}
		return plan, nil
	})

	h.Register(protocol.MethodVerify, func(ctx context.Context, params json.RawMessage) (any, *protocol.Error) {
		p, perr := protocol.ParseParams[protocol.VerifyParams](params)
		if perr != nil {
			return nil, perr
		}
		cs, perr := s.contract(p.ContractParams)
		if perr != nil {
			return nil, perr
		}

		var exec *execution.Execution
		var err error
		switch {
		case len(p.Execution) > 0:
			exec, err = execution.ParseJSON(p.Execution)
		case p.ExecutionPath != "":
			exec, err = execution.Load(p.ExecutionPath)
		default:
			return nil, protocol.Errorf(protocol.CodeInvalidParams, "execution or execution_path is required")
		}
		if err != nil {
			return nil, protocol.Errorf(protocol.CodeInvalidParams, err.Error())
		}

		run, err := s.runner.Run(ctx, cs, exec)
		var herr *verify.HandlerError
		if err != nil && !errors.As(err, &herr) {
			return nil, protocol.Errorf(protocol.CodeVerifyFailed, err.Error())
		}
		return verifyResult(run), nil
	})

	h.Register(protocol.MethodHistoryList, func(ctx context.Context, params json.RawMessage) (any, *protocol.Error) {
		if s.store == nil {
			return nil, protocol.Errorf(protocol.CodeHistoryUnavailable, "history is disabled")
		}
		p, perr := protocol.ParseParams[protocol.HistoryListParams](params)
		if perr != nil {
			return nil, perr
		}
		limit := p.Limit
		if limit == 0 {
			limit = 20
		}
		runs, err := s.store.List(limit)
		if err != nil {
			return nil, protocol.Errorf(protocol.CodeInternalError, err.Error())
		}
		infos := make([]protocol.RunInfo, len(runs))
		for i, r := range runs {
			infos[i] = runInfo(r)
		}
		return infos, nil
	})

	h.Register(protocol.MethodHistoryGet, func(ctx context.Context, params json.RawMessage) (any, *protocol.Error) {
		if s.store == nil {
			return nil, protocol.Errorf(protocol.CodeHistoryUnavailable, "history is disabled")
		}
		p, perr := protocol.ParseParams[protocol.HistoryGetParams](params)
		if perr != nil {
			return nil, perr
		}
		if p.ID == "" {
			return nil, protocol.Errorf(protocol.CodeInvalidParams, "id is required")
		}
		run, err := s.store.Get(p.ID)
		if err != nil {
			if errors.Is(err, history.ErrNotFound) {
				return nil, protocol.Errorf(protocol.CodeNotFound, err.Error())
			}
			return nil, protocol.Errorf(protocol.CodeInternalError, err.Error())
		}
		return verifyResult(run), nil
	})
}

func contractInfo(cs spec.ContractSpec) protocol.ContractInfo {
	names := make([]string, len(cs.Commitments))
	for i, c := range cs.Commitments {
		names[i] = c.Name
	}
	return protocol.ContractInfo{
		Name:        cs.Meta.Name,
		Description: cs.Meta.Description,
		Commitments: names,
	}
}

func fieldErrors(vr spec.ValidationResult) []protocol.FieldError {
	if vr.Valid() {
		return nil
	}
	out := make([]protocol.FieldError, len(vr.Errors))
	for i, e := range vr.Errors {
		out[i] = protocol.FieldError{Field: e.Field, Message: e.Message}
	}
	return out
}

func summary(s map[verify.Status]int) map[string]int {
	out := make(map[string]int, len(s))
	for st, n := range s {
		out[string(st)] = n
	}
	return out
}

func verifyResult(run *history.Run) protocol.VerifyResult {
	results := make([]protocol.ResultInfo, len(run.Results))
	for i, r := range run.Results {
		results[i] = protocol.ResultInfo{
			Commitment: r.CommitmentName,
			Status:     string(r.Status),
			Actual:     r.Actual,
			Expected:   r.Expected,
			Context:    r.Context,
		}
	}
	return protocol.VerifyResult{
		RunID:        run.ID,
		Contract:     run.Contract,
		ExecutionID:  run.ExecutionID,
		Results:      results,
		Summary:      summary(run.Summary),
		Worst:        string(run.Worst),
		HandlerError: run.HandlerError,
		Duration:     run.Duration.String(),
	}
}

func runInfo(r *history.Run) protocol.RunInfo {
	return protocol.RunInfo{
		ID:          r.ID,
		Contract:    r.Contract,
		ExecutionID: r.ExecutionID,
		StartedAt:   r.StartedAt.Format(time.RFC3339),
		Worst:       string(r.Worst),
		Summary:     summary(r.Summary),
	}
}
