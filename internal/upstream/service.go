package upstream

import (
	"context"
	"fmt"

	"batchgate/internal/jsonrpc"
	"batchgate/internal/service"
)

// BatchOutcomes is the response side of a batch call
type BatchOutcomes = []service.Outcome[*jsonrpc.Response]

// Service returns a single-request service over this upstream.
// It is safe for concurrent use.
func (u *Upstream) Service() service.Service[*jsonrpc.Request, *jsonrpc.Response] {
	return singleService{u: u}
}

// BatchService returns a service sending a whole batch in one HTTP call.
// It is meant to be driven by a single batch worker.
func (u *Upstream) BatchService() service.Service[[]*jsonrpc.Request, BatchOutcomes] {
	return batchService{u: u}
}

type singleService struct {
	u *Upstream
}

func (s singleService) PollReady() service.Readiness {
	return s.u.Readiness()
}

func (s singleService) Call(ctx context.Context, req *jsonrpc.Request) <-chan service.Outcome[*jsonrpc.Response] {
	slot := service.NewSlot[*jsonrpc.Response]()
	go func() {
		resp, err := s.u.ExecuteHTTP(ctx, req)
		if err == nil {
			resp, err = s.u.settle(resp, req.ID)
		}
		slot <- service.Outcome[*jsonrpc.Response]{Response: resp, Err: err}
	}()
	return slot
}

type batchService struct {
	u *Upstream
}

func (s batchService) PollReady() service.Readiness {
	return s.u.Readiness()
}

// Call renumbers the batch 0..n-1 on the wire and matches responses back by ID.
// A transport failure fails the whole batch.
func (s batchService) Call(ctx context.Context, reqs []*jsonrpc.Request) <-chan service.Outcome[BatchOutcomes] {
	slot := service.NewSlot[BatchOutcomes]()
	go func() {
		outcomes, err := s.execute(ctx, reqs)
		slot <- service.Outcome[BatchOutcomes]{Response: outcomes, Err: err}
	}()
	return slot
}

func (s batchService) execute(ctx context.Context, reqs []*jsonrpc.Request) (BatchOutcomes, error) {
	wire := make([]*jsonrpc.Request, len(reqs))
	for i, req := range reqs {
		wire[i] = req.WithID(jsonrpc.NewIDInt(int64(i)))
	}

	responses, err := s.u.ExecuteBatch(ctx, wire)
	if err != nil {
		return nil, err
	}

	// a lone error object with a null id rejects the whole batch
	if len(responses) == 1 && responses[0].ID.IsNull() && responses[0].HasError() {
		return nil, &ResponseError{Upstream: s.u.name, Response: responses[0]}
	}

	byID := make(map[string]*jsonrpc.Response, len(responses))
	for _, resp := range responses {
		byID[resp.ID.Key()] = resp
	}

	outcomes := make(BatchOutcomes, len(reqs))
	for i, req := range reqs {
		resp, ok := byID[wire[i].ID.Key()]
		if !ok {
			outcomes[i].Err = fmt.Errorf("%w: %s", ErrMissingResponse, req.Method)
			continue
		}
		outcomes[i].Response, outcomes[i].Err = s.u.settle(resp, req.ID)
	}
	return outcomes, nil
}

// settle restores the caller's ID and turns retryable JSON-RPC errors into Go errors
func (u *Upstream) settle(resp *jsonrpc.Response, id jsonrpc.ID) (*jsonrpc.Response, error) {
	resp = resp.WithID(id)
	if resp.IsRetryableError() {
		return nil, &ResponseError{Upstream: u.name, Response: resp}
	}
	return resp, nil
}
