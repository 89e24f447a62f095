package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/mitoru-ai/mitoru/internal/model"
	"github.com/mitoru-ai/mitoru/internal/storage"
)

func (s *Server) handleStartCall(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agentName := request.GetString("agent_name", "")
	query := request.GetString("query", "")
	if agentName == "" || query == "" {
		return errorResult("agent_name and query are required"), nil
	}

	spec := model.CallSpec{
		InputData: map[string]any{"query": query},
	}
	if maxIter := request.GetInt("max_iterations", 0); maxIter > 0 {
		spec.MaxIterations = &maxIter
	}

	call, err := s.coord.StartCall(ctx, agentName, spec)
	if err != nil {
		return errorResult(fmt.Sprintf("start call failed: %v", err)), nil
	}
	return jsonResult(call), nil
}

func (s *Server) handleGetCall(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	callID, result := callIDArg(request)
	if result != nil {
		return result, nil
	}

	call, err := s.store.GetCall(ctx, callID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult("call not found"), nil
		}
		return errorResult(fmt.Sprintf("get call failed: %v", err)), nil
	}
	return jsonResult(call), nil
}

func (s *Server) handleListCalls(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agentName := request.GetString("agent_name", "")
	if agentName == "" {
		return errorResult("agent_name is required"), nil
	}
	if _, ok := s.coord.Agent(agentName); !ok {
		return errorResult("unknown agent: " + agentName), nil
	}

	req := model.CallListRequest{
		AgentName: agentName,
		Limit:     request.GetInt("limit", 0),
		Offset:    request.GetInt("offset", 0),
	}
	if status := request.GetString("status", ""); status != "" {
		req.Status = model.CallStatus(status)
		if !req.Status.Valid() {
			return errorResult("invalid status filter: " + status), nil
		}
	}

	resp, err := s.store.ListCalls(ctx, req)
	if err != nil {
		return errorResult(fmt.Sprintf("list calls failed: %v", err)), nil
	}
	return jsonResult(resp), nil
}

func (s *Server) handleGetEvents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	callID, result := callIDArg(request)
	if result != nil {
		return result, nil
	}

	exists, err := s.store.Exists(ctx, callID)
	if err != nil {
		return errorResult(fmt.Sprintf("check call failed: %v", err)), nil
	}
	if !exists {
		return errorResult("call not found"), nil
	}

	events, err := s.store.GetEvents(ctx, callID)
	if err != nil {
		return errorResult(fmt.Sprintf("get events failed: %v", err)), nil
	}
	if events == nil {
		events = []model.Event{}
	}
	return jsonResult(model.EventsResponse{Events: events}), nil
}

func (s *Server) handleCancelCall(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	callID, result := callIDArg(request)
	if result != nil {
		return result, nil
	}

	call, err := s.store.GetCall(ctx, callID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult("call not found"), nil
		}
		return errorResult(fmt.Sprintf("get call failed: %v", err)), nil
	}
	if call.Status.IsTerminal() {
		return errorResult("call already finished with status " + string(call.Status)), nil
	}

	if _, err := s.coord.Cancel(ctx, callID); err != nil {
		return errorResult(fmt.Sprintf("cancel failed: %v", err)), nil
	}

	call, err = s.store.GetCall(ctx, callID)
	if err != nil {
		return errorResult(fmt.Sprintf("get call after cancel failed: %v", err)), nil
	}
	return jsonResult(call), nil
}

func callIDArg(request mcplib.CallToolRequest) (uuid.UUID, *mcplib.CallToolResult) {
	raw := request.GetString("call_id", "")
	callID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errorResult("invalid call_id: " + raw)
	}
	return callID, nil
}
